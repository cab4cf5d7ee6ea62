package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigVerifies(t *testing.T) {
	require.NoError(t, DefaultConfig().Verify())
}

func TestVerifyRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero_batch_size", func(c *Config) { c.BatchSize = 0 }},
		{"zero_max_iterations", func(c *Config) { c.MaxIterations = 0 }},
		{"negative_tolerance", func(c *Config) { c.ConvergenceTolerance = -0.1 }},
		{"tolerance_of_one", func(c *Config) { c.ConvergenceTolerance = 1 }},
		{"zero_duplication_threshold", func(c *Config) { c.DuplicationThreshold = 0 }},
		{"duplication_threshold_above_one", func(c *Config) { c.DuplicationThreshold = 1.5 }},
		{"unknown_seed_mode", func(c *Config) { c.SeedMode = "spiral" }},
		{"zero_seed_auto_threshold", func(c *Config) { c.SeedAutoThreshold = 0 }},
		{"zero_workers", func(c *Config) { c.Workers = 0 }},
		{"negative_deadline", func(c *Config) { c.Deadline = -1 }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := DefaultConfig()
			test.mutate(cfg)
			require.Error(t, cfg.Verify())
		})
	}
}

func TestAssignmentPrimaryAndDuplicates(t *testing.T) {
	a := Assignment{
		Entity: "C:C1",
		Memberships: []Membership{
			{Cluster: "C:C9", Role: RoleDuplicate, Weight: 3},
			{Cluster: "C:C1", Role: RolePrimary, Weight: 7},
		},
	}

	p, ok := a.Primary()
	require.True(t, ok)
	require.Equal(t, "C:C1", p.Cluster)
	require.Equal(t, int64(7), p.Weight)

	dups := a.Duplicates()
	require.Len(t, dups, 1)
	require.Equal(t, "C:C9", dups[0].Cluster)

	require.Equal(t, []string{"C:C1", "C:C9"}, a.Clusters())
}
