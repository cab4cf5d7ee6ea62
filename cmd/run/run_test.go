package run

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/graphshard/graphshard/pkg/logger"
)

func TestDefaultConfigVerifies(t *testing.T) {
	require.NoError(t, DefaultConfig().Verify())
}

func TestVerifyRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "resume_without_run_id", mutate: func(c *Config) { c.Resume = true }},
		{name: "empty_input", mutate: func(c *Config) { c.Input = "" }},
		{name: "empty_output_dir", mutate: func(c *Config) { c.OutputDir = "" }},
		{name: "negative_cache_size", mutate: func(c *Config) { c.Datastore.AssignmentCacheSize = -1 }},
		{name: "bad_seed_mode", mutate: func(c *Config) { c.SeedMode = "recursive" }},
		{name: "zero_batch_size", mutate: func(c *Config) { c.BatchSize = 0 }},
		{name: "negative_deadline", mutate: func(c *Config) { c.Deadline = -time.Second }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := DefaultConfig()
			test.mutate(&cfg)
			require.Error(t, cfg.Verify())
		})
	}
}

func TestBuildDatastore(t *testing.T) {
	cfg := DefaultConfig()

	ds, err := buildDatastore(cfg, logger.NewNoopLogger())
	require.NoError(t, err)
	ds.Close()

	cfg.Datastore.Engine = "postgres"
	_, err = buildDatastore(cfg, logger.NewNoopLogger())
	require.Error(t, err)
}
