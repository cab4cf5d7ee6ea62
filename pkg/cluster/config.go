package cluster

import (
	"fmt"
	"runtime"
	"time"
)

// SeedMode selects how iteration-0 assignments are produced.
type SeedMode string

const (
	// SeedModeAuto picks components or unique based on the entity count.
	SeedModeAuto SeedMode = "auto"
	// SeedModeComponents seeds via single-pass connected components. The
	// traversal keeps a visited set in memory, so it suits small and medium
	// graphs.
	SeedModeComponents SeedMode = "components"
	// SeedModeUnique gives every entity its own singleton cluster.
	SeedModeUnique SeedMode = "unique"
)

const (
	DefaultBatchSize            = 10000
	DefaultMaxIterations        = 10
	DefaultConvergenceTolerance = 0.01
	DefaultDuplicationThreshold = 0.3
	DefaultSeedAutoThreshold    = 1_000_000
)

// Config holds the tunables of a clustering run.
type Config struct {
	// BatchSize is the number of records (or assignment rows) per storage I/O
	// batch.
	BatchSize int

	// MaxIterations bounds the label propagation loop.
	MaxIterations int

	// ConvergenceTolerance is the churn fraction at or below which the run is
	// considered converged.
	ConvergenceTolerance float64

	// DuplicationThreshold is the minimum vote-weight ratio V_Q/T a
	// non-primary cluster must reach for the entity to be duplicated into it.
	DuplicationThreshold float64

	// SeedMode selects the seeding strategy. SeedModeAuto switches to unique
	// seeding when the graph holds more than SeedAutoThreshold entities.
	SeedMode SeedMode

	SeedAutoThreshold int64

	// Workers is the size of the worker pool used by the adjacency builder
	// and the propagation engine.
	Workers int

	// Deadline is the optional wall-clock budget for the whole run. Zero
	// means no deadline. On expiry the in-flight iteration completes, the run
	// is flagged non-converged, and duplication and reporting proceed on the
	// last committed snapshot.
	Deadline time.Duration

	// Strict turns malformed input records from skip-and-count into a fatal
	// error.
	Strict bool
}

func DefaultConfig() *Config {
	return &Config{
		BatchSize:            DefaultBatchSize,
		MaxIterations:        DefaultMaxIterations,
		ConvergenceTolerance: DefaultConvergenceTolerance,
		DuplicationThreshold: DefaultDuplicationThreshold,
		SeedMode:             SeedModeAuto,
		SeedAutoThreshold:    DefaultSeedAutoThreshold,
		Workers:              runtime.NumCPU(),
	}
}

// Verify validates the configuration. It is called before any processing so
// that invalid values fail fast.
func (c *Config) Verify() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("config 'batch-size' must be > 0, got %d", c.BatchSize)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("config 'max-iterations' must be > 0, got %d", c.MaxIterations)
	}
	if c.ConvergenceTolerance < 0 || c.ConvergenceTolerance >= 1 {
		return fmt.Errorf("config 'convergence-tolerance' must be in [0, 1), got %v", c.ConvergenceTolerance)
	}
	if c.DuplicationThreshold <= 0 || c.DuplicationThreshold > 1 {
		return fmt.Errorf("config 'duplication-threshold' must be in (0, 1], got %v", c.DuplicationThreshold)
	}
	switch c.SeedMode {
	case SeedModeAuto, SeedModeComponents, SeedModeUnique:
	default:
		return fmt.Errorf("config 'seed-mode' must be one of 'auto', 'components' or 'unique', got %q", c.SeedMode)
	}
	if c.SeedAutoThreshold <= 0 {
		return fmt.Errorf("config 'seed-auto-threshold' must be > 0, got %d", c.SeedAutoThreshold)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config 'workers' must be > 0, got %d", c.Workers)
	}
	if c.Deadline < 0 {
		return fmt.Errorf("config 'deadline' must not be negative, got %v", c.Deadline)
	}

	return nil
}
