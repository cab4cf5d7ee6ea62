// Package run contains the command to execute a clustering run.
package run

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/graphshard/graphshard/internal/adjacency"
	"github.com/graphshard/graphshard/pkg/cluster"
	"github.com/graphshard/graphshard/pkg/logger"
	"github.com/graphshard/graphshard/pkg/pipeline"
	"github.com/graphshard/graphshard/pkg/storage"
	"github.com/graphshard/graphshard/pkg/storage/memory"
	"github.com/graphshard/graphshard/pkg/storage/sqlite"
	"github.com/graphshard/graphshard/pkg/storage/storagewrappers"
)

// DatastoreConfig defines the storage configuration of a run.
type DatastoreConfig struct {
	// Engine is the datastore engine, 'memory' or 'sqlite'.
	Engine string

	// URI is the connection uri of the datastore (unused by 'memory').
	URI string

	// MetricsEnabled exports database/sql stats to prometheus.
	MetricsEnabled bool

	// AssignmentCacheSize bounds the read-through cache over primary
	// assignment lookups. Zero disables the cache.
	AssignmentCacheSize int
}

// LogConfig defines the logging configuration of a run.
type LogConfig struct {
	// Format is the log output format, 'text' or 'json'.
	Format string

	// Level is the minimum emitted log level.
	Level string
}

// Config defines the configuration of the run command.
type Config struct {
	Datastore DatastoreConfig
	Log       LogConfig

	// Input is the transaction file interaction records are read from,
	// '-' for stdin. Ignored when resuming.
	Input string

	// OutputDir is where clusters.csv and report.json are written.
	OutputDir string

	// RunID names the run. Empty means a fresh ulid.
	RunID string

	// Resume continues the run named by RunID from its latest committed
	// snapshot instead of rebuilding the adjacency.
	Resume bool

	BatchSize            int
	MaxIterations        int
	ConvergenceTolerance float64
	DuplicationThreshold float64
	SeedMode             string
	SeedAutoThreshold    int64
	Workers              int
	Deadline             time.Duration
	Strict               bool
}

// DefaultConfig returns the run command defaults.
func DefaultConfig() Config {
	clusterDefaults := cluster.DefaultConfig()

	return Config{
		Datastore: DatastoreConfig{
			Engine:              "memory",
			AssignmentCacheSize: storagewrappers.DefaultCacheSize,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Input:                "-",
		OutputDir:            "graphshard-output",
		BatchSize:            clusterDefaults.BatchSize,
		MaxIterations:        clusterDefaults.MaxIterations,
		ConvergenceTolerance: clusterDefaults.ConvergenceTolerance,
		DuplicationThreshold: clusterDefaults.DuplicationThreshold,
		SeedMode:             string(clusterDefaults.SeedMode),
		SeedAutoThreshold:    clusterDefaults.SeedAutoThreshold,
		Workers:              runtime.NumCPU(),
		Deadline:             clusterDefaults.Deadline,
		Strict:               clusterDefaults.Strict,
	}
}

// NewRunCommand returns the command to execute a clustering run.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the clustering pipeline",
		Long:  "Run the clustering pipeline: build the adjacency, seed, propagate labels, resolve duplicates and write the artifacts.",
		RunE:  run,
		Args:  cobra.NoArgs,
	}

	bindRunFlags(cmd)

	return cmd
}

// ReadConfig reads the run configuration from viper.
func ReadConfig() Config {
	return Config{
		Datastore: DatastoreConfig{
			Engine:              viper.GetString("datastore.engine"),
			URI:                 viper.GetString("datastore.uri"),
			MetricsEnabled:      viper.GetBool("datastore.metricsEnabled"),
			AssignmentCacheSize: viper.GetInt("datastore.assignmentCacheSize"),
		},
		Log: LogConfig{
			Format: viper.GetString("log.format"),
			Level:  viper.GetString("log.level"),
		},
		Input:                viper.GetString("input"),
		OutputDir:            viper.GetString("outputDir"),
		RunID:                viper.GetString("runID"),
		Resume:               viper.GetBool("resume"),
		BatchSize:            viper.GetInt("batchSize"),
		MaxIterations:        viper.GetInt("maxIterations"),
		ConvergenceTolerance: viper.GetFloat64("convergenceTolerance"),
		DuplicationThreshold: viper.GetFloat64("duplicationThreshold"),
		SeedMode:             viper.GetString("seedMode"),
		SeedAutoThreshold:    viper.GetInt64("seedAutoThreshold"),
		Workers:              viper.GetInt("workers"),
		Deadline:             viper.GetDuration("deadline"),
		Strict:               viper.GetBool("strict"),
	}
}

// ClusterConfig converts the command configuration into the engine
// configuration.
func (c Config) ClusterConfig() cluster.Config {
	return cluster.Config{
		BatchSize:            c.BatchSize,
		MaxIterations:        c.MaxIterations,
		ConvergenceTolerance: c.ConvergenceTolerance,
		DuplicationThreshold: c.DuplicationThreshold,
		SeedMode:             cluster.SeedMode(c.SeedMode),
		SeedAutoThreshold:    c.SeedAutoThreshold,
		Workers:              c.Workers,
		Deadline:             c.Deadline,
		Strict:               c.Strict,
	}
}

// Verify checks the parts of the configuration the engine does not.
func (c Config) Verify() error {
	if c.Resume && c.RunID == "" {
		return fmt.Errorf("config '--resume' requires '--run-id'")
	}
	if !c.Resume && c.Input == "" {
		return fmt.Errorf("config '--input' must not be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("config '--output-dir' must not be empty")
	}
	if c.Datastore.AssignmentCacheSize < 0 {
		return fmt.Errorf("config '--assignment-cache-size' must not be negative")
	}

	cc := c.ClusterConfig()
	return cc.Verify()
}

func run(_ *cobra.Command, _ []string) error {
	cfg := ReadConfig()
	if err := cfg.Verify(); err != nil {
		return err
	}

	log := logger.MustNewLogger(cfg.Log.Format, cfg.Log.Level)

	ds, err := buildDatastore(cfg, log)
	if err != nil {
		return err
	}
	defer ds.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if status, err := ds.IsReady(ctx); err != nil || !status.IsReady {
		return fmt.Errorf("datastore is not ready: %v", err)
	}

	p := pipeline.New(ds, cfg.ClusterConfig(), log)

	var result pipeline.RunResult
	if cfg.Resume {
		result, err = p.Resume(ctx, cfg.RunID)
	} else {
		var src io.ReadCloser
		src, err = openInput(cfg.Input)
		if err != nil {
			return err
		}
		defer src.Close()

		result, err = p.Run(ctx, cfg.RunID, adjacency.NewTextSource(src))
	}
	if err != nil {
		return err
	}

	if err := pipeline.WriteOutputs(ctx, ds, cfg.OutputDir, result); err != nil {
		return err
	}

	log.Info("artifacts written",
		zap.String("run_id", result.RunID),
		zap.String("output_dir", cfg.OutputDir),
	)

	return nil
}

func buildDatastore(cfg Config, log logger.Logger) (storage.ClusterDatastore, error) {
	var (
		ds  storage.ClusterDatastore
		err error
	)

	switch cfg.Datastore.Engine {
	case "memory":
		ds = memory.New()
	case "sqlite":
		sqliteConfig := sqlite.NewConfig()
		sqliteConfig.Logger = log
		sqliteConfig.ExportMetrics = cfg.Datastore.MetricsEnabled

		ds, err = sqlite.New(cfg.Datastore.URI, sqliteConfig)
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite datastore: %w", err)
		}
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", cfg.Datastore.Engine)
	}

	if cfg.Datastore.AssignmentCacheSize > 0 {
		ds, err = storagewrappers.NewCachedDatastore(ds, cfg.Datastore.AssignmentCacheSize)
		if err != nil {
			return nil, err
		}
	}

	return ds, nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return f, nil
}
