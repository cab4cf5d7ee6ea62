package run

import (
	"github.com/spf13/cobra"

	"github.com/graphshard/graphshard/cmd/util"
)

// bindRunFlags binds the cobra cmd flags to the equivalent config value being
// managed by viper. This bridges the config between cobra flags and viper
// flags.
func bindRunFlags(command *cobra.Command) {
	defaultConfig := DefaultConfig()
	flags := command.Flags()

	flags.String("datastore-engine", defaultConfig.Datastore.Engine, "the datastore engine that will be used for persistence ('memory' or 'sqlite')")
	util.MustBindPFlag("datastore.engine", flags.Lookup("datastore-engine"))
	util.MustBindEnv("datastore.engine", "GRAPHSHARD_DATASTORE_ENGINE")

	flags.String("datastore-uri", defaultConfig.Datastore.URI, "the connection uri to use to connect to the datastore (for any engine other than 'memory')")
	util.MustBindPFlag("datastore.uri", flags.Lookup("datastore-uri"))
	util.MustBindEnv("datastore.uri", "GRAPHSHARD_DATASTORE_URI")

	flags.Bool("datastore-metrics-enabled", defaultConfig.Datastore.MetricsEnabled, "enable/disable sql metrics")
	util.MustBindPFlag("datastore.metricsEnabled", flags.Lookup("datastore-metrics-enabled"))
	util.MustBindEnv("datastore.metricsEnabled", "GRAPHSHARD_DATASTORE_METRICS_ENABLED")

	flags.Int("assignment-cache-size", defaultConfig.Datastore.AssignmentCacheSize, "the maximum number of primary assignments cached during propagation (0 disables the cache)")
	util.MustBindPFlag("datastore.assignmentCacheSize", flags.Lookup("assignment-cache-size"))
	util.MustBindEnv("datastore.assignmentCacheSize", "GRAPHSHARD_ASSIGNMENT_CACHE_SIZE")

	flags.String("input", defaultConfig.Input, "the transaction file to read interaction records from ('-' reads stdin)")
	util.MustBindPFlag("input", flags.Lookup("input"))
	util.MustBindEnv("input", "GRAPHSHARD_INPUT")

	flags.String("output-dir", defaultConfig.OutputDir, "the directory the clusters.csv and report.json artifacts are written to")
	util.MustBindPFlag("outputDir", flags.Lookup("output-dir"))
	util.MustBindEnv("outputDir", "GRAPHSHARD_OUTPUT_DIR")

	flags.String("run-id", defaultConfig.RunID, "the run id to use (defaults to a fresh ulid)")
	util.MustBindPFlag("runID", flags.Lookup("run-id"))
	util.MustBindEnv("runID", "GRAPHSHARD_RUN_ID")

	flags.Bool("resume", defaultConfig.Resume, "resume the run named by --run-id from its latest committed snapshot instead of rebuilding the adjacency")
	util.MustBindPFlag("resume", flags.Lookup("resume"))
	util.MustBindEnv("resume", "GRAPHSHARD_RESUME")

	flags.Int("batch-size", defaultConfig.BatchSize, "the number of rows read or written to the datastore per batch")
	util.MustBindPFlag("batchSize", flags.Lookup("batch-size"))
	util.MustBindEnv("batchSize", "GRAPHSHARD_BATCH_SIZE")

	flags.Int("max-iterations", defaultConfig.MaxIterations, "the maximum number of label propagation iterations")
	util.MustBindPFlag("maxIterations", flags.Lookup("max-iterations"))
	util.MustBindEnv("maxIterations", "GRAPHSHARD_MAX_ITERATIONS")

	flags.Float64("convergence-tolerance", defaultConfig.ConvergenceTolerance, "the churn ratio at or below which propagation is considered converged")
	util.MustBindPFlag("convergenceTolerance", flags.Lookup("convergence-tolerance"))
	util.MustBindEnv("convergenceTolerance", "GRAPHSHARD_CONVERGENCE_TOLERANCE")

	flags.Float64("duplication-threshold", defaultConfig.DuplicationThreshold, "the minimum share of an entity's vote weight a secondary cluster needs to receive a duplicate membership")
	util.MustBindPFlag("duplicationThreshold", flags.Lookup("duplication-threshold"))
	util.MustBindEnv("duplicationThreshold", "GRAPHSHARD_DUPLICATION_THRESHOLD")

	flags.String("seed-mode", defaultConfig.SeedMode, "the seeding mode ('auto', 'components' or 'unique')")
	util.MustBindPFlag("seedMode", flags.Lookup("seed-mode"))
	util.MustBindEnv("seedMode", "GRAPHSHARD_SEED_MODE")

	flags.Int64("seed-auto-threshold", defaultConfig.SeedAutoThreshold, "the entity count above which 'auto' seeding switches from connected components to unique labels")
	util.MustBindPFlag("seedAutoThreshold", flags.Lookup("seed-auto-threshold"))
	util.MustBindEnv("seedAutoThreshold", "GRAPHSHARD_SEED_AUTO_THRESHOLD")

	flags.Int("workers", defaultConfig.Workers, "the number of concurrent workers per pipeline stage (defaults to the number of CPUs)")
	util.MustBindPFlag("workers", flags.Lookup("workers"))
	util.MustBindEnv("workers", "GRAPHSHARD_WORKERS")

	flags.Duration("deadline", defaultConfig.Deadline, "an optional wall-clock budget for propagation; the iteration in flight when it passes is completed")
	util.MustBindPFlag("deadline", flags.Lookup("deadline"))
	util.MustBindEnv("deadline", "GRAPHSHARD_DEADLINE")

	flags.Bool("strict", defaultConfig.Strict, "fail the run on the first malformed input record instead of skipping and counting it")
	util.MustBindPFlag("strict", flags.Lookup("strict"))
	util.MustBindEnv("strict", "GRAPHSHARD_STRICT")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in ('text' or 'json')")
	util.MustBindPFlag("log.format", flags.Lookup("log-format"))
	util.MustBindEnv("log.format", "GRAPHSHARD_LOG_FORMAT")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use ('none', 'debug', 'info', 'warn', 'error' or 'fatal')")
	util.MustBindPFlag("log.level", flags.Lookup("log-level"))
	util.MustBindEnv("log.level", "GRAPHSHARD_LOG_LEVEL")
}
