// Package pipeline chains adjacency construction, seeding, propagation,
// duplication and reporting into a single run.
package pipeline

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/graphshard/graphshard/internal/adjacency"
	"github.com/graphshard/graphshard/internal/duplication"
	"github.com/graphshard/graphshard/internal/propagation"
	"github.com/graphshard/graphshard/internal/report"
	"github.com/graphshard/graphshard/internal/seed"
	"github.com/graphshard/graphshard/pkg/cluster"
	"github.com/graphshard/graphshard/pkg/logger"
	"github.com/graphshard/graphshard/pkg/storage"
)

// RunResult is the outcome of a completed run.
type RunResult struct {
	RunID             string
	ResolvedIteration int
	Report            report.Report
}

// Pipeline runs the full clustering flow against one datastore.
type Pipeline struct {
	datastore storage.ClusterDatastore
	logger    logger.Logger
	config    cluster.Config
}

// New creates a [Pipeline]. The config must already be verified.
func New(ds storage.ClusterDatastore, cfg cluster.Config, log logger.Logger) *Pipeline {
	return &Pipeline{
		datastore: ds,
		logger:    log,
		config:    cfg,
	}
}

// NewRunID returns a fresh, sortable run id.
func NewRunID() string {
	return ulid.Make().String()
}

// Run executes a full run over src: build the adjacency, seed, propagate,
// resolve duplicates and collect the report. A zero runID is replaced with a
// fresh one.
func (p *Pipeline) Run(ctx context.Context, runID string, src adjacency.RecordSource) (RunResult, error) {
	if runID == "" {
		runID = NewRunID()
	}
	p.logger.Info("starting run", zap.String("run_id", runID))

	builder := adjacency.NewBuilder(p.datastore, p.config, p.logger)
	built, err := builder.Build(ctx, runID, src)
	if err != nil {
		return RunResult{}, fmt.Errorf("build adjacency: %w", err)
	}

	mode := seed.SelectMode(p.config.SeedMode, built.Stats, p.config.SeedAutoThreshold)
	seeder := seed.New(p.datastore, p.config, p.logger)
	if _, err := seeder.Seed(ctx, runID, mode); err != nil {
		return RunResult{}, fmt.Errorf("seed clusters: %w", err)
	}

	return p.finish(ctx, runID, storage.SeedIteration, built.Malformed)
}

// Resume continues a run whose adjacency and at least one committed snapshot
// already exist, propagating from the latest committed snapshot onward.
func (p *Pipeline) Resume(ctx context.Context, runID string) (RunResult, error) {
	if runID == "" {
		return RunResult{}, fmt.Errorf("resume requires a run id")
	}

	latest, err := p.datastore.LatestCommittedIteration(ctx, runID)
	if err != nil {
		return RunResult{}, fmt.Errorf("find latest snapshot of run %s: %w", runID, err)
	}
	p.logger.Info("resuming run", zap.String("run_id", runID), zap.Int("iteration", latest))

	return p.finish(ctx, runID, latest, 0)
}

func (p *Pipeline) finish(ctx context.Context, runID string, fromIteration int, malformed int64) (RunResult, error) {
	engine := propagation.New(p.datastore, p.config, p.logger)
	propagated, err := engine.Run(ctx, runID, fromIteration)
	if err != nil {
		return RunResult{}, fmt.Errorf("propagate labels: %w", err)
	}

	if !propagated.Converged {
		p.logger.Warn("propagation did not converge",
			zap.String("run_id", runID),
			zap.Int("iterations", propagated.Iterations),
			zap.Int64("churn", propagated.Churn),
		)
	}

	resolver := duplication.New(p.datastore, p.config, p.logger)
	resolved, err := resolver.Resolve(ctx, runID, propagated.FinalIteration)
	if err != nil {
		return RunResult{}, fmt.Errorf("resolve duplicates: %w", err)
	}

	collector := report.NewCollector(p.datastore, p.config)
	runReport, err := collector.Collect(ctx, runID, resolved.ResolvedIteration, report.Propagation{
		Iterations:           propagated.Iterations,
		Converged:            propagated.Converged,
		Churn:                propagated.Churn,
		DeadlineHit:          propagated.DeadlineHit,
		BridgeEntities:       resolved.BridgeEntities,
		DuplicateMemberships: resolved.DuplicateMemberships,
	}, malformed)
	if err != nil {
		return RunResult{}, fmt.Errorf("collect report: %w", err)
	}

	p.logger.Info("run complete",
		zap.String("run_id", runID),
		zap.Int("clusters", runReport.ClusterCount),
		zap.Float64("chattiness", runReport.Chattiness),
	)

	return RunResult{
		RunID:             runID,
		ResolvedIteration: resolved.ResolvedIteration,
		Report:            runReport,
	}, nil
}
