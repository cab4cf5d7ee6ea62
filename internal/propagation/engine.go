// Package propagation implements iterative, datastore-backed label
// propagation over the bipartite adjacency of a run.
package propagation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/graphshard/graphshard/internal/concurrency"
	"github.com/graphshard/graphshard/pkg/cluster"
	"github.com/graphshard/graphshard/pkg/entity"
	"github.com/graphshard/graphshard/pkg/logger"
	"github.com/graphshard/graphshard/pkg/storage"
)

// Result summarizes a finished propagation run.
type Result struct {
	// Iterations is the number of completed propagation iterations.
	Iterations int

	// FinalIteration is the snapshot index holding the final assignment.
	// Each iteration advances it by two, one half-step per bipartite side.
	FinalIteration int

	// Converged reports whether the churn ratio of the last iteration was
	// within the configured tolerance.
	Converged bool

	// Churn is the number of entities that changed primary cluster during
	// the last iteration.
	Churn int64

	// DeadlineHit reports that the run stopped because the deadline passed.
	// The iteration in flight when it passed was still completed.
	DeadlineHit bool
}

// Engine runs label propagation. An iteration is two half-steps: cardholders
// re-vote against the merchant labels of the last committed snapshot, then
// merchants re-vote against the updated cardholder labels. Updating one side
// at a time keeps workers order-independent within a half-step and lets a
// label cross one hop per side per iteration, which a simultaneous update of
// both sides of a bipartite graph cannot do without oscillating.
type Engine struct {
	datastore storage.ClusterDatastore
	logger    logger.Logger
	config    cluster.Config
}

// New creates an [Engine] operating on ds.
func New(ds storage.ClusterDatastore, cfg cluster.Config, log logger.Logger) *Engine {
	return &Engine{
		datastore: ds,
		logger:    log,
		config:    cfg,
	}
}

// Run propagates labels starting from the committed snapshot at
// fromIteration until the churn ratio drops within tolerance, MaxIterations
// complete, or the deadline passes. Superseded snapshots are dropped as soon
// as their successor commits.
func (e *Engine) Run(ctx context.Context, runID string, fromIteration int) (Result, error) {
	stats, err := e.datastore.GraphStats(ctx, runID)
	if err != nil {
		return Result{}, fmt.Errorf("read graph stats: %w", err)
	}

	totalEntities := stats.Entities()
	if totalEntities == 0 {
		return Result{FinalIteration: fromIteration, Converged: true}, nil
	}

	var deadline time.Time
	if e.config.Deadline > 0 {
		deadline = time.Now().Add(e.config.Deadline)
	}

	result := Result{FinalIteration: fromIteration}
	for result.Iterations < e.config.MaxIterations {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			result.DeadlineHit = true
			break
		}

		var churn int64
		current := result.FinalIteration
		for _, votingKind := range []entity.Kind{entity.Cardholder, entity.Merchant} {
			halfChurn, err := e.halfStep(ctx, runID, current, current+1, votingKind)
			if err != nil {
				return Result{}, err
			}
			churn += halfChurn
			current++
		}

		result.Iterations++
		result.FinalIteration = current
		result.Churn = churn

		churnRatio := float64(churn) / float64(totalEntities)
		result.Converged = churnRatio <= e.config.ConvergenceTolerance

		e.logger.Info("propagation iteration complete",
			zap.String("run_id", runID),
			zap.Int("iteration", result.Iterations),
			zap.Int64("churn", churn),
			zap.Float64("churn_ratio", churnRatio),
		)

		if result.Converged {
			break
		}
	}

	return result, nil
}

// halfStep computes snapshot next from snapshot current: entities of
// votingKind re-vote, the other side's assignments are carried over
// unchanged. It returns the number of voters that changed primary cluster.
func (e *Engine) halfStep(ctx context.Context, runID string, current, next int, votingKind entity.Kind) (int64, error) {
	workers := e.config.Workers
	if workers < 1 {
		workers = 1
	}

	shards := make([]chan entity.ID, workers)
	for i := range shards {
		shards[i] = make(chan entity.ID, e.config.BatchSize)
	}

	var churn atomic.Int64
	pool := concurrency.NewPool(ctx, workers+1)

	for i := 0; i < workers; i++ {
		shard := shards[i]
		pool.Go(func(ctx context.Context) error {
			return e.processShard(ctx, runID, current, next, votingKind, shard, &churn)
		})
	}

	pool.Go(func(ctx context.Context) error {
		defer func() {
			for _, shard := range shards {
				close(shard)
			}
		}()

		for _, kind := range []entity.Kind{entity.Cardholder, entity.Merchant} {
			iter, err := e.datastore.Entities(ctx, runID, kind)
			if err != nil {
				return fmt.Errorf("enumerate %s entities: %w", kind, err)
			}

			for {
				id, err := iter.Next(ctx)
				if err != nil {
					if errors.Is(err, storage.ErrIteratorDone) {
						break
					}
					iter.Stop()
					return err
				}

				shard := shards[id.Shard(workers)]
				if !concurrency.TrySendThroughChannel(ctx, id, shard) {
					iter.Stop()
					return ctx.Err()
				}
			}
			iter.Stop()
		}

		return nil
	})

	if err := pool.Wait(); err != nil {
		return 0, err
	}

	if err := e.datastore.CommitSnapshot(ctx, runID, next); err != nil {
		return 0, fmt.Errorf("commit snapshot %d: %w", next, err)
	}
	if err := e.datastore.DropSnapshot(ctx, runID, current); err != nil {
		return 0, fmt.Errorf("drop snapshot %d: %w", current, err)
	}

	return churn.Load(), nil
}

// processShard handles the entities of one shard in batches.
func (e *Engine) processShard(ctx context.Context, runID string, current, next int, votingKind entity.Kind, shard <-chan entity.ID, churn *atomic.Int64) error {
	batch := make([]entity.ID, 0, e.config.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.processBatch(ctx, runID, current, next, votingKind, batch, churn); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id, ok := <-shard:
			if !ok {
				return flush()
			}
			batch = append(batch, id)
			if len(batch) >= e.config.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}

// processBatch votes for the batch members of votingKind and copies the rest
// forward verbatim, then writes the whole batch to the next snapshot.
func (e *Engine) processBatch(ctx context.Context, runID string, current, next int, votingKind entity.Kind, ids []entity.ID, churn *atomic.Int64) error {
	voters := make([]entity.ID, 0, len(ids))
	carried := make([]entity.ID, 0, len(ids))
	for _, id := range ids {
		if id.Kind() == votingKind {
			voters = append(voters, id)
		} else {
			carried = append(carried, id)
		}
	}

	assignments := make([]cluster.Assignment, 0, len(ids))

	if len(carried) > 0 {
		copied, err := e.datastore.ReadAssignments(ctx, runID, current, carried)
		if err != nil {
			return fmt.Errorf("read carried assignments: %w", err)
		}
		assignments = append(assignments, copied...)
	}

	if len(voters) > 0 {
		voted, err := e.vote(ctx, runID, current, voters, churn)
		if err != nil {
			return err
		}
		assignments = append(assignments, voted...)
	}

	err := storage.WithRetry(ctx, func() error {
		return e.datastore.WriteAssignments(ctx, runID, next, assignments)
	})
	if err != nil {
		return fmt.Errorf("write assignments: %w", err)
	}

	return nil
}

func (e *Engine) vote(ctx context.Context, runID string, current int, ids []entity.ID, churn *atomic.Int64) ([]cluster.Assignment, error) {
	// Gather the neighbor lists once; primaries of the batch and of every
	// distinct neighbor are then fetched in single bulk reads.
	neighborsByID := make(map[entity.ID][]storage.Neighbor, len(ids))
	neighborSet := make(map[entity.ID]struct{})

	for _, id := range ids {
		iter, err := e.datastore.Neighbors(ctx, runID, id)
		if err != nil {
			return nil, fmt.Errorf("read neighbors of %s: %w", id, err)
		}
		neighbors, err := storage.Drain(ctx, iter)
		if err != nil {
			return nil, err
		}

		neighborsByID[id] = neighbors
		for _, n := range neighbors {
			neighborSet[n.ID] = struct{}{}
		}
	}

	lookup := make([]entity.ID, 0, len(neighborSet))
	for id := range neighborSet {
		lookup = append(lookup, id)
	}

	neighborPrimaries, err := e.datastore.ReadPrimaries(ctx, runID, current, lookup)
	if err != nil {
		return nil, fmt.Errorf("read neighbor primaries: %w", err)
	}
	currentPrimaries, err := e.datastore.ReadPrimaries(ctx, runID, current, ids)
	if err != nil {
		return nil, fmt.Errorf("read current primaries: %w", err)
	}

	assignments := make([]cluster.Assignment, 0, len(ids))
	for _, id := range ids {
		tally := make(map[string]int64)
		for _, n := range neighborsByID[id] {
			if clusterID, ok := neighborPrimaries[n.ID]; ok {
				tally[clusterID] += n.Weight
			}
		}

		winner, votes := argmax(tally)
		if winner == "" {
			// No neighbor carried a label, the entity keeps its current one.
			winner = currentPrimaries[id]
		}

		if winner != currentPrimaries[id] {
			churn.Add(1)
		}
		assignments = append(assignments, cluster.NewPrimary(id, winner, votes))
	}

	return assignments, nil
}

// argmax returns the cluster with the highest vote total. Ties break toward
// the lexicographically lowest cluster id so results do not depend on map
// iteration order.
func argmax(tally map[string]int64) (string, int64) {
	var (
		winner string
		votes  int64
	)
	for clusterID, v := range tally {
		if winner == "" || v > votes || (v == votes && clusterID < winner) {
			winner = clusterID
			votes = v
		}
	}
	return winner, votes
}
