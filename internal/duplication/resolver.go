// Package duplication detects bridge entities after propagation settles and
// grants them duplicate memberships in the clusters they significantly
// interact with.
package duplication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/graphshard/graphshard/internal/concurrency"
	"github.com/graphshard/graphshard/pkg/cluster"
	"github.com/graphshard/graphshard/pkg/entity"
	"github.com/graphshard/graphshard/pkg/logger"
	"github.com/graphshard/graphshard/pkg/storage"
)

// Result summarizes a finished resolution.
type Result struct {
	// ResolvedIteration is the snapshot index holding the final memberships.
	ResolvedIteration int

	// BridgeEntities is the number of entities that received at least one
	// duplicate membership.
	BridgeEntities int64

	// DuplicateMemberships is the total number of duplicate memberships
	// granted.
	DuplicateMemberships int64
}

// Resolver applies the duplication rule to the final propagation snapshot.
// An entity whose interactions with a secondary cluster amount to at least
// the configured share of its total labeled interactions is duplicated into
// that cluster. The primary assignment is never changed, so every entity
// keeps exactly one primary membership.
type Resolver struct {
	datastore storage.ClusterDatastore
	logger    logger.Logger
	config    cluster.Config
}

// New creates a [Resolver] operating on ds.
func New(ds storage.ClusterDatastore, cfg cluster.Config, log logger.Logger) *Resolver {
	return &Resolver{
		datastore: ds,
		logger:    log,
		config:    cfg,
	}
}

// Resolve reads the committed snapshot at finalIteration, re-tallies every
// entity's neighbor votes against it, and writes the resolved memberships as
// snapshot finalIteration+1. The input snapshot is dropped once the resolved
// one commits.
func (r *Resolver) Resolve(ctx context.Context, runID string, finalIteration int) (Result, error) {
	workers := r.config.Workers
	if workers < 1 {
		workers = 1
	}
	resolved := finalIteration + 1

	shards := make([]chan entity.ID, workers)
	for i := range shards {
		shards[i] = make(chan entity.ID, r.config.BatchSize)
	}

	var bridges, duplicates atomic.Int64
	pool := concurrency.NewPool(ctx, workers+1)

	for i := 0; i < workers; i++ {
		shard := shards[i]
		pool.Go(func(ctx context.Context) error {
			return r.resolveShard(ctx, runID, finalIteration, resolved, shard, &bridges, &duplicates)
		})
	}

	pool.Go(func(ctx context.Context) error {
		defer func() {
			for _, shard := range shards {
				close(shard)
			}
		}()

		for _, kind := range []entity.Kind{entity.Cardholder, entity.Merchant} {
			iter, err := r.datastore.Entities(ctx, runID, kind)
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
		return Result{}, err
	}

	if err := r.datastore.CommitSnapshot(ctx, runID, resolved); err != nil {
		return Result{}, fmt.Errorf("commit resolved snapshot: %w", err)
	}
	if err := r.datastore.DropSnapshot(ctx, runID, finalIteration); err != nil {
		return Result{}, fmt.Errorf("drop snapshot %d: %w", finalIteration, err)
	}

	result := Result{
		ResolvedIteration:    resolved,
		BridgeEntities:       bridges.Load(),
		DuplicateMemberships: duplicates.Load(),
	}

	r.logger.Info("duplication resolved",
		zap.String("run_id", runID),
		zap.Int64("bridge_entities", result.BridgeEntities),
		zap.Int64("duplicate_memberships", result.DuplicateMemberships),
	)

	return result, nil
}

func (r *Resolver) resolveShard(ctx context.Context, runID string, final, resolved int, shard <-chan entity.ID, bridges, duplicates *atomic.Int64) error {
	batch := make([]entity.ID, 0, r.config.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.resolveBatch(ctx, runID, final, resolved, batch, bridges, duplicates); err != nil {
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
			if len(batch) >= r.config.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}

func (r *Resolver) resolveBatch(ctx context.Context, runID string, final, resolved int, ids []entity.ID, bridges, duplicates *atomic.Int64) error {
	neighborsByID := make(map[entity.ID][]storage.Neighbor, len(ids))
	neighborSet := make(map[entity.ID]struct{})

	for _, id := range ids {
		iter, err := r.datastore.Neighbors(ctx, runID, id)
		if err != nil {
			return fmt.Errorf("read neighbors of %s: %w", id, err)
		}
		neighbors, err := storage.Drain(ctx, iter)
		if err != nil {
			return err
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

	neighborPrimaries, err := r.datastore.ReadPrimaries(ctx, runID, final, lookup)
	if err != nil {
		return fmt.Errorf("read neighbor primaries: %w", err)
	}
	currentPrimaries, err := r.datastore.ReadPrimaries(ctx, runID, final, ids)
	if err != nil {
		return fmt.Errorf("read current primaries: %w", err)
	}

	assignments := make([]cluster.Assignment, 0, len(ids))
	for _, id := range ids {
		var total int64
		tally := make(map[string]int64)
		for _, n := range neighborsByID[id] {
			if clusterID, ok := neighborPrimaries[n.ID]; ok {
				tally[clusterID] += n.Weight
				total += n.Weight
			}
		}

		primary := currentPrimaries[id]
		assignment := cluster.NewPrimary(id, primary, tally[primary])

		if total > 0 {
			for _, clusterID := range sortedClusters(tally) {
				if clusterID == primary {
					continue
				}
				share := float64(tally[clusterID]) / float64(total)
				if share >= r.config.DuplicationThreshold {
					assignment.Memberships = append(assignment.Memberships, cluster.Membership{
						Cluster: clusterID,
						Role:    cluster.RoleDuplicate,
						Weight:  tally[clusterID],
					})
				}
			}
		}

		if n := int64(len(assignment.Memberships) - 1); n > 0 {
			bridges.Add(1)
			duplicates.Add(n)
		}
		assignments = append(assignments, assignment)
	}

	err = storage.WithRetry(ctx, func() error {
		return r.datastore.WriteAssignments(ctx, runID, resolved, assignments)
	})
	if err != nil {
		return fmt.Errorf("write resolved assignments: %w", err)
	}

	return nil
}

func sortedClusters(tally map[string]int64) []string {
	out := make([]string, 0, len(tally))
	for clusterID := range tally {
		out = append(out, clusterID)
	}
	sort.Strings(out)
	return out
}
