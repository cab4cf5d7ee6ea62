// Package seed writes the initial cluster assignment snapshot that label
// propagation starts from.
package seed

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/graphshard/graphshard/pkg/cluster"
	"github.com/graphshard/graphshard/pkg/entity"
	"github.com/graphshard/graphshard/pkg/logger"
	"github.com/graphshard/graphshard/pkg/storage"
)

// Seeder writes the seed snapshot, iteration 0, for a run.
type Seeder struct {
	datastore storage.ClusterDatastore
	logger    logger.Logger
	batchSize int
}

// New creates a [Seeder] writing through ds.
func New(ds storage.ClusterDatastore, cfg cluster.Config, log logger.Logger) *Seeder {
	return &Seeder{
		datastore: ds,
		logger:    log,
		batchSize: cfg.BatchSize,
	}
}

// SelectMode resolves [cluster.SeedModeAuto] against the graph size:
// connected components when the entity count fits the threshold, unique
// labels otherwise. Explicit modes pass through unchanged.
func SelectMode(mode cluster.SeedMode, stats storage.GraphStats, autoThreshold int64) cluster.SeedMode {
	if mode != cluster.SeedModeAuto {
		return mode
	}
	if stats.Entities() <= autoThreshold {
		return cluster.SeedModeComponents
	}
	return cluster.SeedModeUnique
}

// Seed writes and commits the iteration 0 snapshot using the given mode.
// It returns the number of distinct seed clusters.
func (s *Seeder) Seed(ctx context.Context, runID string, mode cluster.SeedMode) (int64, error) {
	var (
		clusters int64
		err      error
	)

	switch mode {
	case cluster.SeedModeComponents:
		clusters, err = s.seedComponents(ctx, runID)
	case cluster.SeedModeUnique:
		clusters, err = s.seedUnique(ctx, runID)
	default:
		return 0, fmt.Errorf("unresolved seed mode %q", mode)
	}
	if err != nil {
		return 0, err
	}

	if err := s.datastore.CommitSnapshot(ctx, runID, storage.SeedIteration); err != nil {
		return 0, fmt.Errorf("commit seed snapshot: %w", err)
	}

	s.logger.Info("seed snapshot committed",
		zap.String("run_id", runID),
		zap.String("seed_mode", string(mode)),
		zap.Int64("clusters", clusters),
	)

	return clusters, nil
}

// seedComponents labels every connected component with the id of its lowest
// entity. Entities are enumerated in ascending id order per kind, cardholders
// first, and each component is explored breadth-first from its seed, so the
// labeling is deterministic.
func (s *Seeder) seedComponents(ctx context.Context, runID string) (int64, error) {
	visited := make(map[entity.ID]struct{})
	batch := make([]cluster.Assignment, 0, s.batchSize)
	var clusters int64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := storage.WithRetry(ctx, func() error {
			return s.datastore.WriteAssignments(ctx, runID, storage.SeedIteration, batch)
		})
		if err != nil {
			return fmt.Errorf("write seed assignments: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	assign := func(id entity.ID, clusterID string) error {
		batch = append(batch, cluster.NewPrimary(id, clusterID, 0))
		if len(batch) >= s.batchSize {
			return flush()
		}
		return nil
	}

	for _, kind := range []entity.Kind{entity.Cardholder, entity.Merchant} {
		iter, err := s.datastore.Entities(ctx, runID, kind)
		if err != nil {
			return 0, fmt.Errorf("enumerate %s entities: %w", kind, err)
		}

		for {
			seedEntity, err := iter.Next(ctx)
			if err != nil {
				if errors.Is(err, storage.ErrIteratorDone) {
					break
				}
				iter.Stop()
				return 0, err
			}

			if _, ok := visited[seedEntity]; ok {
				continue
			}

			clusters++
			clusterID := string(seedEntity)

			// Breadth-first flood of the component rooted at seedEntity.
			frontier := []entity.ID{seedEntity}
			visited[seedEntity] = struct{}{}
			for len(frontier) > 0 {
				current := frontier[0]
				frontier = frontier[1:]

				if err := assign(current, clusterID); err != nil {
					iter.Stop()
					return 0, err
				}

				neighbors, err := s.datastore.Neighbors(ctx, runID, current)
				if err != nil {
					iter.Stop()
					return 0, fmt.Errorf("read neighbors of %s: %w", current, err)
				}
				for {
					neighbor, err := neighbors.Next(ctx)
					if err != nil {
						if errors.Is(err, storage.ErrIteratorDone) {
							break
						}
						neighbors.Stop()
						iter.Stop()
						return 0, err
					}
					if _, ok := visited[neighbor.ID]; !ok {
						visited[neighbor.ID] = struct{}{}
						frontier = append(frontier, neighbor.ID)
					}
				}
				neighbors.Stop()
			}
		}
		iter.Stop()
	}

	return clusters, flush()
}

// seedUnique labels every entity with its own id. No traversal state is kept,
// so this mode works for graphs whose entity set does not fit in memory.
func (s *Seeder) seedUnique(ctx context.Context, runID string) (int64, error) {
	batch := make([]cluster.Assignment, 0, s.batchSize)
	var clusters int64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := storage.WithRetry(ctx, func() error {
			return s.datastore.WriteAssignments(ctx, runID, storage.SeedIteration, batch)
		})
		if err != nil {
			return fmt.Errorf("write seed assignments: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for _, kind := range []entity.Kind{entity.Cardholder, entity.Merchant} {
		iter, err := s.datastore.Entities(ctx, runID, kind)
		if err != nil {
			return 0, fmt.Errorf("enumerate %s entities: %w", kind, err)
		}

		for {
			id, err := iter.Next(ctx)
			if err != nil {
				if errors.Is(err, storage.ErrIteratorDone) {
					break
				}
				iter.Stop()
				return 0, err
			}

			clusters++
			batch = append(batch, cluster.NewPrimary(id, string(id), 0))
			if len(batch) >= s.batchSize {
				if err := flush(); err != nil {
					iter.Stop()
					return 0, err
				}
			}
		}
		iter.Stop()
	}

	return clusters, flush()
}
