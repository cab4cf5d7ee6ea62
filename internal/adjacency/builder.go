package adjacency

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/graphshard/graphshard/internal/concurrency"
	"github.com/graphshard/graphshard/pkg/cluster"
	"github.com/graphshard/graphshard/pkg/entity"
	"github.com/graphshard/graphshard/pkg/logger"
	"github.com/graphshard/graphshard/pkg/storage"
)

// Result summarizes a finished build.
type Result struct {
	Stats     storage.GraphStats
	Malformed int64
}

// Builder streams interaction records into the datastore as directed
// adjacency rows, one row per direction of each undirected edge. Rows are
// sharded by source entity so concurrent writers touch disjoint key ranges.
type Builder struct {
	datastore storage.AdjacencyWriter
	stats     storage.AdjacencyReader
	logger    logger.Logger
	config    cluster.Config
}

// NewBuilder creates a [Builder] writing through ds.
func NewBuilder(ds storage.ClusterDatastore, cfg cluster.Config, log logger.Logger) *Builder {
	return &Builder{
		datastore: ds,
		stats:     ds,
		logger:    log,
		config:    cfg,
	}
}

// Build consumes src until EOF and appends every interaction to the adjacency
// of runID. Malformed records are skipped and counted unless Strict is set,
// in which case the first one aborts the build.
func (b *Builder) Build(ctx context.Context, runID string, src RecordSource) (Result, error) {
	workers := b.config.Workers
	if workers < 1 {
		workers = 1
	}

	shards := make([]chan storage.AdjacencyRow, workers)
	for i := range shards {
		shards[i] = make(chan storage.AdjacencyRow, b.config.BatchSize)
	}

	pool := concurrency.NewPool(ctx, workers+1)

	for i := 0; i < workers; i++ {
		shard := shards[i]
		pool.Go(func(ctx context.Context) error {
			return b.writeShard(ctx, runID, shard)
		})
	}

	var malformed int64
	pool.Go(func(ctx context.Context) error {
		defer func() {
			for _, shard := range shards {
				close(shard)
			}
		}()

		for {
			record, err := src.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				if errors.Is(err, ErrMalformedRecord) {
					if b.config.Strict {
						return err
					}
					malformed++
					b.logger.Debug("skipping malformed record", zap.Error(err))
					continue
				}
				return fmt.Errorf("read input: %w", err)
			}

			cardholder := entity.New(entity.Cardholder, record.Cardholder)
			merchant := entity.New(entity.Merchant, record.Merchant)

			rows := []storage.AdjacencyRow{
				{Entity: cardholder, Neighbor: merchant, Weight: record.Weight},
				{Entity: merchant, Neighbor: cardholder, Weight: record.Weight},
			}
			for _, row := range rows {
				shard := shards[row.Entity.Shard(workers)]
				if !concurrency.TrySendThroughChannel(ctx, row, shard) {
					return ctx.Err()
				}
			}
		}
	})

	if err := pool.Wait(); err != nil {
		return Result{}, err
	}

	stats, err := b.stats.GraphStats(ctx, runID)
	if err != nil {
		return Result{}, fmt.Errorf("compute graph stats: %w", err)
	}

	b.logger.Info("adjacency build complete",
		zap.String("run_id", runID),
		zap.Int64("cardholders", stats.Cardholders),
		zap.Int64("merchants", stats.Merchants),
		zap.Int64("edges", stats.Edges),
		zap.Int64("malformed", malformed),
	)

	return Result{Stats: stats, Malformed: malformed}, nil
}

// writeShard drains one shard channel, flushing rows in batches.
func (b *Builder) writeShard(ctx context.Context, runID string, shard <-chan storage.AdjacencyRow) error {
	batch := make([]storage.AdjacencyRow, 0, b.config.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := storage.WithRetry(ctx, func() error {
			return b.datastore.AppendAdjacency(ctx, runID, batch)
		})
		if err != nil {
			return fmt.Errorf("append adjacency batch: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case row, ok := <-shard:
			if !ok {
				return flush()
			}
			batch = append(batch, row)
			if len(batch) >= b.config.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}
