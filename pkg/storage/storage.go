// Package storage contains the datastore interfaces and shared storage helpers.
//
// All engine stages operate through these interfaces so that no stage assumes
// the entity set fits in memory. State is keyed by run id: the two adjacency
// mappings are addressable by entity namespace, and assignment snapshots are
// versioned by iteration number.
package storage

import (
	"context"

	"github.com/graphshard/graphshard/pkg/cluster"
	"github.com/graphshard/graphshard/pkg/entity"
)

const (
	// SeedIteration is the iteration number of the snapshot produced by the
	// seed stage.
	SeedIteration = 0
)

// AdjacencyRow is one directed neighbor entry: Entity interacted with
// Neighbor with the given accumulated weight. Every undirected edge of the
// bipartite graph is stored as two rows, one per direction.
type AdjacencyRow struct {
	Entity   entity.ID
	Neighbor entity.ID
	Weight   int64
}

// Neighbor is one entry of an entity's adjacency list.
type Neighbor struct {
	ID     entity.ID
	Weight int64
}

// GraphStats summarizes a frozen adjacency mapping. Edge counts and weights
// are undirected: each bipartite edge is counted once.
type GraphStats struct {
	Cardholders int64
	Merchants   int64
	Edges       int64
	TotalWeight int64
}

// Entities returns the total number of distinct entities.
func (s GraphStats) Entities() int64 {
	return s.Cardholders + s.Merchants
}

// NeighborIterator iterates an adjacency list in ascending neighbor id order.
type NeighborIterator = Iterator[Neighbor]

// EntityIterator iterates entity ids in ascending order.
type EntityIterator = Iterator[entity.ID]

// AssignmentIterator iterates assignments in ascending entity id order.
type AssignmentIterator = Iterator[cluster.Assignment]

// AdjacencyWriter is the write half of the adjacency contract, used only by
// the adjacency builder. Writers with disjoint Entity key ranges may append
// concurrently.
type AdjacencyWriter interface {
	// AppendAdjacency upserts a batch of rows, accumulating weight for
	// repeated (entity, neighbor) pairs by summation.
	AppendAdjacency(ctx context.Context, runID string, rows []AdjacencyRow) error
}

// AdjacencyReader serves the frozen adjacency mapping to the seed stage, the
// propagation engine, the duplication resolver, and the output collector.
type AdjacencyReader interface {
	// Neighbors returns the adjacency list of the given entity in ascending
	// neighbor id order. Entities without edges yield an empty iterator.
	Neighbors(ctx context.Context, runID string, id entity.ID) (NeighborIterator, error)

	// Entities returns all entities of one namespace in ascending id order.
	Entities(ctx context.Context, runID string, kind entity.Kind) (EntityIterator, error)

	// GraphStats computes the stats of the stored adjacency mapping.
	GraphStats(ctx context.Context, runID string) (GraphStats, error)
}

// AssignmentWriter writes versioned assignment snapshots. A snapshot is
// written in full, then committed; readers never observe uncommitted
// snapshots. Writers with disjoint entity key ranges may write one snapshot
// concurrently.
type AssignmentWriter interface {
	// WriteAssignments adds a batch of assignments to an uncommitted
	// snapshot. Writing to a committed snapshot is an error.
	WriteAssignments(ctx context.Context, runID string, iteration int, assignments []cluster.Assignment) error

	// CommitSnapshot marks the snapshot readable. Committing twice is a no-op.
	CommitSnapshot(ctx context.Context, runID string, iteration int) error

	// DropSnapshot removes a superseded snapshot. Dropping a snapshot that
	// does not exist is a no-op.
	DropSnapshot(ctx context.Context, runID string, iteration int) error
}

// AssignmentReader reads committed assignment snapshots.
type AssignmentReader interface {
	// ReadPrimaries returns the primary cluster of each requested entity in
	// the given committed snapshot. Entities missing from the snapshot are
	// absent from the result. If the snapshot was never committed it returns
	// ErrNotFound.
	ReadPrimaries(ctx context.Context, runID string, iteration int, ids []entity.ID) (map[entity.ID]string, error)

	// ReadAssignments returns the full assignments of the requested entities
	// in the given committed snapshot.
	ReadAssignments(ctx context.Context, runID string, iteration int, ids []entity.ID) ([]cluster.Assignment, error)

	// ScanAssignments iterates a committed snapshot in ascending entity id
	// order.
	ScanAssignments(ctx context.Context, runID string, iteration int) (AssignmentIterator, error)

	// LatestCommittedIteration returns the highest committed snapshot number
	// for the run, or ErrNotFound if none was ever committed.
	LatestCommittedIteration(ctx context.Context, runID string) (int, error)
}

// ClusterDatastore is the full storage contract of the engine.
type ClusterDatastore interface {
	AdjacencyWriter
	AdjacencyReader
	AssignmentWriter
	AssignmentReader

	// IsReady reports whether the datastore is ready to accept traffic.
	IsReady(ctx context.Context) (ReadinessStatus, error)

	// Close closes the datastore and cleans up any residual resources.
	Close()
}

// ReadinessStatus represents the readiness status of the datastore.
type ReadinessStatus struct {
	// Message is a human-friendly status message for the current datastore status.
	Message string

	IsReady bool
}
