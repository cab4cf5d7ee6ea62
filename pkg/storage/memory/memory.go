// Package memory provides an ephemeral memory-backed implementation of
// [storage.ClusterDatastore], used for small runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/graphshard/graphshard/pkg/cluster"
	"github.com/graphshard/graphshard/pkg/entity"
	"github.com/graphshard/graphshard/pkg/storage"
)

// MemoryBackend provides an ephemeral memory-backed implementation of
// [storage.ClusterDatastore]. These instances may be safely shared by
// multiple go-routines.
type MemoryBackend struct {
	// map: run id => entity id => ordered neighbor map (neighbor id => weight)
	adjacency      map[string]map[entity.ID]*treemap.Map // GUARDED_BY(mutexAdjacency).
	mutexAdjacency sync.RWMutex

	// map: run id => iteration => snapshot
	snapshots      map[string]map[int]*snapshot // GUARDED_BY(mutexSnapshots).
	mutexSnapshots sync.RWMutex
}

type snapshot struct {
	assignments map[entity.ID]cluster.Assignment
	committed   bool
}

// Ensures that [MemoryBackend] implements the [storage.ClusterDatastore] interface.
var _ storage.ClusterDatastore = (*MemoryBackend)(nil)

// New creates a new [MemoryBackend].
func New() *MemoryBackend {
	return &MemoryBackend{
		adjacency: make(map[string]map[entity.ID]*treemap.Map),
		snapshots: make(map[string]map[int]*snapshot),
	}
}

// AppendAdjacency see [storage.AdjacencyWriter].AppendAdjacency.
func (m *MemoryBackend) AppendAdjacency(ctx context.Context, runID string, rows []storage.AdjacencyRow) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mutexAdjacency.Lock()
	defer m.mutexAdjacency.Unlock()

	run, ok := m.adjacency[runID]
	if !ok {
		run = make(map[entity.ID]*treemap.Map)
		m.adjacency[runID] = run
	}

	for _, row := range rows {
		neighbors, ok := run[row.Entity]
		if !ok {
			// The treemap keeps neighbor lists in ascending id order without
			// re-sorting on read.
			neighbors = treemap.NewWithStringComparator()
			run[row.Entity] = neighbors
		}

		key := string(row.Neighbor)
		if existing, found := neighbors.Get(key); found {
			neighbors.Put(key, existing.(int64)+row.Weight)
		} else {
			neighbors.Put(key, row.Weight)
		}
	}

	return nil
}

// Neighbors see [storage.AdjacencyReader].Neighbors.
func (m *MemoryBackend) Neighbors(ctx context.Context, runID string, id entity.ID) (storage.NeighborIterator, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mutexAdjacency.RLock()
	defer m.mutexAdjacency.RUnlock()

	neighbors, ok := m.adjacency[runID][id]
	if !ok {
		return storage.NewStaticIterator[storage.Neighbor](nil), nil
	}

	out := make([]storage.Neighbor, 0, neighbors.Size())
	it := neighbors.Iterator()
	for it.Next() {
		out = append(out, storage.Neighbor{
			ID:     entity.ID(it.Key().(string)),
			Weight: it.Value().(int64),
		})
	}

	return storage.NewStaticIterator(out), nil
}

// Entities see [storage.AdjacencyReader].Entities.
func (m *MemoryBackend) Entities(ctx context.Context, runID string, kind entity.Kind) (storage.EntityIterator, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mutexAdjacency.RLock()
	defer m.mutexAdjacency.RUnlock()

	var out []entity.ID
	for id := range m.adjacency[runID] {
		if id.Kind() == kind {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return storage.NewStaticIterator(out), nil
}

// GraphStats see [storage.AdjacencyReader].GraphStats.
func (m *MemoryBackend) GraphStats(ctx context.Context, runID string) (storage.GraphStats, error) {
	if ctx.Err() != nil {
		return storage.GraphStats{}, ctx.Err()
	}

	m.mutexAdjacency.RLock()
	defer m.mutexAdjacency.RUnlock()

	var stats storage.GraphStats
	for id, neighbors := range m.adjacency[runID] {
		switch id.Kind() {
		case entity.Cardholder:
			stats.Cardholders++
			// Count every undirected edge once, from the cardholder side.
			stats.Edges += int64(neighbors.Size())
			it := neighbors.Iterator()
			for it.Next() {
				stats.TotalWeight += it.Value().(int64)
			}
		case entity.Merchant:
			stats.Merchants++
		}
	}

	return stats, nil
}

// WriteAssignments see [storage.AssignmentWriter].WriteAssignments.
func (m *MemoryBackend) WriteAssignments(ctx context.Context, runID string, iteration int, assignments []cluster.Assignment) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mutexSnapshots.Lock()
	defer m.mutexSnapshots.Unlock()

	snap := m.snapshot(runID, iteration)
	if snap.committed {
		return fmt.Errorf("write to snapshot %d of run %s: %w", iteration, runID, storage.ErrSnapshotCommitted)
	}

	for _, a := range assignments {
		snap.assignments[a.Entity] = a
	}

	return nil
}

// CommitSnapshot see [storage.AssignmentWriter].CommitSnapshot.
func (m *MemoryBackend) CommitSnapshot(ctx context.Context, runID string, iteration int) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mutexSnapshots.Lock()
	defer m.mutexSnapshots.Unlock()

	m.snapshot(runID, iteration).committed = true
	return nil
}

// DropSnapshot see [storage.AssignmentWriter].DropSnapshot.
func (m *MemoryBackend) DropSnapshot(ctx context.Context, runID string, iteration int) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mutexSnapshots.Lock()
	defer m.mutexSnapshots.Unlock()

	delete(m.snapshots[runID], iteration)
	return nil
}

// ReadPrimaries see [storage.AssignmentReader].ReadPrimaries.
func (m *MemoryBackend) ReadPrimaries(ctx context.Context, runID string, iteration int, ids []entity.ID) (map[entity.ID]string, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mutexSnapshots.RLock()
	defer m.mutexSnapshots.RUnlock()

	snap, err := m.committedSnapshot(runID, iteration)
	if err != nil {
		return nil, err
	}

	out := make(map[entity.ID]string, len(ids))
	for _, id := range ids {
		if a, ok := snap.assignments[id]; ok {
			if p, ok := a.Primary(); ok {
				out[id] = p.Cluster
			}
		}
	}

	return out, nil
}

// ReadAssignments see [storage.AssignmentReader].ReadAssignments.
func (m *MemoryBackend) ReadAssignments(ctx context.Context, runID string, iteration int, ids []entity.ID) ([]cluster.Assignment, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mutexSnapshots.RLock()
	defer m.mutexSnapshots.RUnlock()

	snap, err := m.committedSnapshot(runID, iteration)
	if err != nil {
		return nil, err
	}

	out := make([]cluster.Assignment, 0, len(ids))
	for _, id := range ids {
		if a, ok := snap.assignments[id]; ok {
			out = append(out, a)
		}
	}

	return out, nil
}

// ScanAssignments see [storage.AssignmentReader].ScanAssignments.
func (m *MemoryBackend) ScanAssignments(ctx context.Context, runID string, iteration int) (storage.AssignmentIterator, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mutexSnapshots.RLock()
	defer m.mutexSnapshots.RUnlock()

	snap, err := m.committedSnapshot(runID, iteration)
	if err != nil {
		return nil, err
	}

	out := make([]cluster.Assignment, 0, len(snap.assignments))
	for _, a := range snap.assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })

	return storage.NewStaticIterator(out), nil
}

// LatestCommittedIteration see [storage.AssignmentReader].LatestCommittedIteration.
func (m *MemoryBackend) LatestCommittedIteration(ctx context.Context, runID string) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	m.mutexSnapshots.RLock()
	defer m.mutexSnapshots.RUnlock()

	latest := -1
	for iteration, snap := range m.snapshots[runID] {
		if snap.committed && iteration > latest {
			latest = iteration
		}
	}
	if latest < 0 {
		return 0, storage.ErrNotFound
	}

	return latest, nil
}

// IsReady see [storage.ClusterDatastore].IsReady.
func (m *MemoryBackend) IsReady(_ context.Context) (storage.ReadinessStatus, error) {
	return storage.ReadinessStatus{IsReady: true}, nil
}

// Close see [storage.ClusterDatastore].Close.
func (m *MemoryBackend) Close() {}

// snapshot returns the snapshot, creating it if absent. Callers must hold
// mutexSnapshots for writing.
func (m *MemoryBackend) snapshot(runID string, iteration int) *snapshot {
	run, ok := m.snapshots[runID]
	if !ok {
		run = make(map[int]*snapshot)
		m.snapshots[runID] = run
	}

	snap, ok := run[iteration]
	if !ok {
		snap = &snapshot{assignments: make(map[entity.ID]cluster.Assignment)}
		run[iteration] = snap
	}

	return snap
}

// committedSnapshot returns the snapshot only if it exists and was committed.
// Callers must hold mutexSnapshots for reading.
func (m *MemoryBackend) committedSnapshot(runID string, iteration int) (*snapshot, error) {
	snap, ok := m.snapshots[runID][iteration]
	if !ok || !snap.committed {
		return nil, fmt.Errorf("snapshot %d of run %s: %w", iteration, runID, storage.ErrNotFound)
	}
	return snap, nil
}
