package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphshard/graphshard/pkg/cluster"
	"github.com/graphshard/graphshard/pkg/entity"
	"github.com/graphshard/graphshard/pkg/storage"
)

const runID = "01JTESTRUN"

func TestAppendAdjacencyAccumulatesWeight(t *testing.T) {
	ctx := context.Background()
	ds := New()
	defer ds.Close()

	c1 := entity.New(entity.Cardholder, "C1")
	m1 := entity.New(entity.Merchant, "M1")
	m2 := entity.New(entity.Merchant, "M2")

	require.NoError(t, ds.AppendAdjacency(ctx, runID, []storage.AdjacencyRow{
		{Entity: c1, Neighbor: m2, Weight: 1},
		{Entity: c1, Neighbor: m1, Weight: 2},
	}))
	require.NoError(t, ds.AppendAdjacency(ctx, runID, []storage.AdjacencyRow{
		{Entity: c1, Neighbor: m1, Weight: 3},
	}))

	iter, err := ds.Neighbors(ctx, runID, c1)
	require.NoError(t, err)

	neighbors, err := storage.Drain(ctx, iter)
	require.NoError(t, err)

	// Repeated pairs accumulate and neighbor order is ascending.
	require.Equal(t, []storage.Neighbor{
		{ID: m1, Weight: 5},
		{ID: m2, Weight: 1},
	}, neighbors)
}

func TestNeighborsOfUnknownEntityIsEmpty(t *testing.T) {
	ctx := context.Background()
	ds := New()
	defer ds.Close()

	iter, err := ds.Neighbors(ctx, runID, entity.New(entity.Merchant, "M9"))
	require.NoError(t, err)

	neighbors, err := storage.Drain(ctx, iter)
	require.NoError(t, err)
	require.Empty(t, neighbors)
}

func TestEntitiesReturnsSortedPerKind(t *testing.T) {
	ctx := context.Background()
	ds := New()
	defer ds.Close()

	rows := []storage.AdjacencyRow{
		{Entity: entity.New(entity.Cardholder, "C2"), Neighbor: entity.New(entity.Merchant, "M1"), Weight: 1},
		{Entity: entity.New(entity.Cardholder, "C1"), Neighbor: entity.New(entity.Merchant, "M1"), Weight: 1},
		{Entity: entity.New(entity.Merchant, "M1"), Neighbor: entity.New(entity.Cardholder, "C1"), Weight: 1},
		{Entity: entity.New(entity.Merchant, "M1"), Neighbor: entity.New(entity.Cardholder, "C2"), Weight: 1},
	}
	require.NoError(t, ds.AppendAdjacency(ctx, runID, rows))

	iter, err := ds.Entities(ctx, runID, entity.Cardholder)
	require.NoError(t, err)
	cardholders, err := storage.Drain(ctx, iter)
	require.NoError(t, err)
	require.Equal(t, []entity.ID{"C:C1", "C:C2"}, cardholders)

	iter, err = ds.Entities(ctx, runID, entity.Merchant)
	require.NoError(t, err)
	merchants, err := storage.Drain(ctx, iter)
	require.NoError(t, err)
	require.Equal(t, []entity.ID{"M:M1"}, merchants)
}

func TestGraphStatsCountsEdgesOnce(t *testing.T) {
	ctx := context.Background()
	ds := New()
	defer ds.Close()

	c1 := entity.New(entity.Cardholder, "C1")
	m1 := entity.New(entity.Merchant, "M1")
	m2 := entity.New(entity.Merchant, "M2")

	require.NoError(t, ds.AppendAdjacency(ctx, runID, []storage.AdjacencyRow{
		{Entity: c1, Neighbor: m1, Weight: 4},
		{Entity: m1, Neighbor: c1, Weight: 4},
		{Entity: c1, Neighbor: m2, Weight: 1},
		{Entity: m2, Neighbor: c1, Weight: 1},
	}))

	stats, err := ds.GraphStats(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, storage.GraphStats{
		Cardholders: 1,
		Merchants:   2,
		Edges:       2,
		TotalWeight: 5,
	}, stats)
	require.Equal(t, int64(3), stats.Entities())
}

func TestSnapshotLifecycle(t *testing.T) {
	ctx := context.Background()
	ds := New()
	defer ds.Close()

	c1 := entity.New(entity.Cardholder, "C1")
	assignment := cluster.NewPrimary(c1, "C:C1", 0)

	require.NoError(t, ds.WriteAssignments(ctx, runID, 0, []cluster.Assignment{assignment}))

	// Uncommitted snapshots are invisible to readers.
	_, err := ds.ReadPrimaries(ctx, runID, 0, []entity.ID{c1})
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = ds.ScanAssignments(ctx, runID, 0)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = ds.LatestCommittedIteration(ctx, runID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, ds.CommitSnapshot(ctx, runID, 0))

	primaries, err := ds.ReadPrimaries(ctx, runID, 0, []entity.ID{c1})
	require.NoError(t, err)
	require.Equal(t, map[entity.ID]string{c1: "C:C1"}, primaries)

	latest, err := ds.LatestCommittedIteration(ctx, runID)
	require.NoError(t, err)
	require.Zero(t, latest)

	// Committed snapshots are immutable.
	err = ds.WriteAssignments(ctx, runID, 0, []cluster.Assignment{assignment})
	require.ErrorIs(t, err, storage.ErrSnapshotCommitted)

	require.NoError(t, ds.DropSnapshot(ctx, runID, 0))
	_, err = ds.ReadPrimaries(ctx, runID, 0, []entity.ID{c1})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReadAssignmentsFiltersUnknownIDs(t *testing.T) {
	ctx := context.Background()
	ds := New()
	defer ds.Close()

	c1 := entity.New(entity.Cardholder, "C1")
	c2 := entity.New(entity.Cardholder, "C2")

	require.NoError(t, ds.WriteAssignments(ctx, runID, 3, []cluster.Assignment{
		cluster.NewPrimary(c1, "C:C1", 2),
	}))
	require.NoError(t, ds.CommitSnapshot(ctx, runID, 3))

	assignments, err := ds.ReadAssignments(ctx, runID, 3, []entity.ID{c1, c2})
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	require.Equal(t, c1, assignments[0].Entity)

	latest, err := ds.LatestCommittedIteration(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, 3, latest)
}
