package storagewrappers

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphshard/graphshard/pkg/cluster"
	"github.com/graphshard/graphshard/pkg/entity"
	"github.com/graphshard/graphshard/pkg/storage"
	"github.com/graphshard/graphshard/pkg/storage/memory"
)

const runID = "01JTESTRUN"

type countingDatastore struct {
	storage.ClusterDatastore
	readPrimariesCalls atomic.Int64
}

func (c *countingDatastore) ReadPrimaries(ctx context.Context, runID string, iteration int, ids []entity.ID) (map[entity.ID]string, error) {
	c.readPrimariesCalls.Add(1)
	return c.ClusterDatastore.ReadPrimaries(ctx, runID, iteration, ids)
}

func TestCachedDatastoreServesRepeatedLookupsFromCache(t *testing.T) {
	ctx := context.Background()

	inner := &countingDatastore{ClusterDatastore: memory.New()}
	ds, err := NewCachedDatastore(inner, 100)
	require.NoError(t, err)
	defer ds.Close()

	c1 := entity.New(entity.Cardholder, "C1")
	require.NoError(t, ds.WriteAssignments(ctx, runID, 0, []cluster.Assignment{
		cluster.NewPrimary(c1, "C:C1", 0),
	}))
	require.NoError(t, ds.CommitSnapshot(ctx, runID, 0))

	for i := 0; i < 3; i++ {
		primaries, err := ds.ReadPrimaries(ctx, runID, 0, []entity.ID{c1})
		require.NoError(t, err)
		require.Equal(t, map[entity.ID]string{c1: "C:C1"}, primaries)
	}

	require.Equal(t, int64(1), inner.readPrimariesCalls.Load())
}

func TestCachedDatastoreCachesMisses(t *testing.T) {
	ctx := context.Background()

	inner := &countingDatastore{ClusterDatastore: memory.New()}
	ds, err := NewCachedDatastore(inner, 100)
	require.NoError(t, err)
	defer ds.Close()

	c1 := entity.New(entity.Cardholder, "C1")
	unassigned := entity.New(entity.Cardholder, "C2")
	require.NoError(t, ds.WriteAssignments(ctx, runID, 0, []cluster.Assignment{
		cluster.NewPrimary(c1, "C:C1", 0),
	}))
	require.NoError(t, ds.CommitSnapshot(ctx, runID, 0))

	for i := 0; i < 3; i++ {
		primaries, err := ds.ReadPrimaries(ctx, runID, 0, []entity.ID{unassigned})
		require.NoError(t, err)
		require.Empty(t, primaries)
	}

	require.Equal(t, int64(1), inner.readPrimariesCalls.Load())
}

func TestCachedDatastoreKeysByIteration(t *testing.T) {
	ctx := context.Background()

	inner := &countingDatastore{ClusterDatastore: memory.New()}
	ds, err := NewCachedDatastore(inner, 100)
	require.NoError(t, err)
	defer ds.Close()

	c1 := entity.New(entity.Cardholder, "C1")
	require.NoError(t, ds.WriteAssignments(ctx, runID, 0, []cluster.Assignment{
		cluster.NewPrimary(c1, "A", 0),
	}))
	require.NoError(t, ds.CommitSnapshot(ctx, runID, 0))
	require.NoError(t, ds.WriteAssignments(ctx, runID, 1, []cluster.Assignment{
		cluster.NewPrimary(c1, "B", 5),
	}))
	require.NoError(t, ds.CommitSnapshot(ctx, runID, 1))

	primaries, err := ds.ReadPrimaries(ctx, runID, 0, []entity.ID{c1})
	require.NoError(t, err)
	require.Equal(t, "A", primaries[c1])

	primaries, err = ds.ReadPrimaries(ctx, runID, 1, []entity.ID{c1})
	require.NoError(t, err)
	require.Equal(t, "B", primaries[c1])
}
