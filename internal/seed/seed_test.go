package seed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphshard/graphshard/pkg/cluster"
	"github.com/graphshard/graphshard/pkg/entity"
	"github.com/graphshard/graphshard/pkg/logger"
	"github.com/graphshard/graphshard/pkg/storage"
	"github.com/graphshard/graphshard/pkg/storage/memory"
)

const runID = "01JTESTRUN"

// edge writes both directed rows of an undirected edge.
func edge(t *testing.T, ds storage.ClusterDatastore, cardholder, merchant string) {
	t.Helper()
	c := entity.New(entity.Cardholder, cardholder)
	m := entity.New(entity.Merchant, merchant)
	require.NoError(t, ds.AppendAdjacency(context.Background(), runID, []storage.AdjacencyRow{
		{Entity: c, Neighbor: m, Weight: 1},
		{Entity: m, Neighbor: c, Weight: 1},
	}))
}

func TestSelectMode(t *testing.T) {
	small := storage.GraphStats{Cardholders: 10, Merchants: 10}
	big := storage.GraphStats{Cardholders: 900_000, Merchants: 200_000}

	require.Equal(t, cluster.SeedModeComponents, SelectMode(cluster.SeedModeAuto, small, 1_000_000))
	require.Equal(t, cluster.SeedModeUnique, SelectMode(cluster.SeedModeAuto, big, 1_000_000))
	require.Equal(t, cluster.SeedModeUnique, SelectMode(cluster.SeedModeUnique, small, 1_000_000))
	require.Equal(t, cluster.SeedModeComponents, SelectMode(cluster.SeedModeComponents, big, 1_000_000))
}

func TestSeedComponentsLabelsEachComponent(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	defer ds.Close()

	// Two components: {C1, C2, M1} and {C3, M2}.
	edge(t, ds, "C1", "M1")
	edge(t, ds, "C2", "M1")
	edge(t, ds, "C3", "M2")

	seeder := New(ds, *cluster.DefaultConfig(), logger.NewNoopLogger())
	clusters, err := seeder.Seed(ctx, runID, cluster.SeedModeComponents)
	require.NoError(t, err)
	require.Equal(t, int64(2), clusters)

	ids := []entity.ID{"C:C1", "C:C2", "C:C3", "M:M1", "M:M2"}
	primaries, err := ds.ReadPrimaries(ctx, runID, storage.SeedIteration, ids)
	require.NoError(t, err)

	// The component label is the lowest entity id in it, cardholders sort
	// before merchants.
	require.Equal(t, map[entity.ID]string{
		"C:C1": "C:C1",
		"C:C2": "C:C1",
		"M:M1": "C:C1",
		"C:C3": "C:C3",
		"M:M2": "C:C3",
	}, primaries)
}

func TestSeedComponentsIsDeterministic(t *testing.T) {
	ctx := context.Background()

	run := func() map[entity.ID]string {
		ds := memory.New()
		defer ds.Close()

		edge(t, ds, "C2", "M1")
		edge(t, ds, "C1", "M1")
		edge(t, ds, "C1", "M2")
		edge(t, ds, "C4", "M3")

		seeder := New(ds, *cluster.DefaultConfig(), logger.NewNoopLogger())
		_, err := seeder.Seed(ctx, runID, cluster.SeedModeComponents)
		require.NoError(t, err)

		primaries, err := ds.ReadPrimaries(ctx, runID, storage.SeedIteration,
			[]entity.ID{"C:C1", "C:C2", "C:C4", "M:M1", "M:M2", "M:M3"})
		require.NoError(t, err)
		return primaries
	}

	require.Equal(t, run(), run())
}

func TestSeedUniqueLabelsEachEntity(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	defer ds.Close()

	edge(t, ds, "C1", "M1")
	edge(t, ds, "C2", "M1")

	cfg := *cluster.DefaultConfig()
	cfg.BatchSize = 2

	seeder := New(ds, cfg, logger.NewNoopLogger())
	clusters, err := seeder.Seed(ctx, runID, cluster.SeedModeUnique)
	require.NoError(t, err)
	require.Equal(t, int64(3), clusters)

	primaries, err := ds.ReadPrimaries(ctx, runID, storage.SeedIteration,
		[]entity.ID{"C:C1", "C:C2", "M:M1"})
	require.NoError(t, err)
	require.Equal(t, map[entity.ID]string{
		"C:C1": "C:C1",
		"C:C2": "C:C2",
		"M:M1": "M:M1",
	}, primaries)
}

func TestSeedRejectsAutoMode(t *testing.T) {
	ds := memory.New()
	defer ds.Close()

	seeder := New(ds, *cluster.DefaultConfig(), logger.NewNoopLogger())
	_, err := seeder.Seed(context.Background(), runID, cluster.SeedModeAuto)
	require.Error(t, err)
}
