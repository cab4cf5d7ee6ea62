package report

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphshard/graphshard/pkg/cluster"
	"github.com/graphshard/graphshard/pkg/entity"
	"github.com/graphshard/graphshard/pkg/storage"
	"github.com/graphshard/graphshard/pkg/storage/memory"
)

const runID = "01JTESTRUN"

func edge(t *testing.T, ds storage.ClusterDatastore, cardholder, merchant string, weight int64) {
	t.Helper()
	c := entity.New(entity.Cardholder, cardholder)
	m := entity.New(entity.Merchant, merchant)
	require.NoError(t, ds.AppendAdjacency(context.Background(), runID, []storage.AdjacencyRow{
		{Entity: c, Neighbor: m, Weight: weight},
		{Entity: m, Neighbor: c, Weight: weight},
	}))
}

func commit(t *testing.T, ds storage.ClusterDatastore, iteration int, assignments ...cluster.Assignment) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ds.WriteAssignments(ctx, runID, iteration, assignments))
	require.NoError(t, ds.CommitSnapshot(ctx, runID, iteration))
}

func TestCollectDisjointComponentsHaveZeroChattiness(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	defer ds.Close()

	edge(t, ds, "C1", "M1", 3)
	edge(t, ds, "C2", "M2", 2)

	commit(t, ds, 1,
		cluster.NewPrimary("C:C1", "A", 3),
		cluster.NewPrimary("M:M1", "A", 3),
		cluster.NewPrimary("C:C2", "B", 2),
		cluster.NewPrimary("M:M2", "B", 2),
	)

	collector := NewCollector(ds, *cluster.DefaultConfig())
	report, err := collector.Collect(ctx, runID, 1, Propagation{Iterations: 1, Converged: true}, 0)
	require.NoError(t, err)

	require.Equal(t, runID, report.RunID)
	require.Equal(t, int64(2), report.Cardholders)
	require.Equal(t, int64(2), report.Merchants)
	require.Equal(t, int64(5), report.TotalWeight)
	require.Zero(t, report.Chattiness)
	require.Equal(t, 2, report.ClusterCount)
	require.True(t, report.Propagation.Converged)

	require.Equal(t, "A", report.Clusters[0].ID)
	require.Equal(t, int64(3), report.Clusters[0].InternalWeight)
	require.Zero(t, report.Clusters[0].ExternalWeight)
	require.Equal(t, int64(2), report.Clusters[0].PrimaryMembers)

	require.InDelta(t, 2.0, report.MeanClusterSize, 1e-9)
}

func TestCollectCountsCrossClusterEdges(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	defer ds.Close()

	// C2's edge to M2 crosses from cluster A to cluster B.
	edge(t, ds, "C1", "M1", 4)
	edge(t, ds, "C2", "M1", 4)
	edge(t, ds, "C2", "M2", 2)
	edge(t, ds, "C3", "M2", 10)

	commit(t, ds, 1,
		cluster.NewPrimary("C:C1", "A", 4),
		cluster.NewPrimary("C:C2", "A", 4),
		cluster.NewPrimary("C:C3", "B", 10),
		cluster.NewPrimary("M:M1", "A", 8),
		cluster.NewPrimary("M:M2", "B", 12),
	)

	collector := NewCollector(ds, *cluster.DefaultConfig())
	report, err := collector.Collect(ctx, runID, 1, Propagation{}, 0)
	require.NoError(t, err)

	// 2 of 20 weight units cross between clusters.
	require.InDelta(t, 0.1, report.Chattiness, 1e-9)

	var a, b ClusterReport
	for _, c := range report.Clusters {
		switch c.ID {
		case "A":
			a = c
		case "B":
			b = c
		}
	}
	require.Equal(t, int64(8), a.InternalWeight)
	require.Equal(t, int64(2), a.ExternalWeight)
	require.Equal(t, int64(10), b.InternalWeight)
	require.Equal(t, int64(2), b.ExternalWeight)
}

func TestCollectDuplicateMembershipAbsorbsEdge(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	defer ds.Close()

	edge(t, ds, "C1", "M1", 7)
	edge(t, ds, "C1", "M2", 3)
	edge(t, ds, "C2", "M2", 8)

	bridged := cluster.NewPrimary("C:C1", "A", 7)
	bridged.Memberships = append(bridged.Memberships, cluster.Membership{
		Cluster: "B", Role: cluster.RoleDuplicate, Weight: 3,
	})

	commit(t, ds, 2,
		bridged,
		cluster.NewPrimary("C:C2", "B", 8),
		cluster.NewPrimary("M:M1", "A", 7),
		cluster.NewPrimary("M:M2", "B", 11),
	)

	collector := NewCollector(ds, *cluster.DefaultConfig())
	report, err := collector.Collect(ctx, runID, 2, Propagation{BridgeEntities: 1, DuplicateMemberships: 1}, 0)
	require.NoError(t, err)

	// The C1 to M2 edge is internal to B through C1's duplicate
	// membership, so nothing crosses clusters.
	require.Zero(t, report.Chattiness)

	var b ClusterReport
	for _, c := range report.Clusters {
		if c.ID == "B" {
			b = c
		}
	}
	require.Equal(t, int64(1), b.DuplicateMembers)
	require.Equal(t, int64(11), b.InternalWeight)
}

func TestCollectEmptyRun(t *testing.T) {
	ds := memory.New()
	defer ds.Close()

	commit(t, ds, 0)

	collector := NewCollector(ds, *cluster.DefaultConfig())
	report, err := collector.Collect(context.Background(), runID, 0, Propagation{Converged: true}, 0)
	require.NoError(t, err)
	require.Zero(t, report.ClusterCount)
	require.Zero(t, report.Chattiness)
	require.Zero(t, report.MeanClusterSize)
}
