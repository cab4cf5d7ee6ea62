// Package report aggregates a resolved assignment snapshot into the run
// report, including the per-cluster rollup and the chattiness metric.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/graphshard/graphshard/pkg/cluster"
	"github.com/graphshard/graphshard/pkg/entity"
	"github.com/graphshard/graphshard/pkg/storage"
)

// ClusterReport is the rollup of a single cluster.
type ClusterReport struct {
	ID               string `json:"id"`
	Cardholders      int64  `json:"cardholders"`
	Merchants        int64  `json:"merchants"`
	PrimaryMembers   int64  `json:"primary_members"`
	DuplicateMembers int64  `json:"duplicate_members"`
	InternalWeight   int64  `json:"internal_weight"`
	ExternalWeight   int64  `json:"external_weight"`
}

// Propagation carries the propagation and duplication outcomes into the
// report.
type Propagation struct {
	Iterations           int   `json:"iterations"`
	Converged            bool  `json:"converged"`
	Churn                int64 `json:"churn"`
	DeadlineHit          bool  `json:"deadline_hit"`
	BridgeEntities       int64 `json:"bridge_entities"`
	DuplicateMemberships int64 `json:"duplicate_memberships"`
}

// Report is the final artifact of a run.
type Report struct {
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`

	Cardholders      int64 `json:"cardholders"`
	Merchants        int64 `json:"merchants"`
	Edges            int64 `json:"edges"`
	TotalWeight      int64 `json:"total_weight"`
	MalformedRecords int64 `json:"malformed_records"`

	Propagation Propagation `json:"propagation"`

	ClusterCount int             `json:"cluster_count"`
	Clusters     []ClusterReport `json:"clusters"`

	// Chattiness is the share of total edge weight whose endpoints share no
	// cluster, not even through a duplicate membership.
	Chattiness float64 `json:"chattiness"`

	MeanClusterSize   float64 `json:"mean_cluster_size"`
	StdDevClusterSize float64 `json:"stddev_cluster_size"`
}

// Collector builds reports from resolved snapshots.
type Collector struct {
	datastore storage.ClusterDatastore
	batchSize int
}

// NewCollector creates a [Collector] reading from ds.
func NewCollector(ds storage.ClusterDatastore, cfg cluster.Config) *Collector {
	return &Collector{
		datastore: ds,
		batchSize: cfg.BatchSize,
	}
}

// Collect aggregates the committed snapshot at iteration into a [Report].
// The propagation outcome and the malformed record count are supplied by the
// caller, everything else is derived from the datastore.
func (c *Collector) Collect(ctx context.Context, runID string, iteration int, outcome Propagation, malformed int64) (Report, error) {
	stats, err := c.datastore.GraphStats(ctx, runID)
	if err != nil {
		return Report{}, fmt.Errorf("read graph stats: %w", err)
	}

	report := Report{
		RunID:            runID,
		GeneratedAt:      time.Now().UTC(),
		Cardholders:      stats.Cardholders,
		Merchants:        stats.Merchants,
		Edges:            stats.Edges,
		TotalWeight:      stats.TotalWeight,
		MalformedRecords: malformed,
		Propagation:      outcome,
	}

	clusters, err := c.rollupMembers(ctx, runID, iteration)
	if err != nil {
		return Report{}, err
	}

	crossWeight, err := c.classifyEdges(ctx, runID, iteration, clusters)
	if err != nil {
		return Report{}, err
	}

	ids := make([]string, 0, len(clusters))
	for id := range clusters {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sizes := make([]float64, 0, len(ids))
	for _, id := range ids {
		report.Clusters = append(report.Clusters, *clusters[id])
		sizes = append(sizes, float64(clusters[id].PrimaryMembers))
	}

	report.ClusterCount = len(ids)
	if stats.TotalWeight > 0 {
		report.Chattiness = float64(crossWeight) / float64(stats.TotalWeight)
	}
	if len(sizes) > 0 {
		report.MeanClusterSize = stat.Mean(sizes, nil)
	}
	if len(sizes) > 1 {
		report.StdDevClusterSize = stat.StdDev(sizes, nil)
	}

	return report, nil
}

// rollupMembers scans the snapshot once and tallies membership counts per
// cluster.
func (c *Collector) rollupMembers(ctx context.Context, runID string, iteration int) (map[string]*ClusterReport, error) {
	iter, err := c.datastore.ScanAssignments(ctx, runID, iteration)
	if err != nil {
		return nil, fmt.Errorf("scan assignments: %w", err)
	}
	defer iter.Stop()

	clusters := make(map[string]*ClusterReport)
	for {
		assignment, err := iter.Next(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrIteratorDone) {
				break
			}
			return nil, err
		}

		for _, m := range assignment.Memberships {
			entry, ok := clusters[m.Cluster]
			if !ok {
				entry = &ClusterReport{ID: m.Cluster}
				clusters[m.Cluster] = entry
			}

			switch m.Role {
			case cluster.RolePrimary:
				entry.PrimaryMembers++
			case cluster.RoleDuplicate:
				entry.DuplicateMembers++
			}

			switch assignment.Entity.Kind() {
			case entity.Cardholder:
				entry.Cardholders++
			case entity.Merchant:
				entry.Merchants++
			}
		}
	}

	return clusters, nil
}

// classifyEdges walks every edge once, from the cardholder side, and adds its
// weight to the internal tally of each cluster both endpoints belong to and
// the external tally of each cluster exactly one endpoint belongs to. The
// returned crossWeight is the weight of edges whose endpoints share no
// cluster at all.
func (c *Collector) classifyEdges(ctx context.Context, runID string, iteration int, clusters map[string]*ClusterReport) (int64, error) {
	iter, err := c.datastore.Entities(ctx, runID, entity.Cardholder)
	if err != nil {
		return 0, fmt.Errorf("enumerate cardholders: %w", err)
	}
	defer iter.Stop()

	var crossWeight int64

	batch := make([]entity.ID, 0, c.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		w, err := c.classifyBatch(ctx, runID, iteration, batch, clusters)
		if err != nil {
			return err
		}
		crossWeight += w
		batch = batch[:0]
		return nil
	}

	for {
		id, err := iter.Next(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrIteratorDone) {
				break
			}
			return 0, err
		}

		batch = append(batch, id)
		if len(batch) >= c.batchSize {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}

	return crossWeight, flush()
}

func (c *Collector) classifyBatch(ctx context.Context, runID string, iteration int, ids []entity.ID, clusters map[string]*ClusterReport) (int64, error) {
	neighborsByID := make(map[entity.ID][]storage.Neighbor, len(ids))
	neighborSet := make(map[entity.ID]struct{})

	for _, id := range ids {
		iter, err := c.datastore.Neighbors(ctx, runID, id)
		if err != nil {
			return 0, fmt.Errorf("read neighbors of %s: %w", id, err)
		}
		neighbors, err := storage.Drain(ctx, iter)
		if err != nil {
			return 0, err
		}

		neighborsByID[id] = neighbors
		for _, n := range neighbors {
			neighborSet[n.ID] = struct{}{}
		}
	}

	lookup := make([]entity.ID, 0, len(ids)+len(neighborSet))
	lookup = append(lookup, ids...)
	for id := range neighborSet {
		lookup = append(lookup, id)
	}

	assignments, err := c.datastore.ReadAssignments(ctx, runID, iteration, lookup)
	if err != nil {
		return 0, fmt.Errorf("read assignments: %w", err)
	}

	membership := make(map[entity.ID][]string, len(assignments))
	for _, a := range assignments {
		membership[a.Entity] = a.Clusters()
	}

	var crossWeight int64
	for _, id := range ids {
		own := membership[id]
		for _, n := range neighborsByID[id] {
			theirs := membership[n.ID]

			shared := 0
			for _, clusterID := range own {
				if containsCluster(theirs, clusterID) {
					shared++
					if entry, ok := clusters[clusterID]; ok {
						entry.InternalWeight += n.Weight
					}
				} else if entry, ok := clusters[clusterID]; ok {
					entry.ExternalWeight += n.Weight
				}
			}
			for _, clusterID := range theirs {
				if !containsCluster(own, clusterID) {
					if entry, ok := clusters[clusterID]; ok {
						entry.ExternalWeight += n.Weight
					}
				}
			}

			if shared == 0 {
				crossWeight += n.Weight
			}
		}
	}

	return crossWeight, nil
}

func containsCluster(clusters []string, id string) bool {
	for _, c := range clusters {
		if c == id {
			return true
		}
	}
	return false
}
