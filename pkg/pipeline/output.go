package pipeline

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/graphshard/graphshard/internal/report"
	"github.com/graphshard/graphshard/pkg/storage"
)

const (
	// ClustersFileName is the name of the membership CSV inside the output
	// directory.
	ClustersFileName = "clusters.csv"

	// ReportFileName is the name of the report JSON inside the output
	// directory.
	ReportFileName = "report.json"
)

var csvHeader = []string{"entity_id", "entity_kind", "cluster_id", "role", "weight"}

// WriteClustersCSV streams the memberships of the committed snapshot at
// iteration to w as CSV, one row per membership, ordered by entity id.
func WriteClustersCSV(ctx context.Context, w io.Writer, ds storage.AssignmentReader, runID string, iteration int) error {
	iter, err := ds.ScanAssignments(ctx, runID, iteration)
	if err != nil {
		return fmt.Errorf("scan assignments: %w", err)
	}
	defer iter.Stop()

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for {
		assignment, err := iter.Next(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrIteratorDone) {
				break
			}
			return err
		}

		for _, m := range assignment.Memberships {
			row := []string{
				assignment.Entity.Raw(),
				string(assignment.Entity.Kind()),
				m.Cluster,
				string(m.Role),
				strconv.FormatInt(m.Weight, 10),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteReportJSON writes the report to w as indented JSON.
func WriteReportJSON(w io.Writer, r report.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteOutputs materializes the run artifacts, clusters.csv and report.json,
// under dir. The directory is created if needed.
func WriteOutputs(ctx context.Context, ds storage.AssignmentReader, dir string, result RunResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	clustersFile, err := os.Create(filepath.Join(dir, ClustersFileName))
	if err != nil {
		return err
	}
	defer clustersFile.Close()

	if err := WriteClustersCSV(ctx, clustersFile, ds, result.RunID, result.ResolvedIteration); err != nil {
		return fmt.Errorf("write %s: %w", ClustersFileName, err)
	}
	if err := clustersFile.Close(); err != nil {
		return err
	}

	reportFile, err := os.Create(filepath.Join(dir, ReportFileName))
	if err != nil {
		return err
	}
	defer reportFile.Close()

	if err := WriteReportJSON(reportFile, result.Report); err != nil {
		return fmt.Errorf("write %s: %w", ReportFileName, err)
	}

	return reportFile.Close()
}
