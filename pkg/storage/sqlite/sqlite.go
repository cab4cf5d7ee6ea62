// Package sqlite provides a SQLite based implementation of
// [storage.ClusterDatastore]. It is the stock out-of-core backend: adjacency
// lists and assignment snapshots live on disk and are read back in batches.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/graphshard/graphshard/pkg/cluster"
	"github.com/graphshard/graphshard/pkg/entity"
	"github.com/graphshard/graphshard/pkg/logger"
	"github.com/graphshard/graphshard/pkg/storage"
)

// Config holds the options of the SQLite datastore.
type Config struct {
	Logger        logger.Logger
	ExportMetrics bool
}

// NewConfig returns a Config with a noop logger.
func NewConfig() *Config {
	return &Config{Logger: logger.NewNoopLogger()}
}

// Datastore provides a SQLite based implementation of [storage.ClusterDatastore].
type Datastore struct {
	stbl             sq.StatementBuilderType
	db               *sql.DB
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
}

// Ensures that [Datastore] implements the [storage.ClusterDatastore] interface.
var _ storage.ClusterDatastore = (*Datastore)(nil)

// PrepareDSN prepares a raw DSN from config for use with SQLite, specifying
// defaults for journal mode and busy timeout.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	uri += "?" + query.Encode()

	return uri, nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *Config) (*Datastore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, "graphshard")
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return &Datastore{
		stbl:             sq.StatementBuilder.RunWith(db),
		db:               db,
		logger:           cfg.Logger,
		dbStatsCollector: collector,
	}, nil
}

// Close see [storage.ClusterDatastore].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}

// AppendAdjacency see [storage.AdjacencyWriter].AppendAdjacency.
func (s *Datastore) AppendAdjacency(ctx context.Context, runID string, rows []storage.AdjacencyRow) error {
	if len(rows) == 0 {
		return nil
	}

	insertBuilder := s.stbl.
		Insert("adjacency").
		Columns("run_id", "entity_id", "neighbor_id", "weight")
	for _, row := range rows {
		insertBuilder = insertBuilder.Values(runID, string(row.Entity), string(row.Neighbor), row.Weight)
	}
	insertBuilder = insertBuilder.Suffix(
		"ON CONFLICT(run_id, entity_id, neighbor_id) DO UPDATE SET weight = weight + excluded.weight",
	)

	err := busyRetry(func() error {
		_, err := insertBuilder.ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}

	return nil
}

// Neighbors see [storage.AdjacencyReader].Neighbors.
func (s *Datastore) Neighbors(ctx context.Context, runID string, id entity.ID) (storage.NeighborIterator, error) {
	rows, err := s.stbl.
		Select("neighbor_id", "weight").
		From("adjacency").
		Where(sq.Eq{"run_id": runID, "entity_id": string(id)}).
		OrderBy("neighbor_id").
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}

	return &neighborIterator{rows: rows}, nil
}

// Entities see [storage.AdjacencyReader].Entities.
func (s *Datastore) Entities(ctx context.Context, runID string, kind entity.Kind) (storage.EntityIterator, error) {
	rows, err := s.stbl.
		Select("DISTINCT entity_id").
		From("adjacency").
		Where(sq.Eq{"run_id": runID}).
		Where(sq.Like{"entity_id": string(kind) + ":%"}).
		OrderBy("entity_id").
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}

	return &entityIterator{rows: rows}, nil
}

// GraphStats see [storage.AdjacencyReader].GraphStats.
func (s *Datastore) GraphStats(ctx context.Context, runID string) (storage.GraphStats, error) {
	var stats storage.GraphStats

	// Edges and weight are counted from the cardholder direction only so
	// every undirected edge contributes once.
	row := s.stbl.
		Select(
			"COUNT(DISTINCT entity_id)",
			"COUNT(*)",
			"COALESCE(SUM(weight), 0)",
		).
		From("adjacency").
		Where(sq.Eq{"run_id": runID}).
		Where(sq.Like{"entity_id": string(entity.Cardholder) + ":%"}).
		QueryRowContext(ctx)
	if err := row.Scan(&stats.Cardholders, &stats.Edges, &stats.TotalWeight); err != nil {
		return storage.GraphStats{}, HandleSQLError(err)
	}

	row = s.stbl.
		Select("COUNT(DISTINCT entity_id)").
		From("adjacency").
		Where(sq.Eq{"run_id": runID}).
		Where(sq.Like{"entity_id": string(entity.Merchant) + ":%"}).
		QueryRowContext(ctx)
	if err := row.Scan(&stats.Merchants); err != nil {
		return storage.GraphStats{}, HandleSQLError(err)
	}

	return stats, nil
}

// WriteAssignments see [storage.AssignmentWriter].WriteAssignments.
func (s *Datastore) WriteAssignments(ctx context.Context, runID string, iteration int, assignments []cluster.Assignment) error {
	if len(assignments) == 0 {
		return nil
	}

	committed, err := s.isCommitted(ctx, runID, iteration)
	if err != nil {
		return err
	}
	if committed {
		return fmt.Errorf("write to snapshot %d of run %s: %w", iteration, runID, storage.ErrSnapshotCommitted)
	}

	insertBuilder := s.stbl.
		Insert("assignment").
		Columns("run_id", "iteration", "entity_id", "cluster_id", "role", "weight")
	for _, a := range assignments {
		for _, m := range a.Memberships {
			insertBuilder = insertBuilder.Values(runID, iteration, string(a.Entity), m.Cluster, string(m.Role), m.Weight)
		}
	}
	insertBuilder = insertBuilder.Suffix(
		"ON CONFLICT(run_id, iteration, entity_id, cluster_id) DO UPDATE SET role = excluded.role, weight = excluded.weight",
	)

	err = busyRetry(func() error {
		_, err := insertBuilder.ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}

	return nil
}

// CommitSnapshot see [storage.AssignmentWriter].CommitSnapshot.
func (s *Datastore) CommitSnapshot(ctx context.Context, runID string, iteration int) error {
	insertBuilder := s.stbl.
		Insert("snapshot").
		Columns("run_id", "iteration", "committed_at").
		Values(runID, iteration, time.Now().UTC()).
		Suffix("ON CONFLICT(run_id, iteration) DO NOTHING")

	err := busyRetry(func() error {
		_, err := insertBuilder.ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}

	return nil
}

// DropSnapshot see [storage.AssignmentWriter].DropSnapshot.
func (s *Datastore) DropSnapshot(ctx context.Context, runID string, iteration int) error {
	err := busyRetry(func() error {
		if _, err := s.stbl.
			Delete("assignment").
			Where(sq.Eq{"run_id": runID, "iteration": iteration}).
			ExecContext(ctx); err != nil {
			return err
		}

		_, err := s.stbl.
			Delete("snapshot").
			Where(sq.Eq{"run_id": runID, "iteration": iteration}).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}

	return nil
}

// ReadPrimaries see [storage.AssignmentReader].ReadPrimaries.
func (s *Datastore) ReadPrimaries(ctx context.Context, runID string, iteration int, ids []entity.ID) (map[entity.ID]string, error) {
	if err := s.requireCommitted(ctx, runID, iteration); err != nil {
		return nil, err
	}

	out := make(map[entity.ID]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	idStrings := make([]string, 0, len(ids))
	for _, id := range ids {
		idStrings = append(idStrings, string(id))
	}

	rows, err := s.stbl.
		Select("entity_id", "cluster_id").
		From("assignment").
		Where(sq.Eq{
			"run_id":    runID,
			"iteration": iteration,
			"role":      string(cluster.RolePrimary),
			"entity_id": idStrings,
		}).
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var entityID, clusterID string
		if err := rows.Scan(&entityID, &clusterID); err != nil {
			return nil, HandleSQLError(err)
		}
		out[entity.ID(entityID)] = clusterID
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}

	return out, nil
}

// ReadAssignments see [storage.AssignmentReader].ReadAssignments.
func (s *Datastore) ReadAssignments(ctx context.Context, runID string, iteration int, ids []entity.ID) ([]cluster.Assignment, error) {
	if err := s.requireCommitted(ctx, runID, iteration); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	idStrings := make([]string, 0, len(ids))
	for _, id := range ids {
		idStrings = append(idStrings, string(id))
	}

	rows, err := s.stbl.
		Select("entity_id", "cluster_id", "role", "weight").
		From("assignment").
		Where(sq.Eq{
			"run_id":    runID,
			"iteration": iteration,
			"entity_id": idStrings,
		}).
		OrderBy("entity_id", "cluster_id").
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	return collectAssignments(rows)
}

// ScanAssignments see [storage.AssignmentReader].ScanAssignments.
func (s *Datastore) ScanAssignments(ctx context.Context, runID string, iteration int) (storage.AssignmentIterator, error) {
	if err := s.requireCommitted(ctx, runID, iteration); err != nil {
		return nil, err
	}

	rows, err := s.stbl.
		Select("entity_id", "cluster_id", "role", "weight").
		From("assignment").
		Where(sq.Eq{"run_id": runID, "iteration": iteration}).
		OrderBy("entity_id", "cluster_id").
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}

	return &assignmentIterator{rows: rows}, nil
}

// LatestCommittedIteration see [storage.AssignmentReader].LatestCommittedIteration.
func (s *Datastore) LatestCommittedIteration(ctx context.Context, runID string) (int, error) {
	row := s.stbl.
		Select("MAX(iteration)").
		From("snapshot").
		Where(sq.Eq{"run_id": runID}).
		QueryRowContext(ctx)

	var latest sql.NullInt64
	if err := row.Scan(&latest); err != nil {
		return 0, HandleSQLError(err)
	}
	if !latest.Valid {
		return 0, fmt.Errorf("no committed snapshot for run %s: %w", runID, storage.ErrNotFound)
	}

	return int(latest.Int64), nil
}

// IsReady see [storage.ClusterDatastore].IsReady.
func (s *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return storage.ReadinessStatus{}, err
	}

	return storage.ReadinessStatus{IsReady: true}, nil
}

func (s *Datastore) isCommitted(ctx context.Context, runID string, iteration int) (bool, error) {
	row := s.stbl.
		Select("COUNT(*)").
		From("snapshot").
		Where(sq.Eq{"run_id": runID, "iteration": iteration}).
		QueryRowContext(ctx)

	var count int
	if err := row.Scan(&count); err != nil {
		return false, HandleSQLError(err)
	}

	return count > 0, nil
}

func (s *Datastore) requireCommitted(ctx context.Context, runID string, iteration int) error {
	committed, err := s.isCommitted(ctx, runID, iteration)
	if err != nil {
		return err
	}
	if !committed {
		return fmt.Errorf("snapshot %d of run %s: %w", iteration, runID, storage.ErrNotFound)
	}
	return nil
}

type neighborIterator struct {
	rows *sql.Rows
}

func (i *neighborIterator) Next(ctx context.Context) (storage.Neighbor, error) {
	if ctx.Err() != nil {
		return storage.Neighbor{}, ctx.Err()
	}

	if !i.rows.Next() {
		if err := i.rows.Err(); err != nil {
			return storage.Neighbor{}, HandleSQLError(err)
		}
		return storage.Neighbor{}, storage.ErrIteratorDone
	}

	var neighborID string
	var weight int64
	if err := i.rows.Scan(&neighborID, &weight); err != nil {
		return storage.Neighbor{}, HandleSQLError(err)
	}

	return storage.Neighbor{ID: entity.ID(neighborID), Weight: weight}, nil
}

func (i *neighborIterator) Stop() {
	i.rows.Close()
}

type entityIterator struct {
	rows *sql.Rows
}

func (i *entityIterator) Next(ctx context.Context) (entity.ID, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	if !i.rows.Next() {
		if err := i.rows.Err(); err != nil {
			return "", HandleSQLError(err)
		}
		return "", storage.ErrIteratorDone
	}

	var id string
	if err := i.rows.Scan(&id); err != nil {
		return "", HandleSQLError(err)
	}

	return entity.ID(id), nil
}

func (i *entityIterator) Stop() {
	i.rows.Close()
}

// assignmentIterator groups membership rows, ordered by entity id, into
// assignments. One assignment is yielded per entity.
type assignmentIterator struct {
	rows    *sql.Rows
	pending *cluster.Assignment
	done    bool
}

func (i *assignmentIterator) Next(ctx context.Context) (cluster.Assignment, error) {
	if ctx.Err() != nil {
		return cluster.Assignment{}, ctx.Err()
	}
	if i.done {
		return cluster.Assignment{}, storage.ErrIteratorDone
	}

	for i.rows.Next() {
		var entityID, clusterID, role string
		var weight int64
		if err := i.rows.Scan(&entityID, &clusterID, &role, &weight); err != nil {
			return cluster.Assignment{}, HandleSQLError(err)
		}

		membership := cluster.Membership{Cluster: clusterID, Role: cluster.Role(role), Weight: weight}

		if i.pending == nil {
			i.pending = &cluster.Assignment{Entity: entity.ID(entityID), Memberships: []cluster.Membership{membership}}
			continue
		}

		if i.pending.Entity == entity.ID(entityID) {
			i.pending.Memberships = append(i.pending.Memberships, membership)
			continue
		}

		complete := *i.pending
		i.pending = &cluster.Assignment{Entity: entity.ID(entityID), Memberships: []cluster.Membership{membership}}
		return complete, nil
	}

	if err := i.rows.Err(); err != nil {
		return cluster.Assignment{}, HandleSQLError(err)
	}

	i.done = true
	if i.pending != nil {
		complete := *i.pending
		i.pending = nil
		return complete, nil
	}

	return cluster.Assignment{}, storage.ErrIteratorDone
}

func (i *assignmentIterator) Stop() {
	i.rows.Close()
}

func collectAssignments(rows *sql.Rows) ([]cluster.Assignment, error) {
	var out []cluster.Assignment
	for rows.Next() {
		var entityID, clusterID, role string
		var weight int64
		if err := rows.Scan(&entityID, &clusterID, &role, &weight); err != nil {
			return nil, HandleSQLError(err)
		}

		membership := cluster.Membership{Cluster: clusterID, Role: cluster.Role(role), Weight: weight}
		if n := len(out); n > 0 && out[n-1].Entity == entity.ID(entityID) {
			out[n-1].Memberships = append(out[n-1].Memberships, membership)
		} else {
			out = append(out, cluster.Assignment{Entity: entity.ID(entityID), Memberships: []cluster.Membership{membership}})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}

	return out, nil
}

// HandleSQLError maps a database error to one of the storage sentinel errors.
func HandleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xFF == sqlite3.SQLITE_FULL {
			return fmt.Errorf("sqlite: %v: %w", err, storage.ErrCapacityExceeded)
		}
	}

	return fmt.Errorf("sql error: %v: %w", err, storage.ErrStorageIO)
}

// SQLite will return an SQLITE_BUSY error when the database is locked rather
// than waiting for the lock, so writes are retried a bounded number of times.
var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	_, ok := busyErrors[sqliteErr.Code()]
	return ok
}

func busyRetry(fn func() error) error {
	const maxRetries = 10
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if retries < maxRetries {
				continue
			}

			return fmt.Errorf("sqlite busy error after %d retries: %w", maxRetries, err)
		}

		return err
	}
}
