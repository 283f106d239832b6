// Package sqlite provides the default embedded state store backed by a
// single-file SQLite database.
//
// Designed for single-process deployments with zero setup: the engine runs
// against one database file, WAL mode keeps status reads cheap while a run
// is writing, and synchronous=FULL makes every committed checkpoint durable
// before the call returns.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite" // cgo-free sqlite driver

	"github.com/syncline-io/syncline/internal/config"
	"github.com/syncline-io/syncline/internal/record"
	"github.com/syncline-io/syncline/internal/state"
)

// storedTimeLayout is fixed-width UTC so lexicographic comparison of stored
// values matches chronological order.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the SQLite implementation of state.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.RWMutex
	closed bool
	path   string
}

var _ state.Store = (*Store)(nil)

// New opens (or creates) the state database at path. Parent directories are
// created as needed; ":memory:" keeps everything in process memory.
func New(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create state directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()

	busyTimeout := config.GetEnvInt("SYNCLINE_SQLITE_BUSY_TIMEOUT_MS", 5000)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout),
		// Checkpoint writes must survive a crash of the host, not just the
		// process, so WAL alone is not enough.
		"PRAGMA synchronous=FULL",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	s := &Store{
		db:     db,
		logger: logger,
		path:   path,
	}

	if err := s.createTables(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create state tables: %w", err)
	}

	logger.Debug("sqlite state store ready", slog.String("path", path))

	return s, nil
}

// createTables creates the state schema if it doesn't exist.
func (s *Store) createTables(ctx context.Context) error {
	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS sync_checkpoints (
			table_name TEXT PRIMARY KEY,
			last_timestamp TEXT,
			last_pk_kind TEXT,
			last_pk TEXT,
			last_offset INTEGER NOT NULL DEFAULT 0,
			records_synced INTEGER NOT NULL DEFAULT 0,
			total_estimate INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'idle',
			run_id TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			started_at TEXT,
			completed_at TEXT,
			last_run_at TEXT,
			updated_at TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create sync_checkpoints table: %w", err)
	}

	failuresTable := `
		CREATE TABLE IF NOT EXISTS sync_failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL DEFAULT '',
			table_name TEXT NOT NULL,
			source_record_id TEXT NOT NULL DEFAULT '',
			stage TEXT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			error_details TEXT NOT NULL DEFAULT '',
			source_data TEXT NOT NULL,
			transformed_data TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, failuresTable); err != nil {
		return fmt.Errorf("failed to create sync_failures table: %w", err)
	}

	failureIndexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_sync_failures_table ON sync_failures(table_name)",
		"CREATE INDEX IF NOT EXISTS idx_sync_failures_status ON sync_failures(status)",
		"CREATE INDEX IF NOT EXISTS idx_sync_failures_created ON sync_failures(created_at)",
	}

	for _, idx := range failureIndexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to create failure index: %w", err)
		}
	}

	metricsTable := `
		CREATE TABLE IF NOT EXISTS sync_run_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			table_name TEXT NOT NULL,
			extracted INTEGER NOT NULL DEFAULT 0,
			loaded INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			extract_ms INTEGER NOT NULL DEFAULT 0,
			transform_ms INTEGER NOT NULL DEFAULT 0,
			validate_ms INTEGER NOT NULL DEFAULT 0,
			load_ms INTEGER NOT NULL DEFAULT 0,
			total_ms INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, metricsTable); err != nil {
		return fmt.Errorf("failed to create sync_run_metrics table: %w", err)
	}

	metricsIndex := "CREATE INDEX IF NOT EXISTS idx_sync_run_metrics_table ON sync_run_metrics(table_name, recorded_at)"
	if _, err := s.db.ExecContext(ctx, metricsIndex); err != nil {
		return fmt.Errorf("failed to create metrics index: %w", err)
	}

	return nil
}

// checkpointColumns is the canonical column order shared by every checkpoint
// query and scan.
const checkpointColumns = `table_name, last_timestamp, last_pk_kind, last_pk,
	last_offset, records_synced, total_estimate, status, run_id, last_error,
	started_at, completed_at, last_run_at, updated_at`

func encodeTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t.UTC().Format(storedTimeLayout)
}

func decodeTime(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(storedTimeLayout, v.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed stored timestamp %q: %w", v.String, err)
	}

	return t, nil
}

// encodePK flattens a cursor primary key into (kind, payload) columns.
func encodePK(v record.Value) (any, any) {
	if v.IsNull() {
		return nil, nil
	}

	return v.Kind().String(), v.Display()
}

// decodePK rebuilds a cursor primary key from its (kind, payload) columns.
func decodePK(kind, payload sql.NullString) (record.Value, error) {
	if !kind.Valid || kind.String == "" {
		return record.Null(), nil
	}

	switch kind.String {
	case "int":
		i, err := strconv.ParseInt(payload.String, 10, 64)
		if err != nil {
			return record.Null(), fmt.Errorf("malformed stored pk %q: %w", payload.String, err)
		}

		return record.Int(i), nil
	case "float":
		f, err := strconv.ParseFloat(payload.String, 64)
		if err != nil {
			return record.Null(), fmt.Errorf("malformed stored pk %q: %w", payload.String, err)
		}

		return record.Float(f), nil
	case "decimal":
		return record.Decimal(payload.String), nil
	case "time":
		t, err := time.Parse(time.RFC3339, payload.String)
		if err != nil {
			return record.Null(), fmt.Errorf("malformed stored pk %q: %w", payload.String, err)
		}

		return record.Time(t), nil
	default:
		return record.String(payload.String), nil
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*state.Checkpoint, error) {
	var cp state.Checkpoint

	var status string

	var lastTs, pkKind, pk sql.NullString

	var startedAt, completedAt, lastRun, updated sql.NullString

	err := row.Scan(
		&cp.TableName, &lastTs, &pkKind, &pk,
		&cp.LastOffset, &cp.RecordsSynced, &cp.TotalEstimate, &status, &cp.RunID, &cp.LastError,
		&startedAt, &completedAt, &lastRun, &updated,
	)
	if err != nil {
		return nil, err
	}

	cp.Status = state.RunStatus(status)

	if cp.LastTimestamp, err = decodeTime(lastTs); err != nil {
		return nil, err
	}

	if cp.LastPrimaryKey, err = decodePK(pkKind, pk); err != nil {
		return nil, err
	}

	if cp.StartedAt, err = decodeTime(startedAt); err != nil {
		return nil, err
	}

	if cp.CompletedAt, err = decodeTime(completedAt); err != nil {
		return nil, err
	}

	if cp.LastRunAt, err = decodeTime(lastRun); err != nil {
		return nil, err
	}

	if cp.UpdatedAt, err = decodeTime(updated); err != nil {
		return nil, err
	}

	return &cp, nil
}

// Checkpoint returns the checkpoint for a table.
func (s *Store) Checkpoint(ctx context.Context, table string) (*state.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, state.ErrClosed
	}

	return s.checkpointTx(ctx, s.db, table)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) checkpointTx(ctx context.Context, q querier, table string) (*state.Checkpoint, error) {
	query := "SELECT " + checkpointColumns + " FROM sync_checkpoints WHERE table_name = ?"

	cp, err := scanCheckpoint(q.QueryRowContext(ctx, query, table))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint for %s: %w", table, err)
	}

	return cp, nil
}

// StartRun transitions a table to running, creating the checkpoint on first
// sync.
func (s *Store) StartRun(ctx context.Context, table, runID string, totalEstimate int64) (*state.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, state.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := s.checkpointTx(ctx, tx, table)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}

	if existing != nil && existing.Status == state.StatusRunning && existing.RunID != runID {
		return nil, fmt.Errorf("%w: table %s is running under run %s", state.ErrRunConflict, table, existing.RunID)
	}

	now := encodeTime(time.Now().UTC())

	upsert := `
		INSERT INTO sync_checkpoints (
			table_name, last_offset, records_synced, total_estimate, status,
			run_id, last_error, started_at, last_run_at, updated_at
		) VALUES (?, 0, 0, ?, ?, ?, '', ?, ?, ?)
		ON CONFLICT(table_name) DO UPDATE SET
			last_offset = 0,
			total_estimate = excluded.total_estimate,
			status = excluded.status,
			run_id = excluded.run_id,
			last_error = '',
			started_at = excluded.started_at,
			last_run_at = excluded.last_run_at,
			updated_at = excluded.updated_at
	`

	_, err = tx.ExecContext(ctx, upsert,
		table, totalEstimate, state.StatusRunning.String(), runID, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to start run for %s: %w", table, err)
	}

	cp, err := s.checkpointTx(ctx, tx, table)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit run start for %s: %w", table, err)
	}

	return cp, nil
}

// Advance moves the cursor forward and accumulates counters. The read and
// the update share one transaction so a concurrent advance cannot interleave.
func (s *Store) Advance(ctx context.Context, table string, ts time.Time, pk record.Value, loaded int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return state.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cp, err := s.checkpointTx(ctx, tx, table)
	if err != nil {
		return err
	}

	if !state.CursorAdvances(cp, ts, pk) {
		return fmt.Errorf("%w: table %s at (%s, %s), refused (%s, %s)",
			state.ErrCursorRegression, table,
			cp.LastTimestamp.Format(time.RFC3339Nano), cp.LastPrimaryKey.Display(),
			ts.Format(time.RFC3339Nano), pk.Display())
	}

	pkKind, pkVal := encodePK(pk)

	update := `
		UPDATE sync_checkpoints SET
			last_timestamp = ?,
			last_pk_kind = ?,
			last_pk = ?,
			last_offset = last_offset + ?,
			records_synced = records_synced + ?,
			updated_at = ?
		WHERE table_name = ?
	`

	_, err = tx.ExecContext(ctx, update,
		encodeTime(ts), pkKind, pkVal, loaded, loaded, encodeTime(time.Now().UTC()), table)
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint for %s: %w", table, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit advance for %s: %w", table, err)
	}

	return nil
}

// CompleteRun marks the run completed and resets the run offset.
func (s *Store) CompleteRun(ctx context.Context, table string, finalTs time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return state.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cp, err := s.checkpointTx(ctx, tx, table)
	if err != nil {
		return err
	}

	last := cp.LastTimestamp
	if !finalTs.IsZero() && !finalTs.Before(last) {
		last = finalTs
	}

	now := encodeTime(time.Now().UTC())

	update := `
		UPDATE sync_checkpoints SET
			last_timestamp = ?,
			last_offset = 0,
			status = ?,
			last_error = '',
			completed_at = ?,
			last_run_at = ?,
			updated_at = ?
		WHERE table_name = ?
	`

	_, err = tx.ExecContext(ctx, update,
		encodeTime(last), state.StatusCompleted.String(), now, now, now, table)
	if err != nil {
		return fmt.Errorf("failed to complete run for %s: %w", table, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit completion for %s: %w", table, err)
	}

	return nil
}

// FailRun marks the run failed, preserving the cursor.
func (s *Store) FailRun(ctx context.Context, table, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return state.ErrClosed
	}

	now := encodeTime(time.Now().UTC())

	update := `
		UPDATE sync_checkpoints SET
			status = ?, last_error = ?, last_run_at = ?, updated_at = ?
		WHERE table_name = ?
	`

	res, err := s.db.ExecContext(ctx, update, state.StatusFailed.String(), msg, now, now, table)
	if err != nil {
		return fmt.Errorf("failed to mark run failed for %s: %w", table, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check failed-run update for %s: %w", table, err)
	}

	if affected == 0 {
		return state.ErrNotFound
	}

	return nil
}

// Reset deletes a table's checkpoint.
func (s *Store) Reset(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return state.ErrClosed
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM sync_checkpoints WHERE table_name = ?", table)
	if err != nil {
		return fmt.Errorf("failed to reset checkpoint for %s: %w", table, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check reset for %s: %w", table, err)
	}

	if affected == 0 {
		return state.ErrNotFound
	}

	s.logger.Info("checkpoint reset", slog.String("table", table))

	return nil
}

// ResetAll deletes every checkpoint.
func (s *Store) ResetAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return state.ErrClosed
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_checkpoints"); err != nil {
		return fmt.Errorf("failed to reset checkpoints: %w", err)
	}

	s.logger.Info("all checkpoints reset")

	return nil
}

// ListCheckpoints returns every checkpoint ordered by table name.
func (s *Store) ListCheckpoints(ctx context.Context) ([]*state.Checkpoint, error) {
	return s.listCheckpoints(ctx, "")
}

// ListRunning returns checkpoints whose status is running.
func (s *Store) ListRunning(ctx context.Context) ([]*state.Checkpoint, error) {
	return s.listCheckpoints(ctx, string(state.StatusRunning))
}

func (s *Store) listCheckpoints(ctx context.Context, status string) ([]*state.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, state.ErrClosed
	}

	query := "SELECT " + checkpointColumns + " FROM sync_checkpoints"

	var args []any

	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}

	query += " ORDER BY table_name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*state.Checkpoint

	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}

		out = append(out, cp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}

	return out, nil
}

// Close releases the database. Further calls return state.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	return s.db.Close()
}
