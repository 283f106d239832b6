// Package postgres provides the shared state store backed by a PostgreSQL
// database, usually the sync target itself. Multiple engine hosts can point
// at the same state schema; row-level locking keeps checkpoint updates
// serialized.
//
// The schema is managed by the migrator (cmd/migrator), not created here.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/syncline-io/syncline/internal/config"
	"github.com/syncline-io/syncline/internal/record"
	"github.com/syncline-io/syncline/internal/state"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute

	pingTimeout = 5 * time.Second
)

// Store is the PostgreSQL implementation of state.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.RWMutex
	closed bool
}

var _ state.Store = (*Store)(nil)

// New opens a connection pool against the state schema and verifies
// connectivity before returning.
func New(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("state dsn cannot be empty")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Debug("postgres state store ready", slog.String("dsn", config.MaskDSN(dsn)))

	return &Store{db: db, logger: logger}, nil
}

// NewWithDB wraps an existing connection pool. Used by integration tests
// that manage the database lifecycle themselves.
func NewWithDB(db *sql.DB) *Store {
	return &Store{
		db: db,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

const checkpointColumns = `table_name, last_timestamp, last_pk_kind, last_pk,
	last_offset, records_synced, total_estimate, status, run_id, last_error,
	started_at, completed_at, last_run_at, updated_at`

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

	var pkKind, pk sql.NullString

	var lastTs, startedAt, completedAt, lastRun, updated sql.NullTime

	err := row.Scan(
		&cp.TableName, &lastTs, &pkKind, &pk,
		&cp.LastOffset, &cp.RecordsSynced, &cp.TotalEstimate, &status, &cp.RunID, &cp.LastError,
		&startedAt, &completedAt, &lastRun, &updated,
	)
	if err != nil {
		return nil, err
	}

	cp.Status = state.RunStatus(status)
	cp.LastTimestamp = lastTs.Time
	cp.StartedAt = startedAt.Time
	cp.CompletedAt = completedAt.Time
	cp.LastRunAt = lastRun.Time
	cp.UpdatedAt = updated.Time

	if cp.LastPrimaryKey, err = decodePK(pkKind, pk); err != nil {
		return nil, err
	}

	return &cp, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t.UTC()
}

// Checkpoint returns the checkpoint for a table.
func (s *Store) Checkpoint(ctx context.Context, table string) (*state.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, state.ErrClosed
	}

	query := "SELECT " + checkpointColumns + " FROM sync_checkpoints WHERE table_name = $1"

	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, table))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint for %s: %w", table, err)
	}

	return cp, nil
}

// lockCheckpoint reads a checkpoint under FOR UPDATE so concurrent writers
// on other hosts serialize on the row.
func lockCheckpoint(ctx context.Context, tx *sql.Tx, table string) (*state.Checkpoint, error) {
	query := "SELECT " + checkpointColumns + " FROM sync_checkpoints WHERE table_name = $1 FOR UPDATE"

	cp, err := scanCheckpoint(tx.QueryRowContext(ctx, query, table))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to lock checkpoint for %s: %w", table, err)
	}

	return cp, nil
}

// StartRun transitions a table to running, creating the checkpoint on first
// sync.
func (s *Store) StartRun(ctx context.Context, table, runID string, totalEstimate int64) (*state.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, state.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := lockCheckpoint(ctx, tx, table)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}

	if existing != nil && existing.Status == state.StatusRunning && existing.RunID != runID {
		return nil, fmt.Errorf("%w: table %s is running under run %s", state.ErrRunConflict, table, existing.RunID)
	}

	now := time.Now().UTC()

	upsert := `
		INSERT INTO sync_checkpoints (
			table_name, last_offset, records_synced, total_estimate, status,
			run_id, last_error, started_at, last_run_at, updated_at
		) VALUES ($1, 0, 0, $2, $3, $4, '', $5, $5, $5)
		ON CONFLICT (table_name) DO UPDATE SET
			last_offset = 0,
			total_estimate = EXCLUDED.total_estimate,
			status = EXCLUDED.status,
			run_id = EXCLUDED.run_id,
			last_error = '',
			started_at = EXCLUDED.started_at,
			last_run_at = EXCLUDED.last_run_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err = tx.ExecContext(ctx, upsert, table, totalEstimate, state.StatusRunning.String(), runID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to start run for %s: %w", table, err)
	}

	query := "SELECT " + checkpointColumns + " FROM sync_checkpoints WHERE table_name = $1"

	cp, err := scanCheckpoint(tx.QueryRowContext(ctx, query, table))
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint for %s: %w", table, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit run start for %s: %w", table, err)
	}

	return cp, nil
}

// Advance moves the cursor forward and accumulates counters.
func (s *Store) Advance(ctx context.Context, table string, ts time.Time, pk record.Value, loaded int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return state.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cp, err := lockCheckpoint(ctx, tx, table)
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
			last_timestamp = $1,
			last_pk_kind = $2,
			last_pk = $3,
			last_offset = last_offset + $4,
			records_synced = records_synced + $4,
			updated_at = $5
		WHERE table_name = $6
	`

	_, err = tx.ExecContext(ctx, update, ts.UTC(), pkKind, pkVal, loaded, time.Now().UTC(), table)
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
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return state.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cp, err := lockCheckpoint(ctx, tx, table)
	if err != nil {
		return err
	}

	last := cp.LastTimestamp
	if !finalTs.IsZero() && !finalTs.Before(last) {
		last = finalTs
	}

	now := time.Now().UTC()

	update := `
		UPDATE sync_checkpoints SET
			last_timestamp = $1,
			last_offset = 0,
			status = $2,
			last_error = '',
			completed_at = $3,
			last_run_at = $3,
			updated_at = $3
		WHERE table_name = $4
	`

	_, err = tx.ExecContext(ctx, update, nullTime(last), state.StatusCompleted.String(), now, table)
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
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return state.ErrClosed
	}

	update := `
		UPDATE sync_checkpoints SET
			status = $1, last_error = $2, last_run_at = $3, updated_at = $3
		WHERE table_name = $4
	`

	res, err := s.db.ExecContext(ctx, update,
		state.StatusFailed.String(), msg, time.Now().UTC(), table)
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
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return state.ErrClosed
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM sync_checkpoints WHERE table_name = $1", table)
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
	s.mu.RLock()
	defer s.mu.RUnlock()

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
		query += " WHERE status = $1"
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

// Close closes the connection pool. Safe to call multiple times.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	return s.db.Close()
}
