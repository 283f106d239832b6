package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/syncline-io/syncline/internal/record"
	"github.com/syncline-io/syncline/internal/state"
)

const failureColumns = `id, run_id, table_name, source_record_id, stage,
	error_kind, error_message, error_details, source_data, transformed_data,
	retry_count, status, created_at, updated_at`

func encodeRow(r record.Row) (any, error) {
	if r == nil {
		return nil, nil
	}

	data, err := r.MarshalJSON()
	if err != nil {
		return nil, err
	}

	return string(data), nil
}

func decodeRow(v sql.NullString) (record.Row, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}

	return record.RowFromJSON([]byte(v.String))
}

func scanFailure(row rowScanner) (*state.FailedRecord, error) {
	var rec state.FailedRecord

	var stage, status, createdAt, updatedAt string

	var sourceData, transformedData sql.NullString

	err := row.Scan(
		&rec.ID, &rec.RunID, &rec.TableName, &rec.SourceRecordID, &stage,
		&rec.ErrorKind, &rec.ErrorMessage, &rec.ErrorDetails, &sourceData, &transformedData,
		&rec.RetryCount, &status, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Stage = state.FailureStage(stage)
	rec.Status = state.FailureStatus(status)

	if rec.SourceData, err = decodeRow(sourceData); err != nil {
		return nil, fmt.Errorf("failed record %d: %w", rec.ID, err)
	}

	if rec.TransformedData, err = decodeRow(transformedData); err != nil {
		return nil, fmt.Errorf("failed record %d: %w", rec.ID, err)
	}

	if rec.CreatedAt, err = decodeTime(sql.NullString{String: createdAt, Valid: true}); err != nil {
		return nil, err
	}

	if rec.UpdatedAt, err = decodeTime(sql.NullString{String: updatedAt, Valid: true}); err != nil {
		return nil, err
	}

	return &rec, nil
}

const insertFailureQuery = `
	INSERT INTO sync_failures (
		run_id, table_name, source_record_id, stage, error_kind,
		error_message, error_details, source_data, transformed_data,
		retry_count, status, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	RETURNING id
`

func insertFailureArgs(rec *state.FailedRecord) ([]any, error) {
	now := time.Now().UTC()

	status := rec.Status
	if status == "" {
		status = state.FailurePending
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	sourceData, err := encodeRow(rec.SourceData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode source data: %w", err)
	}

	transformedData, err := encodeRow(rec.TransformedData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transformed data: %w", err)
	}

	return []any{
		rec.RunID, rec.TableName, rec.SourceRecordID, rec.Stage.String(), rec.ErrorKind,
		rec.ErrorMessage, rec.ErrorDetails, sourceData, transformedData,
		rec.RetryCount, status.String(), encodeTime(createdAt), encodeTime(now),
	}, nil
}

// AppendFailure persists one rejected record and returns its id.
func (s *Store) AppendFailure(ctx context.Context, rec *state.FailedRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, state.ErrClosed
	}

	args, err := insertFailureArgs(rec)
	if err != nil {
		return 0, err
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, insertFailureQuery, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to append failure record: %w", err)
	}

	rec.ID = id

	return id, nil
}

// AppendFailures persists a batch of rejected records in one transaction.
func (s *Store) AppendFailures(ctx context.Context, recs []*state.FailedRecord) error {
	if len(recs) == 0 {
		return nil
	}

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

	stmt, err := tx.PrepareContext(ctx, insertFailureQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare failure insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range recs {
		args, err := insertFailureArgs(rec)
		if err != nil {
			return err
		}

		if err := stmt.QueryRowContext(ctx, args...).Scan(&rec.ID); err != nil {
			return fmt.Errorf("failed to append failure record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit failure batch: %w", err)
	}

	return nil
}

func failureWhere(f state.FailureFilter) (string, []any) {
	var conds []string

	var args []any

	if f.Table != "" {
		conds = append(conds, "table_name = ?")
		args = append(args, f.Table)
	}

	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status.String())
	}

	if f.Stage != "" {
		conds = append(conds, "stage = ?")
		args = append(args, f.Stage.String())
	}

	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, f.RunID)
	}

	if len(conds) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListFailures returns matching records, newest first.
func (s *Store) ListFailures(ctx context.Context, filter state.FailureFilter) ([]*state.FailedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, state.ErrClosed
	}

	where, args := failureWhere(filter)
	query := "SELECT " + failureColumns + " FROM sync_failures" + where + " ORDER BY id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)

		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*state.FailedRecord

	for rows.Next() {
		rec, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failures: %w", err)
	}

	return out, nil
}

// CountFailures returns the number of records matching the filter.
func (s *Store) CountFailures(ctx context.Context, filter state.FailureFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, state.ErrClosed
	}

	where, args := failureWhere(filter)

	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_failures"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}

	return n, nil
}

// ResolveFailure marks a record resolved.
func (s *Store) ResolveFailure(ctx context.Context, id int64) error {
	return s.setFailureStatus(ctx, id, state.FailureResolved)
}

// IgnoreFailure marks a record ignored.
func (s *Store) IgnoreFailure(ctx context.Context, id int64) error {
	return s.setFailureStatus(ctx, id, state.FailureIgnored)
}

func (s *Store) setFailureStatus(ctx context.Context, id int64, status state.FailureStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return state.ErrClosed
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE sync_failures SET status = ?, updated_at = ? WHERE id = ?",
		status.String(), encodeTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to update failure %d: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check failure update %d: %w", id, err)
	}

	if affected == 0 {
		return state.ErrFailureNotFound
	}

	return nil
}

// RetryFailure marks a record retrying and returns the incremented count.
func (s *Store) RetryFailure(ctx context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, state.ErrClosed
	}

	query := `
		UPDATE sync_failures
		SET retry_count = retry_count + 1, status = ?, updated_at = ?
		WHERE id = ?
		RETURNING retry_count
	`

	var count int

	err := s.db.QueryRowContext(ctx, query,
		state.FailureRetrying.String(), encodeTime(time.Now().UTC()), id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, state.ErrFailureNotFound
	}

	if err != nil {
		return 0, fmt.Errorf("failed to mark failure %d retrying: %w", id, err)
	}

	return count, nil
}

// FailureStats summarizes the failure store.
func (s *Store) FailureStats(ctx context.Context) (*state.FailureStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, state.ErrClosed
	}

	stats := &state.FailureStats{
		ByStatus: make(map[state.FailureStatus]int64),
		ByTable:  make(map[string]int64),
		ByStage:  make(map[state.FailureStage]int64),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_failures").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("failed to count failures: %w", err)
	}

	group := func(column string, assign func(key string, n int64)) error {
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+column+", COUNT(*) FROM sync_failures GROUP BY "+column)
		if err != nil {
			return fmt.Errorf("failed to group failures by %s: %w", column, err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var key string

			var n int64

			if err := rows.Scan(&key, &n); err != nil {
				return fmt.Errorf("failed to scan %s group: %w", column, err)
			}

			assign(key, n)
		}

		return rows.Err()
	}

	if err := group("status", func(k string, n int64) { stats.ByStatus[state.FailureStatus(k)] = n }); err != nil {
		return nil, err
	}

	if err := group("table_name", func(k string, n int64) { stats.ByTable[k] = n }); err != nil {
		return nil, err
	}

	if err := group("stage", func(k string, n int64) { stats.ByStage[state.FailureStage(k)] = n }); err != nil {
		return nil, err
	}

	return stats, nil
}

// PurgeFailures deletes old records in the given dispositions.
func (s *Store) PurgeFailures(ctx context.Context, olderThan time.Time, statuses []state.FailureStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, state.ErrClosed
	}

	if len(statuses) == 0 {
		statuses = []state.FailureStatus{state.FailureResolved, state.FailureIgnored}
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)

	for i, st := range statuses {
		placeholders[i] = "?"

		args = append(args, st.String())
	}

	args = append(args, encodeTime(olderThan.UTC()))

	query := "DELETE FROM sync_failures WHERE status IN (" +
		strings.Join(placeholders, ", ") + ") AND created_at < ?"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge failures: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged failures: %w", err)
	}

	return n, nil
}

// RecordMetrics persists one run summary.
func (s *Store) RecordMetrics(ctx context.Context, m *state.RunMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return state.ErrClosed
	}

	recordedAt := m.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO sync_run_metrics (
			run_id, table_name, extracted, loaded, failed, deleted,
			extract_ms, transform_ms, validate_ms, load_ms, total_ms,
			status, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		m.RunID, m.TableName, m.Extracted, m.Loaded, m.Failed, m.Deleted,
		m.ExtractMs, m.TransformMs, m.ValidateMs, m.LoadMs, m.TotalMs,
		m.Status.String(), encodeTime(recordedAt))
	if err != nil {
		return fmt.Errorf("failed to record metrics: %w", err)
	}

	return nil
}

// RecentMetrics returns the latest run summaries, newest first.
func (s *Store) RecentMetrics(ctx context.Context, table string, limit int) ([]*state.RunMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, state.ErrClosed
	}

	query := `
		SELECT id, run_id, table_name, extracted, loaded, failed, deleted,
			extract_ms, transform_ms, validate_ms, load_ms, total_ms,
			status, recorded_at
		FROM sync_run_metrics
	`

	var args []any

	if table != "" {
		query += " WHERE table_name = ?"
		args = append(args, table)
	}

	query += " ORDER BY id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*state.RunMetrics

	for rows.Next() {
		var m state.RunMetrics

		var status, recordedAt string

		err := rows.Scan(
			&m.ID, &m.RunID, &m.TableName, &m.Extracted, &m.Loaded, &m.Failed, &m.Deleted,
			&m.ExtractMs, &m.TransformMs, &m.ValidateMs, &m.LoadMs, &m.TotalMs,
			&status, &recordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metrics: %w", err)
		}

		m.Status = state.RunStatus(status)

		if m.RecordedAt, err = decodeTime(sql.NullString{String: recordedAt, Valid: true}); err != nil {
			return nil, err
		}

		out = append(out, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate metrics: %w", err)
	}

	return out, nil
}
