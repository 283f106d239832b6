// Package memory provides a thread-safe in-memory state store for tests and
// dry runs. Nothing survives process exit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/syncline-io/syncline/internal/record"
	"github.com/syncline-io/syncline/internal/state"
)

// Store keeps all sync state in process memory.
type Store struct {
	// checkpoints maps table names to their checkpoint
	checkpoints map[string]*state.Checkpoint
	// failures maps record ids to failed records
	failures map[int64]*state.FailedRecord
	// metrics holds run summaries in insertion order
	metrics []*state.RunMetrics
	// mutex protects concurrent access to all maps
	mutex sync.RWMutex

	nextFailureID int64
	nextMetricsID int64
	closed        bool
}

var _ state.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		checkpoints: make(map[string]*state.Checkpoint),
		failures:    make(map[int64]*state.FailedRecord),
	}
}

// Checkpoint returns a copy of the checkpoint for a table.
func (s *Store) Checkpoint(_ context.Context, table string) (*state.Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return nil, state.ErrClosed
	}

	cp, exists := s.checkpoints[table]
	if !exists {
		return nil, state.ErrNotFound
	}

	cpCopy := *cp

	return &cpCopy, nil
}

// StartRun transitions a table to running, creating the checkpoint on first
// sync.
func (s *Store) StartRun(_ context.Context, table, runID string, totalEstimate int64) (*state.Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil, state.ErrClosed
	}

	now := time.Now().UTC()

	cp, exists := s.checkpoints[table]
	if !exists {
		cp = &state.Checkpoint{
			TableName:      table,
			LastPrimaryKey: record.Null(),
		}
		s.checkpoints[table] = cp
	}

	if cp.Status == state.StatusRunning && cp.RunID != runID {
		return nil, state.ErrRunConflict
	}

	cp.Status = state.StatusRunning
	cp.RunID = runID
	cp.TotalEstimate = totalEstimate
	cp.LastOffset = 0
	cp.LastError = ""
	cp.StartedAt = now
	cp.LastRunAt = now
	cp.UpdatedAt = now

	cpCopy := *cp

	return &cpCopy, nil
}

// Advance moves the cursor forward and accumulates counters.
func (s *Store) Advance(_ context.Context, table string, ts time.Time, pk record.Value, loaded int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return state.ErrClosed
	}

	cp, exists := s.checkpoints[table]
	if !exists {
		return state.ErrNotFound
	}

	if !state.CursorAdvances(cp, ts, pk) {
		return state.ErrCursorRegression
	}

	cp.LastTimestamp = ts
	cp.LastPrimaryKey = pk
	cp.LastOffset += loaded
	cp.RecordsSynced += loaded
	cp.UpdatedAt = time.Now().UTC()

	return nil
}

// CompleteRun marks the run completed and resets the run offset.
func (s *Store) CompleteRun(_ context.Context, table string, finalTs time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return state.ErrClosed
	}

	cp, exists := s.checkpoints[table]
	if !exists {
		return state.ErrNotFound
	}

	now := time.Now().UTC()

	if !finalTs.IsZero() && !finalTs.Before(cp.LastTimestamp) {
		cp.LastTimestamp = finalTs
	}

	cp.Status = state.StatusCompleted
	cp.LastOffset = 0
	cp.LastError = ""
	cp.CompletedAt = now
	cp.LastRunAt = now
	cp.UpdatedAt = now

	return nil
}

// FailRun marks the run failed, preserving the cursor.
func (s *Store) FailRun(_ context.Context, table, msg string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return state.ErrClosed
	}

	cp, exists := s.checkpoints[table]
	if !exists {
		return state.ErrNotFound
	}

	now := time.Now().UTC()

	cp.Status = state.StatusFailed
	cp.LastError = msg
	cp.LastRunAt = now
	cp.UpdatedAt = now

	return nil
}

// Reset deletes a table's checkpoint.
func (s *Store) Reset(_ context.Context, table string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return state.ErrClosed
	}

	if _, exists := s.checkpoints[table]; !exists {
		return state.ErrNotFound
	}

	delete(s.checkpoints, table)

	return nil
}

// ResetAll deletes every checkpoint.
func (s *Store) ResetAll(_ context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return state.ErrClosed
	}

	s.checkpoints = make(map[string]*state.Checkpoint)

	return nil
}

// ListCheckpoints returns every checkpoint ordered by table name.
func (s *Store) ListCheckpoints(_ context.Context) ([]*state.Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return nil, state.ErrClosed
	}

	out := make([]*state.Checkpoint, 0, len(s.checkpoints))

	for _, cp := range s.checkpoints {
		cpCopy := *cp
		out = append(out, &cpCopy)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TableName < out[j].TableName })

	return out, nil
}

// ListRunning returns checkpoints whose status is running.
func (s *Store) ListRunning(_ context.Context) ([]*state.Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return nil, state.ErrClosed
	}

	var out []*state.Checkpoint

	for _, cp := range s.checkpoints {
		if cp.Status == state.StatusRunning {
			cpCopy := *cp
			out = append(out, &cpCopy)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TableName < out[j].TableName })

	return out, nil
}

// AppendFailure persists one rejected record.
func (s *Store) AppendFailure(_ context.Context, rec *state.FailedRecord) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return 0, state.ErrClosed
	}

	return s.appendLocked(rec), nil
}

// AppendFailures persists a batch of rejected records atomically.
func (s *Store) AppendFailures(_ context.Context, recs []*state.FailedRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return state.ErrClosed
	}

	for _, rec := range recs {
		s.appendLocked(rec)
	}

	return nil
}

func (s *Store) appendLocked(rec *state.FailedRecord) int64 {
	s.nextFailureID++

	now := time.Now().UTC()

	stored := *rec
	stored.ID = s.nextFailureID
	stored.SourceData = rec.SourceData.Clone()

	if rec.TransformedData != nil {
		stored.TransformedData = rec.TransformedData.Clone()
	}

	if stored.Status == "" {
		stored.Status = state.FailurePending
	}

	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}

	stored.UpdatedAt = now
	s.failures[stored.ID] = &stored
	rec.ID = stored.ID

	return stored.ID
}

func matches(rec *state.FailedRecord, f state.FailureFilter) bool {
	if f.Table != "" && rec.TableName != f.Table {
		return false
	}

	if f.Status != "" && rec.Status != f.Status {
		return false
	}

	if f.Stage != "" && rec.Stage != f.Stage {
		return false
	}

	if f.RunID != "" && rec.RunID != f.RunID {
		return false
	}

	return true
}

// ListFailures returns matching records, newest first.
func (s *Store) ListFailures(_ context.Context, filter state.FailureFilter) ([]*state.FailedRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return nil, state.ErrClosed
	}

	var out []*state.FailedRecord

	for _, rec := range s.failures {
		if matches(rec, filter) {
			recCopy := *rec
			out = append(out, &recCopy)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}

		out = out[filter.Offset:]
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}

	return out, nil
}

// CountFailures returns the number of matching records.
func (s *Store) CountFailures(_ context.Context, filter state.FailureFilter) (int64, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return 0, state.ErrClosed
	}

	var n int64

	for _, rec := range s.failures {
		if matches(rec, filter) {
			n++
		}
	}

	return n, nil
}

// ResolveFailure marks a record resolved.
func (s *Store) ResolveFailure(_ context.Context, id int64) error {
	return s.setStatus(id, state.FailureResolved)
}

// IgnoreFailure marks a record ignored.
func (s *Store) IgnoreFailure(_ context.Context, id int64) error {
	return s.setStatus(id, state.FailureIgnored)
}

func (s *Store) setStatus(id int64, status state.FailureStatus) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return state.ErrClosed
	}

	rec, exists := s.failures[id]
	if !exists {
		return state.ErrFailureNotFound
	}

	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()

	return nil
}

// RetryFailure marks a record retrying and returns the incremented count.
func (s *Store) RetryFailure(_ context.Context, id int64) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return 0, state.ErrClosed
	}

	rec, exists := s.failures[id]
	if !exists {
		return 0, state.ErrFailureNotFound
	}

	rec.RetryCount++
	rec.Status = state.FailureRetrying
	rec.UpdatedAt = time.Now().UTC()

	return rec.RetryCount, nil
}

// FailureStats summarizes the failure store.
func (s *Store) FailureStats(_ context.Context) (*state.FailureStats, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return nil, state.ErrClosed
	}

	stats := &state.FailureStats{
		ByStatus: make(map[state.FailureStatus]int64),
		ByTable:  make(map[string]int64),
		ByStage:  make(map[state.FailureStage]int64),
	}

	for _, rec := range s.failures {
		stats.Total++
		stats.ByStatus[rec.Status]++
		stats.ByTable[rec.TableName]++
		stats.ByStage[rec.Stage]++
	}

	return stats, nil
}

// PurgeFailures deletes old records in the given dispositions.
func (s *Store) PurgeFailures(_ context.Context, olderThan time.Time, statuses []state.FailureStatus) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return 0, state.ErrClosed
	}

	if len(statuses) == 0 {
		statuses = []state.FailureStatus{state.FailureResolved, state.FailureIgnored}
	}

	allowed := make(map[state.FailureStatus]struct{}, len(statuses))
	for _, st := range statuses {
		allowed[st] = struct{}{}
	}

	var n int64

	for id, rec := range s.failures {
		if _, ok := allowed[rec.Status]; !ok {
			continue
		}

		if rec.CreatedAt.Before(olderThan) {
			delete(s.failures, id)
			n++
		}
	}

	return n, nil
}

// RecordMetrics persists one run summary.
func (s *Store) RecordMetrics(_ context.Context, m *state.RunMetrics) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return state.ErrClosed
	}

	s.nextMetricsID++

	stored := *m
	stored.ID = s.nextMetricsID

	if stored.RecordedAt.IsZero() {
		stored.RecordedAt = time.Now().UTC()
	}

	s.metrics = append(s.metrics, &stored)

	return nil
}

// RecentMetrics returns the latest run summaries, newest first.
func (s *Store) RecentMetrics(_ context.Context, table string, limit int) ([]*state.RunMetrics, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return nil, state.ErrClosed
	}

	var out []*state.RunMetrics

	for i := len(s.metrics) - 1; i >= 0; i-- {
		if table != "" && s.metrics[i].TableName != table {
			continue
		}

		mCopy := *s.metrics[i]
		out = append(out, &mCopy)

		if limit > 0 && len(out) == limit {
			break
		}
	}

	return out, nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.closed = true

	return nil
}
