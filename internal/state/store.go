package state

import (
	"context"
	"errors"
	"time"

	"github.com/syncline-io/syncline/internal/record"
)

// Sentinel errors shared by every store backend.
var (
	// ErrNotFound is returned when a table has no checkpoint.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrFailureNotFound is returned when a failed record id does not exist.
	ErrFailureNotFound = errors.New("failed record not found")

	// ErrRunConflict is returned when a run would start on a table that is
	// already running under a different run id.
	ErrRunConflict = errors.New("table already has a running sync")

	// ErrCursorRegression is returned when an advance would move a cursor to
	// or behind its stored position. It is fatal: a regressing cursor means
	// rows were skipped or replayed out of order, and the checkpoint must be
	// left untouched for inspection.
	ErrCursorRegression = errors.New("checkpoint cursor would move backwards")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("state store is closed")
)

// Store is the durable sync state: checkpoints, the failure store, and run
// metrics. Implementations must flush every mutating call before returning,
// so that a crash after the call cannot lose the write.
//
// Checkpoint ordering contract: the caller commits target rows first and
// advances the checkpoint second. After a crash between the two the cursor
// is behind the target, the overlap is re-extracted, and idempotent upserts
// absorb the replay.
type Store interface {
	// Checkpoint returns the checkpoint for a table, or ErrNotFound.
	Checkpoint(ctx context.Context, table string) (*Checkpoint, error)

	// StartRun transitions a table to running and returns the updated
	// checkpoint, creating it on first sync. A table already running under a
	// different run id returns ErrRunConflict; re-starting the same run id is
	// idempotent. Stale running checkpoints left by a crash are cleared by
	// the orchestrator with FailRun before it starts new runs.
	StartRun(ctx context.Context, table, runID string, totalEstimate int64) (*Checkpoint, error)

	// Advance atomically moves the cursor to (ts, pk) and adds loaded to the
	// counters. Positions at or behind the stored cursor return
	// ErrCursorRegression and leave the checkpoint unchanged.
	Advance(ctx context.Context, table string, ts time.Time, pk record.Value, loaded int64) error

	// CompleteRun marks the run completed, records the final cursor
	// timestamp, and resets the run offset. A zero finalTs keeps the stored
	// timestamp.
	CompleteRun(ctx context.Context, table string, finalTs time.Time) error

	// FailRun marks the run failed with a message. The cursor keeps its
	// last durable position so the next run resumes instead of restarting.
	FailRun(ctx context.Context, table, msg string) error

	// Reset deletes a table's checkpoint; ResetAll deletes every checkpoint.
	// Failure records are not touched.
	Reset(ctx context.Context, table string) error
	ResetAll(ctx context.Context) error

	// ListCheckpoints returns every checkpoint ordered by table name.
	ListCheckpoints(ctx context.Context) ([]*Checkpoint, error)

	// ListRunning returns checkpoints whose status is running, for crash
	// detection at startup.
	ListRunning(ctx context.Context) ([]*Checkpoint, error)

	// AppendFailure persists one rejected record and returns its id.
	AppendFailure(ctx context.Context, rec *FailedRecord) (int64, error)

	// AppendFailures persists a batch of rejected records. The batch is
	// written atomically: either every record is durable or the call fails.
	AppendFailures(ctx context.Context, recs []*FailedRecord) error

	// ListFailures returns failed records matching the filter, newest first.
	ListFailures(ctx context.Context, filter FailureFilter) ([]*FailedRecord, error)

	// CountFailures returns the number of records matching the filter.
	CountFailures(ctx context.Context, filter FailureFilter) (int64, error)

	// ResolveFailure and IgnoreFailure set a record's disposition.
	// RetryFailure marks it retrying, increments the retry counter, and
	// returns the new count. All three return ErrFailureNotFound for an
	// unknown id.
	ResolveFailure(ctx context.Context, id int64) error
	IgnoreFailure(ctx context.Context, id int64) error
	RetryFailure(ctx context.Context, id int64) (int, error)

	// FailureStats summarizes the failure store.
	FailureStats(ctx context.Context) (*FailureStats, error)

	// PurgeFailures deletes records in the given dispositions older than the
	// cutoff and returns how many were removed. An empty status list means
	// resolved and ignored, so pending records can never be purged by
	// accident. Only operator commands call this; the pipeline never deletes
	// failure history.
	PurgeFailures(ctx context.Context, olderThan time.Time, statuses []FailureStatus) (int64, error)

	// RecordMetrics persists one per-table run summary; RecentMetrics
	// returns the latest summaries, newest first. An empty table matches all
	// tables.
	RecordMetrics(ctx context.Context, m *RunMetrics) error
	RecentMetrics(ctx context.Context, table string, limit int) ([]*RunMetrics, error)

	// Close releases the backend. Further calls return ErrClosed.
	Close() error
}

// CursorAdvances reports whether (ts, pk) is strictly ahead of the stored
// cursor. Backends share it so every implementation enforces the same
// ordering rule. A checkpoint without a cursor accepts any position. Primary
// keys of mismatched kinds never advance.
func CursorAdvances(cp *Checkpoint, ts time.Time, pk record.Value) bool {
	if !cp.HasCursor() {
		return true
	}

	if ts.After(cp.LastTimestamp) {
		return true
	}

	if !ts.Equal(cp.LastTimestamp) {
		return false
	}

	if cp.LastPrimaryKey.IsNull() {
		return true
	}

	cmp, err := pk.Compare(cp.LastPrimaryKey)
	if err != nil {
		return false
	}

	return cmp > 0
}
