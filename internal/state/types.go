// Package state defines the durable sync state shared by every backend:
// per-table checkpoints, the failure store, and run metrics.
//
// All three live behind the single Store interface so the engine can run
// against an embedded sqlite file, the target PostgreSQL database, or an
// in-memory store for tests and dry runs.
package state

import (
	"time"

	"github.com/syncline-io/syncline/internal/record"
)

type (
	// RunStatus is the lifecycle state of a table's checkpoint.
	RunStatus string

	// FailureStage names the pipeline stage that rejected a record.
	FailureStage string

	// FailureStatus is the operator-facing disposition of a failed record.
	FailureStatus string
)

// Checkpoint run statuses.
const (
	StatusIdle      RunStatus = "idle"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Failure stages.
const (
	StageTransform FailureStage = "transform"
	StageValidate  FailureStage = "validate"
	StageLoad      FailureStage = "load"
)

// Failure statuses.
const (
	FailurePending  FailureStatus = "pending"
	FailureResolved FailureStatus = "resolved"
	FailureIgnored  FailureStatus = "ignored"
	FailureRetrying FailureStatus = "retrying"
)

// IsValid reports whether the status is one of the defined run statuses.
func (s RunStatus) IsValid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status marks a finished run.
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// String returns the status as stored in the database.
func (s RunStatus) String() string {
	return string(s)
}

// IsValid reports whether the stage is one of the defined pipeline stages.
func (s FailureStage) IsValid() bool {
	switch s {
	case StageTransform, StageValidate, StageLoad:
		return true
	default:
		return false
	}
}

// String returns the stage as stored in the database.
func (s FailureStage) String() string {
	return string(s)
}

// IsValid reports whether the status is one of the defined dispositions.
func (s FailureStatus) IsValid() bool {
	switch s {
	case FailurePending, FailureResolved, FailureIgnored, FailureRetrying:
		return true
	default:
		return false
	}
}

// String returns the disposition as stored in the database.
func (s FailureStatus) String() string {
	return string(s)
}

// Checkpoint records how far one table has synchronized.
//
// The composite cursor (LastTimestamp, LastPrimaryKey) is strictly
// monotonic: Advance rejects any position at or behind the stored one. A
// zero LastTimestamp means the table has never synced and the next run
// scans from the beginning.
type Checkpoint struct {
	TableName      string
	LastTimestamp  time.Time
	LastPrimaryKey record.Value

	// LastOffset counts rows consumed by the current run; CompleteRun
	// resets it so finished runs always read as offset zero.
	LastOffset    int64
	RecordsSynced int64
	TotalEstimate int64

	Status    RunStatus
	RunID     string
	LastError string

	StartedAt   time.Time
	CompletedAt time.Time
	LastRunAt   time.Time
	UpdatedAt   time.Time
}

// HasCursor reports whether the table has ever advanced past the beginning.
func (c *Checkpoint) HasCursor() bool {
	return !c.LastTimestamp.IsZero()
}

// FailedRecord is one rejected row preserved for operator review.
//
// Records are append-mostly: the pipeline only inserts, and only operator
// actions (resolve, ignore, retry) mutate them afterwards.
type FailedRecord struct {
	ID             int64
	RunID          string
	TableName      string
	SourceRecordID string

	Stage        FailureStage
	ErrorKind    string
	ErrorMessage string
	ErrorDetails string

	// SourceData is the extracted row as read from the source.
	// TransformedData is present only when the row survived the transform
	// stage before being rejected.
	SourceData      record.Row
	TransformedData record.Row

	RetryCount int
	Status     FailureStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FailureFilter narrows failure queries. Zero-valued fields do not filter.
type FailureFilter struct {
	Table  string
	Status FailureStatus
	Stage  FailureStage
	RunID  string
	Limit  int
	Offset int
}

// FailureStats summarizes the failure store for the stats command.
type FailureStats struct {
	Total    int64
	ByStatus map[FailureStatus]int64
	ByTable  map[string]int64
	ByStage  map[FailureStage]int64
}

// RunMetrics is one per-table, per-run timing row.
type RunMetrics struct {
	ID        int64
	RunID     string
	TableName string

	Extracted int64
	Loaded    int64
	Failed    int64
	Deleted   int64

	ExtractMs   int64
	TransformMs int64
	ValidateMs  int64
	LoadMs      int64
	TotalMs     int64

	Status     RunStatus
	RecordedAt time.Time
}
