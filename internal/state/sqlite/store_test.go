package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/syncline-io/syncline/internal/record"
	"github.com/syncline-io/syncline/internal/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestCheckpointPersistsAcrossReopen(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ts := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)

	if _, err := s.StartRun(ctx, "users", "run-1", 400); err != nil {
		t.Fatalf("StartRun() error: %v", err)
	}

	if err := s.Advance(ctx, "users", ts, record.Int(77), 100); err != nil {
		t.Fatalf("Advance() error: %v", err)
	}

	if err := s.CompleteRun(ctx, "users", ts); err != nil {
		t.Fatalf("CompleteRun() error: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("Reopen error: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	cp, err := reopened.Checkpoint(ctx, "users")
	if err != nil {
		t.Fatalf("Checkpoint() after reopen error: %v", err)
	}

	if cp.Status != state.StatusCompleted {
		t.Errorf("Status = %s, want completed", cp.Status)
	}

	if !cp.LastTimestamp.Equal(ts) {
		t.Errorf("LastTimestamp = %s, want %s (nanosecond precision must survive)", cp.LastTimestamp, ts)
	}

	pk, ok := cp.LastPrimaryKey.IntVal()
	if !ok || pk != 77 {
		t.Errorf("LastPrimaryKey = %s, want int 77", cp.LastPrimaryKey.Display())
	}

	if cp.RecordsSynced != 100 || cp.LastOffset != 0 {
		t.Errorf("Counters = synced %d offset %d, want 100/0", cp.RecordsSynced, cp.LastOffset)
	}

	if cp.TotalEstimate != 400 {
		t.Errorf("TotalEstimate = %d, want 400", cp.TotalEstimate)
	}
}

func TestAdvanceEnforcesCursorOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.StartRun(ctx, "orders", "run-1", 0); err != nil {
		t.Fatalf("StartRun() error: %v", err)
	}

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if err := s.Advance(ctx, "orders", base, record.Int(50), 10); err != nil {
		t.Fatalf("Advance() error: %v", err)
	}

	if err := s.Advance(ctx, "orders", base, record.Int(50), 10); !errors.Is(err, state.ErrCursorRegression) {
		t.Errorf("Same position should regress, got %v", err)
	}

	if err := s.Advance(ctx, "orders", base.Add(-time.Second), record.Int(99), 10); !errors.Is(err, state.ErrCursorRegression) {
		t.Errorf("Earlier timestamp should regress, got %v", err)
	}

	if err := s.Advance(ctx, "orders", base, record.Int(51), 5); err != nil {
		t.Errorf("Tie-break advance failed: %v", err)
	}

	cp, _ := s.Checkpoint(ctx, "orders")
	if cp.RecordsSynced != 15 {
		t.Errorf("RecordsSynced = %d, want 15", cp.RecordsSynced)
	}
}

func TestStartRunConflict(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.StartRun(ctx, "users", "run-1", 0); err != nil {
		t.Fatalf("StartRun() error: %v", err)
	}

	if _, err := s.StartRun(ctx, "users", "run-2", 0); !errors.Is(err, state.ErrRunConflict) {
		t.Errorf("Expected ErrRunConflict, got %v", err)
	}

	if _, err := s.StartRun(ctx, "users", "run-1", 0); err != nil {
		t.Errorf("Same run id should restart cleanly, got %v", err)
	}

	if err := s.FailRun(ctx, "users", "interrupted"); err != nil {
		t.Fatalf("FailRun() error: %v", err)
	}

	running, err := s.ListRunning(ctx)
	if err != nil {
		t.Fatalf("ListRunning() error: %v", err)
	}

	if len(running) != 0 {
		t.Errorf("ListRunning() after failure = %d entries, want 0", len(running))
	}

	if _, err := s.StartRun(ctx, "users", "run-3", 0); err != nil {
		t.Errorf("StartRun() after failure error: %v", err)
	}
}

func TestStringPrimaryKeyRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	s := newTestStore(t)

	_, _ = s.StartRun(ctx, "events", "run-1", 0)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if err := s.Advance(ctx, "events", ts, record.String("evt-00042"), 1); err != nil {
		t.Fatalf("Advance() error: %v", err)
	}

	cp, _ := s.Checkpoint(ctx, "events")

	pk, ok := cp.LastPrimaryKey.StringVal()
	if !ok || pk != "evt-00042" {
		t.Errorf("LastPrimaryKey = %s (%s), want string evt-00042", cp.LastPrimaryKey.Display(), cp.LastPrimaryKey.Kind())
	}

	// Lexicographically larger string pk at the same timestamp advances.
	if err := s.Advance(ctx, "events", ts, record.String("evt-00043"), 1); err != nil {
		t.Errorf("String tie-break advance failed: %v", err)
	}
}

func TestFailureRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	s := newTestStore(t)

	rec := &state.FailedRecord{
		RunID:          "run-1",
		TableName:      "users",
		SourceRecordID: "101",
		Stage:          state.StageTransform,
		ErrorKind:      "transform",
		ErrorMessage:   "signup_date: cannot parse \"13/45/2024\" as datetime",
		SourceData: record.Row{
			"id":          record.Int(101),
			"signup_date": record.String("13/45/2024"),
			"email":       record.String("a@b.co"),
		},
	}

	id, err := s.AppendFailure(ctx, rec)
	if err != nil {
		t.Fatalf("AppendFailure() error: %v", err)
	}

	got, err := s.ListFailures(ctx, state.FailureFilter{Table: "users"})
	if err != nil {
		t.Fatalf("ListFailures() error: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("ListFailures() = %d records, want 1", len(got))
	}

	if got[0].ID != id || got[0].Status != state.FailurePending {
		t.Errorf("Record = id %d status %s, want id %d pending", got[0].ID, got[0].Status, id)
	}

	if !got[0].SourceData["id"].Equal(record.Int(101)) {
		t.Errorf("SourceData id = %s, want 101", got[0].SourceData["id"].Display())
	}

	if got[0].TransformedData != nil {
		t.Error("TransformedData should stay nil through storage")
	}

	count, err := s.RetryFailure(ctx, id)
	if err != nil {
		t.Fatalf("RetryFailure() error: %v", err)
	}

	if count != 1 {
		t.Errorf("RetryFailure() = %d, want 1", count)
	}

	if _, err := s.RetryFailure(ctx, 9999); !errors.Is(err, state.ErrFailureNotFound) {
		t.Errorf("Expected ErrFailureNotFound, got %v", err)
	}

	if err := s.IgnoreFailure(ctx, id); err != nil {
		t.Fatalf("IgnoreFailure() error: %v", err)
	}

	stats, err := s.FailureStats(ctx)
	if err != nil {
		t.Fatalf("FailureStats() error: %v", err)
	}

	if stats.Total != 1 || stats.ByStatus[state.FailureIgnored] != 1 || stats.ByStage[state.StageTransform] != 1 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestPurgeFailuresCutoff(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	s := newTestStore(t)

	old := time.Now().UTC().Add(-72 * time.Hour)

	recs := []*state.FailedRecord{
		{TableName: "a", Stage: state.StageLoad, SourceData: record.Row{}, Status: state.FailureResolved, CreatedAt: old},
		{TableName: "a", Stage: state.StageLoad, SourceData: record.Row{}, Status: state.FailureIgnored, CreatedAt: old},
		{TableName: "a", Stage: state.StageLoad, SourceData: record.Row{}, Status: state.FailurePending, CreatedAt: old},
		{TableName: "a", Stage: state.StageLoad, SourceData: record.Row{}, Status: state.FailureResolved},
	}
	if err := s.AppendFailures(ctx, recs); err != nil {
		t.Fatalf("AppendFailures() error: %v", err)
	}

	n, err := s.PurgeFailures(ctx, time.Now().UTC().Add(-24*time.Hour), nil)
	if err != nil {
		t.Fatalf("PurgeFailures() error: %v", err)
	}

	if n != 2 {
		t.Errorf("PurgeFailures() = %d, want 2 (old resolved and old ignored)", n)
	}

	left, _ := s.CountFailures(ctx, state.FailureFilter{})
	if left != 2 {
		t.Errorf("Remaining = %d, want 2", left)
	}

	pending, _ := s.CountFailures(ctx, state.FailureFilter{Status: state.FailurePending})
	if pending != 1 {
		t.Errorf("Pending record must survive purge, got %d", pending)
	}
}

func TestMetricsRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	s := newTestStore(t)

	for i := 1; i <= 3; i++ {
		m := &state.RunMetrics{
			RunID:     "run-1",
			TableName: "users",
			Extracted: int64(i * 10),
			Loaded:    int64(i * 10),
			ExtractMs: 12,
			LoadMs:    34,
			TotalMs:   50,
			Status:    state.StatusCompleted,
		}
		if err := s.RecordMetrics(ctx, m); err != nil {
			t.Fatalf("RecordMetrics() error: %v", err)
		}
	}

	recent, err := s.RecentMetrics(ctx, "users", 2)
	if err != nil {
		t.Fatalf("RecentMetrics() error: %v", err)
	}

	if len(recent) != 2 {
		t.Fatalf("RecentMetrics() = %d rows, want 2", len(recent))
	}

	if recent[0].Extracted != 30 {
		t.Errorf("Newest first expected 30, got %d", recent[0].Extracted)
	}

	if recent[0].Status != state.StatusCompleted || recent[0].RecordedAt.IsZero() {
		t.Errorf("Metrics row = %+v", recent[0])
	}
}
