package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/syncline-io/syncline/internal/config"
	"github.com/syncline-io/syncline/internal/events"
	"github.com/syncline-io/syncline/internal/extract"
	"github.com/syncline-io/syncline/internal/load"
	"github.com/syncline-io/syncline/internal/record"
	"github.com/syncline-io/syncline/internal/state"
	"github.com/syncline-io/syncline/internal/state/memory"
)

func pipeConfig() *config.Config {
	return &config.Config{
		Sync: config.SyncConfig{
			BatchSize:  2,
			MaxWorkers: 2,
			Retry:      config.RetryConfig{MaxAttempts: 1},
		},
	}
}

func pipeMapping() config.TableMapping {
	return config.TableMapping{
		SourceTable:     "orders",
		TargetTable:     "orders",
		PrimaryKey:      "id",
		TimestampColumn: "updated_at",
		BatchSize:       2,
		Mode:            config.ModeUpsert,
		Columns: []config.FieldMapping{
			{Source: "id", Target: "id", Type: "int"},
			{Source: "qty", Target: "qty", Type: "int", Rules: []config.RuleSpec{{Rule: "nonNegative"}}},
		},
	}
}

func change(id int64, qty record.Value, ts time.Time) extract.Change {
	row := record.Row{
		"id":         record.Int(id),
		"qty":        qty,
		"updated_at": record.Time(ts),
	}

	return extract.Change{Row: row, Timestamp: ts, PK: record.Int(id)}
}

// scriptedStream replays canned changes; err surfaces once they drain.
type scriptedStream struct {
	changes []extract.Change
	pos     int
	err     error
	cur     extract.Cursor
}

func (s *scriptedStream) Next(context.Context) bool {
	if s.pos >= len(s.changes) {
		return false
	}

	ch := s.changes[s.pos]
	s.pos++
	s.cur = extract.Cursor{Timestamp: ch.Timestamp, PK: ch.PK}

	return true
}

func (s *scriptedStream) Change() *extract.Change { return &s.changes[s.pos-1] }

func (s *scriptedStream) Err() error {
	if s.pos >= len(s.changes) {
		return s.err
	}

	return nil
}

func (s *scriptedStream) Cursor() extract.Cursor { return s.cur }

// scriptedSource serves an ordered change history per table. Changes honors
// the cursor the same way the real extractor does, so resume tests replay
// only rows strictly past it.
type scriptedSource struct {
	history     map[string][]extract.Change
	softDeleted map[string][]record.Value
	streamErr   error
}

func (s *scriptedSource) pending(m config.TableMapping, cur extract.Cursor) []extract.Change {
	var out []extract.Change

	for _, ch := range s.history[m.SourceTable] {
		if !cur.Valid() || afterCursor(ch, cur) {
			out = append(out, ch)
		}
	}

	return out
}

func afterCursor(ch extract.Change, cur extract.Cursor) bool {
	if ch.Timestamp.After(cur.Timestamp) {
		return true
	}

	if !ch.Timestamp.Equal(cur.Timestamp) {
		return false
	}

	cmp, err := ch.PK.Compare(cur.PK)

	return err == nil && cmp > 0
}

func (s *scriptedSource) Changes(m config.TableMapping, cur extract.Cursor) ChangeStream {
	return &scriptedStream{changes: s.pending(m, cur), err: s.streamErr, cur: cur}
}

func (s *scriptedSource) CountSince(_ context.Context, m config.TableMapping, cur extract.Cursor) (int64, error) {
	return int64(len(s.pending(m, cur))), nil
}

func (s *scriptedSource) SnapshotIDs(_ context.Context, m config.TableMapping) ([]record.Value, error) {
	seen := make(map[string]struct{})

	var ids []record.Value

	for _, ch := range s.history[m.SourceTable] {
		if _, dup := seen[ch.PK.Display()]; dup {
			continue
		}

		seen[ch.PK.Display()] = struct{}{}
		ids = append(ids, ch.PK)
	}

	return ids, nil
}

func (s *scriptedSource) SoftDeletedSince(_ context.Context, m config.TableMapping, _ time.Time) ([]record.Value, error) {
	return s.softDeleted[m.SourceTable], nil
}

// scriptedTarget applies loads in memory. Keys listed in poison fail per
// row; loadErr fails whole batches.
type scriptedTarget struct {
	mu          sync.Mutex
	rows        map[string]map[string]record.Row
	batchSizes  map[string][]int
	poison      map[string]error
	loadErr     map[string]error
	softDeleted map[string][]string
	onLoad      func()
}

func newScriptedTarget() *scriptedTarget {
	return &scriptedTarget{
		rows:        make(map[string]map[string]record.Row),
		batchSizes:  make(map[string][]int),
		poison:      make(map[string]error),
		loadErr:     make(map[string]error),
		softDeleted: make(map[string][]string),
	}
}

func (t *scriptedTarget) table(name string) map[string]record.Row {
	if t.rows[name] == nil {
		t.rows[name] = make(map[string]record.Row)
	}

	return t.rows[name]
}

func (t *scriptedTarget) LoadBatch(_ context.Context, m config.TableMapping, rows []record.Row) (load.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.onLoad != nil {
		defer t.onLoad()
	}

	if err := t.loadErr[m.SourceTable]; err != nil {
		return load.Result{}, err
	}

	var res load.Result

	stored := t.table(m.TargetTable)

	for _, row := range rows {
		key := row[m.PrimaryKey].Display()

		if err, bad := t.poison[key]; bad {
			res.Failed = append(res.Failed, load.RowError{Row: row, Err: err})

			continue
		}

		if _, exists := stored[key]; exists {
			res.Updated++
		} else {
			res.Inserted++
		}

		stored[key] = row
	}

	t.batchSizes[m.SourceTable] = append(t.batchSizes[m.SourceTable], len(rows))

	return res, nil
}

func (t *scriptedTarget) Delete(_ context.Context, m config.TableMapping, ids []record.Value, soft bool) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stored := t.table(m.TargetTable)

	var n int64

	for _, id := range ids {
		key := id.Display()

		if soft {
			t.softDeleted[m.TargetTable] = append(t.softDeleted[m.TargetTable], key)
			n++

			continue
		}

		if _, exists := stored[key]; exists {
			delete(stored, key)
			n++
		}
	}

	return n, nil
}

func (t *scriptedTarget) ExistingIDs(_ context.Context, m config.TableMapping) (map[string]record.Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make(map[string]record.Value)

	for key, row := range t.table(m.TargetTable) {
		ids[key] = row[m.PrimaryKey]
	}

	return ids, nil
}

func (t *scriptedTarget) Verify(_ context.Context, m config.TableMapping, sample []record.Value) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stored := t.table(m.TargetTable)

	var n int64

	for _, id := range sample {
		if _, ok := stored[id.Display()]; ok {
			n++
		}
	}

	return n, nil
}

type recordingEmitter struct {
	mu  sync.Mutex
	evs []events.Event
}

func (e *recordingEmitter) Emit(_ context.Context, ev events.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.evs = append(e.evs, ev)

	return nil
}

func (e *recordingEmitter) Close() error { return nil }

func newOrchestrator(t *testing.T, src *scriptedSource, tgt *scriptedTarget, em events.Emitter, ms ...config.TableMapping) (*Orchestrator, state.Store) {
	t.Helper()

	tables, err := CompileTables(ms)
	if err != nil {
		t.Fatalf("CompileTables() error = %v", err)
	}

	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })

	return New(pipeConfig(), tables, st, src, tgt, em), st
}

func ts(sec int) time.Time {
	return time.Date(2024, 6, 1, 12, 0, sec, 0, time.UTC)
}

func TestRunAdvancesByLastInputRow(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	src := &scriptedSource{history: map[string][]extract.Change{
		"orders": {
			change(1, record.Int(5), ts(1)),
			change(2, record.Int(5), ts(2)),
			change(3, record.Int(5), ts(3)),
			change(4, record.Int(5), ts(4)),
			change(5, record.Int(5), ts(5)),
		},
	}}
	tgt := newScriptedTarget()
	em := &recordingEmitter{}
	o, st := newOrchestrator(t, src, tgt, em, pipeMapping())

	report, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rep := report.Tables[0]
	if rep.Status != state.StatusCompleted {
		t.Fatalf("status = %s, err = %v", rep.Status, rep.Err)
	}

	if rep.Extracted != 5 || rep.Loaded != 5 || rep.Failed != 0 {
		t.Errorf("counters = %d/%d/%d, want 5/5/0", rep.Extracted, rep.Loaded, rep.Failed)
	}

	cp, err := st.Checkpoint(context.Background(), "orders")
	if err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	if !cp.LastTimestamp.Equal(ts(5)) || cp.LastPrimaryKey.Display() != "5" {
		t.Errorf("cursor = (%s, %s), want (ts5, 5)", cp.LastTimestamp, cp.LastPrimaryKey.Display())
	}

	if cp.Status != state.StatusCompleted || cp.RecordsSynced != 5 {
		t.Errorf("checkpoint status/synced = %s/%d", cp.Status, cp.RecordsSynced)
	}

	// Batch size two splits five rows into 2+2+1.
	sizes := tgt.batchSizes["orders"]
	if len(sizes) != 3 || sizes[0] != 2 || sizes[2] != 1 {
		t.Errorf("batch sizes = %v, want [2 2 1]", sizes)
	}

	var types []events.EventType
	for _, ev := range em.evs {
		types = append(types, ev.Type)
	}

	want := []events.EventType{events.RunStarted, events.TableSynced, events.RunCompleted}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("event types = %v, want %v", types, want)
	}
}

func TestRunResumesMidTimestampTie(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Rows 2, 3, and 4 share one timestamp; the stored cursor sits on the
	// middle of the tie.
	shared := ts(2)
	src := &scriptedSource{history: map[string][]extract.Change{
		"orders": {
			change(1, record.Int(1), ts(1)),
			change(2, record.Int(1), shared),
			change(3, record.Int(1), shared),
			change(4, record.Int(1), shared),
			change(5, record.Int(1), ts(3)),
		},
	}}
	tgt := newScriptedTarget()
	o, st := newOrchestrator(t, src, tgt, nil, pipeMapping())

	ctx := context.Background()

	if _, err := st.StartRun(ctx, "orders", "seed", 0); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	if err := st.Advance(ctx, "orders", shared, record.Int(3), 3); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	if err := st.CompleteRun(ctx, "orders", shared); err != nil {
		t.Fatalf("CompleteRun() error = %v", err)
	}

	report, err := o.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rep := report.Tables[0]
	if rep.Status != state.StatusCompleted {
		t.Fatalf("status = %s, err = %v", rep.Status, rep.Err)
	}

	// Only the tail of the tie and the later row replay.
	if rep.Extracted != 2 {
		t.Errorf("extracted = %d, want 2", rep.Extracted)
	}

	stored := tgt.rows["orders"]
	if len(stored) != 2 {
		t.Errorf("target rows = %d, want 2", len(stored))
	}

	for _, key := range []string{"4", "5"} {
		if _, ok := stored[key]; !ok {
			t.Errorf("target missing row %s", key)
		}
	}
}

func TestRunIsolatesPoisonRows(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Row 2 cannot coerce, row 3 fails validation, row 4 is rejected by the
	// target. The cursor must still advance past all of them.
	src := &scriptedSource{history: map[string][]extract.Change{
		"orders": {
			change(1, record.Int(5), ts(1)),
			change(2, record.String("junk"), ts(2)),
			change(3, record.Int(-1), ts(3)),
			change(4, record.Int(5), ts(4)),
		},
	}}
	tgt := newScriptedTarget()
	tgt.poison["4"] = errors.New("value too long for column")

	o, st := newOrchestrator(t, src, tgt, nil, pipeMapping())
	ctx := context.Background()

	report, err := o.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rep := report.Tables[0]
	if rep.Status != state.StatusCompleted {
		t.Fatalf("status = %s, err = %v", rep.Status, rep.Err)
	}

	if rep.Extracted != 4 || rep.Loaded != 1 || rep.Failed != 3 {
		t.Errorf("counters = %d/%d/%d, want 4/1/3", rep.Extracted, rep.Loaded, rep.Failed)
	}

	cp, err := st.Checkpoint(ctx, "orders")
	if err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	if !cp.LastTimestamp.Equal(ts(4)) {
		t.Errorf("cursor ts = %s, want ts4", cp.LastTimestamp)
	}

	stages := map[state.FailureStage]string{
		state.StageTransform: "2",
		state.StageValidate:  "3",
		state.StageLoad:      "4",
	}

	for stage, wantID := range stages {
		recs, err := st.ListFailures(ctx, state.FailureFilter{Stage: stage})
		if err != nil {
			t.Fatalf("ListFailures(%s) error = %v", stage, err)
		}

		if len(recs) != 1 {
			t.Fatalf("failures at %s = %d, want 1", stage, len(recs))
		}

		rec := recs[0]
		if rec.SourceRecordID != wantID {
			t.Errorf("%s failure id = %s, want %s", stage, rec.SourceRecordID, wantID)
		}

		if rec.Status != state.FailurePending || rec.SourceData == nil {
			t.Errorf("%s failure status/source = %s/%v", stage, rec.Status, rec.SourceData)
		}

		if stage == state.StageTransform && rec.TransformedData != nil {
			t.Errorf("transform failure should not carry transformed data")
		}

		if stage != state.StageTransform && rec.TransformedData == nil {
			t.Errorf("%s failure should carry transformed data", stage)
		}
	}
}

func TestRunCancelledBetweenBatches(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	src := &scriptedSource{history: map[string][]extract.Change{
		"orders": {
			change(1, record.Int(1), ts(1)),
			change(2, record.Int(1), ts(2)),
			change(3, record.Int(1), ts(3)),
			change(4, record.Int(1), ts(4)),
		},
	}}
	tgt := newScriptedTarget()

	ctx, cancel := context.WithCancel(context.Background())
	tgt.onLoad = cancel

	o, st := newOrchestrator(t, src, tgt, nil, pipeMapping())

	report, err := o.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rep := report.Tables[0]
	if rep.Status != state.StatusFailed || !errors.Is(rep.Err, context.Canceled) {
		t.Fatalf("status = %s, err = %v, want failed/cancelled", rep.Status, rep.Err)
	}

	cp, err := st.Checkpoint(context.Background(), "orders")
	if err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	// The first batch committed and advanced; the second never started.
	if cp.LastError != "cancelled" || !cp.LastTimestamp.Equal(ts(2)) {
		t.Errorf("checkpoint = %q at %s, want cancelled at ts2", cp.LastError, cp.LastTimestamp)
	}

	if len(tgt.rows["orders"]) != 2 {
		t.Errorf("target rows = %d, want 2", len(tgt.rows["orders"]))
	}
}

func TestRunFailsOnStreamError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	src := &scriptedSource{
		history: map[string][]extract.Change{
			"orders": {change(1, record.Int(1), ts(1))},
		},
		streamErr: fmt.Errorf("%w: duplicate cursor pair", extract.ErrSourceIntegrity),
	}
	tgt := newScriptedTarget()
	o, st := newOrchestrator(t, src, tgt, nil, pipeMapping())

	report, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rep := report.Tables[0]
	if rep.Status != state.StatusFailed || !errors.Is(rep.Err, extract.ErrSourceIntegrity) {
		t.Fatalf("status = %s, err = %v, want source integrity failure", rep.Status, rep.Err)
	}

	// The partial batch never landed and the cursor never moved.
	cp, err := st.Checkpoint(context.Background(), "orders")
	if err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	if cp.HasCursor() || len(tgt.rows["orders"]) != 0 {
		t.Errorf("cursor = %v, target rows = %d, want frozen", cp.LastTimestamp, len(tgt.rows["orders"]))
	}
}

func TestRunCursorModes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	history := map[string][]extract.Change{
		"orders": {
			change(1, record.Int(1), ts(1)),
			change(2, record.Int(1), ts(2)),
			change(3, record.Int(1), ts(3)),
		},
	}

	seed := func(t *testing.T, st state.Store, status state.RunStatus) {
		t.Helper()

		ctx := context.Background()

		if _, err := st.StartRun(ctx, "orders", "seed", 0); err != nil {
			t.Fatalf("StartRun() error = %v", err)
		}

		if err := st.Advance(ctx, "orders", ts(2), record.Int(2), 2); err != nil {
			t.Fatalf("Advance() error = %v", err)
		}

		if status == state.StatusCompleted {
			if err := st.CompleteRun(ctx, "orders", ts(2)); err != nil {
				t.Fatalf("CompleteRun() error = %v", err)
			}
		} else {
			if err := st.FailRun(ctx, "orders", "boom"); err != nil {
				t.Fatalf("FailRun() error = %v", err)
			}
		}
	}

	t.Run("incremental resumes from completed cursor", func(t *testing.T) {
		o, st := newOrchestrator(t, &scriptedSource{history: history}, newScriptedTarget(), nil, pipeMapping())
		seed(t, st, state.StatusCompleted)

		report, _ := o.Run(context.Background(), Options{})
		if got := report.Tables[0].Extracted; got != 1 {
			t.Errorf("extracted = %d, want 1", got)
		}
	})

	t.Run("full rescans everything", func(t *testing.T) {
		o, st := newOrchestrator(t, &scriptedSource{history: history}, newScriptedTarget(), nil, pipeMapping())
		seed(t, st, state.StatusCompleted)

		report, _ := o.Run(context.Background(), Options{Full: true})
		if got := report.Tables[0].Extracted; got != 3 {
			t.Errorf("extracted = %d, want 3", got)
		}
	})

	t.Run("no-resume restarts interrupted tables", func(t *testing.T) {
		o, st := newOrchestrator(t, &scriptedSource{history: history}, newScriptedTarget(), nil, pipeMapping())
		seed(t, st, state.StatusFailed)

		report, _ := o.Run(context.Background(), Options{NoResume: true})
		if got := report.Tables[0].Extracted; got != 3 {
			t.Errorf("extracted = %d, want 3", got)
		}
	})

	t.Run("no-resume keeps completed cursors", func(t *testing.T) {
		o, st := newOrchestrator(t, &scriptedSource{history: history}, newScriptedTarget(), nil, pipeMapping())
		seed(t, st, state.StatusCompleted)

		report, _ := o.Run(context.Background(), Options{NoResume: true})
		if got := report.Tables[0].Extracted; got != 1 {
			t.Errorf("extracted = %d, want 1", got)
		}
	})

	t.Run("failed checkpoint resumes by default", func(t *testing.T) {
		o, st := newOrchestrator(t, &scriptedSource{history: history}, newScriptedTarget(), nil, pipeMapping())
		seed(t, st, state.StatusFailed)

		report, _ := o.Run(context.Background(), Options{})
		if got := report.Tables[0].Extracted; got != 1 {
			t.Errorf("extracted = %d, want 1", got)
		}
	})
}

func TestRunClearsStaleRunning(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	src := &scriptedSource{history: map[string][]extract.Change{
		"orders": {
			change(1, record.Int(1), ts(1)),
			change(2, record.Int(1), ts(2)),
			change(3, record.Int(1), ts(3)),
		},
	}}
	tgt := newScriptedTarget()
	o, st := newOrchestrator(t, src, tgt, nil, pipeMapping())

	ctx := context.Background()

	// A crashed process left the table running with a mid-run cursor.
	if _, err := st.StartRun(ctx, "orders", "dead-run", 0); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	if err := st.Advance(ctx, "orders", ts(1), record.Int(1), 1); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	report, err := o.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rep := report.Tables[0]
	if rep.Status != state.StatusCompleted {
		t.Fatalf("status = %s, err = %v", rep.Status, rep.Err)
	}

	// Resume picked up after the dead run's cursor.
	if rep.Extracted != 2 {
		t.Errorf("extracted = %d, want 2", rep.Extracted)
	}
}

func TestRunSoftDeletePass(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := pipeMapping()
	m.DeleteMode = config.DeleteSoft
	m.SoftDeleteColumn = "deleted_at"

	src := &scriptedSource{
		history: map[string][]extract.Change{
			"orders": {change(1, record.Int(1), ts(1))},
		},
		softDeleted: map[string][]record.Value{
			"orders": {record.Int(9), record.Int(10)},
		},
	}
	tgt := newScriptedTarget()
	o, _ := newOrchestrator(t, src, tgt, nil, m)

	report, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rep := report.Tables[0]
	if rep.Status != state.StatusCompleted || rep.Deleted != 2 {
		t.Fatalf("status = %s, deleted = %d, want completed/2", rep.Status, rep.Deleted)
	}

	marked := tgt.softDeleted["orders"]
	if len(marked) != 2 || marked[0] != "9" || marked[1] != "10" {
		t.Errorf("soft deleted = %v, want [9 10]", marked)
	}
}

func TestRunHardDeletePass(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := pipeMapping()
	m.DeleteMode = config.DeleteHard
	m.DetectHardDeletes = true

	src := &scriptedSource{history: map[string][]extract.Change{
		"orders": {
			change(1, record.Int(1), ts(1)),
			change(2, record.Int(1), ts(2)),
		},
	}}
	tgt := newScriptedTarget()

	// Row 3 exists only on the target; the source dropped it.
	tgt.table("orders")["3"] = record.Row{"id": record.Int(3), "qty": record.Int(1)}

	o, _ := newOrchestrator(t, src, tgt, nil, m)

	report, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rep := report.Tables[0]
	if rep.Status != state.StatusCompleted || rep.Deleted != 1 {
		t.Fatalf("status = %s, deleted = %d, want completed/1", rep.Status, rep.Deleted)
	}

	if _, gone := tgt.rows["orders"]["3"]; gone {
		t.Error("row 3 should have been removed from the target")
	}

	if len(tgt.rows["orders"]) != 2 {
		t.Errorf("target rows = %d, want 2", len(tgt.rows["orders"]))
	}
}

func TestRunTableIndependence(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	orders := pipeMapping()

	customers := pipeMapping()
	customers.SourceTable = "customers"
	customers.TargetTable = "customers"

	src := &scriptedSource{history: map[string][]extract.Change{
		"orders":    {change(1, record.Int(1), ts(1))},
		"customers": {change(1, record.Int(1), ts(1))},
	}}
	tgt := newScriptedTarget()
	tgt.loadErr["orders"] = errors.New("target exploded")

	o, st := newOrchestrator(t, src, tgt, nil, orders, customers)

	report, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !report.Failed() {
		t.Fatal("report should be marked failed")
	}

	byTable := make(map[string]*TableReport)
	for _, rep := range report.Tables {
		byTable[rep.Table] = rep
	}

	if byTable["orders"].Status != state.StatusFailed {
		t.Errorf("orders status = %s, want failed", byTable["orders"].Status)
	}

	if byTable["customers"].Status != state.StatusCompleted {
		t.Errorf("customers status = %s, want completed", byTable["customers"].Status)
	}

	cp, err := st.Checkpoint(context.Background(), "customers")
	if err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	if cp.Status != state.StatusCompleted {
		t.Errorf("customers checkpoint = %s, want completed", cp.Status)
	}
}

func TestRunRejectsUnknownTable(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	o, _ := newOrchestrator(t, &scriptedSource{}, newScriptedTarget(), nil, pipeMapping())

	if _, err := o.Run(context.Background(), Options{Tables: []string{"nope"}}); err == nil {
		t.Fatal("Run() with unknown table should fail")
	}
}
