package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/syncline-io/syncline/internal/config"
	"github.com/syncline-io/syncline/internal/events"
	"github.com/syncline-io/syncline/internal/extract"
	"github.com/syncline-io/syncline/internal/record"
	"github.com/syncline-io/syncline/internal/state"
	"github.com/syncline-io/syncline/internal/transform"
	"github.com/syncline-io/syncline/internal/validate"
)

const (
	// storeTimeout bounds terminal-state writes issued after the run
	// context is already cancelled.
	storeTimeout = 5 * time.Second

	verifySampleSize = 100
)

// Run executes one sync round over the selected tables. Tables fan out over
// a worker pool bounded by sync.max_workers; each failure is captured in its
// table's report and never cancels a sibling. The returned error covers only
// failures before any table work started.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*RunReport, error) {
	selected, err := o.tables.selectTables(opts.Tables)
	if err != nil {
		return nil, err
	}

	report := &RunReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Tables:    make([]*TableReport, len(selected)),
	}

	if err := o.clearStaleRuns(ctx); err != nil {
		return nil, err
	}

	o.logger.Info("sync run starting",
		slog.String("run_id", report.RunID),
		slog.Int("tables", len(selected)),
		slog.Bool("full", opts.Full))

	o.emit(ctx, events.Event{Type: events.RunStarted, RunID: report.RunID, Tables: len(selected)})

	var g errgroup.Group

	g.SetLimit(o.maxWorkers())

	for i, tp := range selected {
		g.Go(func() error {
			report.Tables[i] = o.syncTable(ctx, report.RunID, tp, opts)

			return nil
		})
	}

	_ = g.Wait()

	report.FinishedAt = time.Now().UTC()

	status := "completed"
	if report.Failed() {
		status = "failed"
	}

	o.emit(ctx, events.Event{
		Type:   events.RunCompleted,
		RunID:  report.RunID,
		Status: status,
		Tables: len(selected),
	})

	o.logger.Info("sync run finished",
		slog.String("run_id", report.RunID),
		slog.String("status", status),
		slog.Duration("took", report.FinishedAt.Sub(report.StartedAt)))

	return report, nil
}

func (o *Orchestrator) maxWorkers() int {
	if n := o.cfg.Sync.MaxWorkers; n > 0 {
		return n
	}

	return 1
}

// clearStaleRuns fails checkpoints left running by a crashed process so
// their cursors become resumable. The scheduler lock guarantees no live
// process still owns them.
func (o *Orchestrator) clearStaleRuns(ctx context.Context) error {
	stale, err := o.store.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("failed to list running checkpoints: %w", err)
	}

	for _, cp := range stale {
		o.logger.Warn("clearing stale running checkpoint",
			slog.String("table", cp.TableName),
			slog.String("run_id", cp.RunID))

		if err := o.store.FailRun(ctx, cp.TableName, "interrupted: previous run did not finish"); err != nil {
			return fmt.Errorf("failed to clear stale checkpoint for %s: %w", cp.TableName, err)
		}
	}

	return nil
}

// phaseTimings accumulates wall-clock time per pipeline stage.
type phaseTimings struct {
	ex, tr, va, ld time.Duration
}

func (o *Orchestrator) syncTable(ctx context.Context, runID string, tp *tablePipeline, opts Options) *TableReport {
	m := tp.mapping
	rep := &TableReport{Table: m.SourceTable, Status: state.StatusFailed}
	started := time.Now()

	defer func() { rep.Duration = time.Since(started) }()

	cur, err := o.startCursor(ctx, m, opts)
	if err != nil {
		rep.Err = err

		return rep
	}

	estimate, err := o.source.CountSince(ctx, m, cur)
	if err != nil {
		o.logger.Warn("row count estimate unavailable",
			slog.String("table", m.SourceTable),
			slog.String("error", err.Error()))

		estimate = 0
	}

	if _, err := o.store.StartRun(ctx, m.SourceTable, runID, estimate); err != nil {
		rep.Err = fmt.Errorf("failed to start run on %s: %w", m.SourceTable, err)

		return rep
	}

	o.logger.Info("table sync started",
		slog.String("table", m.SourceTable),
		slog.String("run_id", runID),
		slog.Int64("estimate", estimate))

	tm := &phaseTimings{}

	final, err := o.syncLoop(ctx, runID, tp, cur, rep, tm)
	if err == nil {
		err = o.deletePass(ctx, tp, cur, rep, tm)
	}

	if err == nil {
		err = o.store.CompleteRun(ctx, m.SourceTable, final.Timestamp)
		if err != nil {
			err = fmt.Errorf("failed to complete run on %s: %w", m.SourceTable, err)
		}
	}

	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.Canceled) {
			msg = "cancelled"
		}

		o.failRun(m.SourceTable, msg)
		rep.Err = err
		o.recordMetrics(runID, rep, tm, state.StatusFailed, time.Since(started))
		o.emitTable(ctx, runID, rep, "failed")

		o.logger.Error("table sync failed",
			slog.String("table", m.SourceTable),
			slog.String("error", msg))

		return rep
	}

	rep.Status = state.StatusCompleted
	o.recordMetrics(runID, rep, tm, state.StatusCompleted, time.Since(started))
	o.emitTable(ctx, runID, rep, "completed")

	o.logger.Info("table sync completed",
		slog.String("table", m.SourceTable),
		slog.Int64("extracted", rep.Extracted),
		slog.Int64("loaded", rep.Loaded),
		slog.Int64("failed", rep.Failed),
		slog.Int64("deleted", rep.Deleted),
		slog.Duration("took", time.Since(started)))

	return rep
}

// startCursor picks the starting position per the run options and the
// stored checkpoint.
func (o *Orchestrator) startCursor(ctx context.Context, m config.TableMapping, opts Options) (extract.Cursor, error) {
	if opts.Full {
		return extract.Cursor{}, nil
	}

	cp, err := o.store.Checkpoint(ctx, m.SourceTable)
	if errors.Is(err, state.ErrNotFound) {
		return extract.Cursor{}, nil
	}

	if err != nil {
		return extract.Cursor{}, fmt.Errorf("failed to read checkpoint for %s: %w", m.SourceTable, err)
	}

	if opts.NoResume && cp.Status != state.StatusCompleted {
		return extract.Cursor{}, nil
	}

	return extract.Cursor{Timestamp: cp.LastTimestamp, PK: cp.LastPrimaryKey}, nil
}

// syncLoop pulls batches until the stream ends, processing and advancing
// the checkpoint after each one. It returns the cursor of the last
// extracted row. Cancellation is honored between batches only; an in-flight
// batch either commits fully or not at all.
func (o *Orchestrator) syncLoop(ctx context.Context, runID string, tp *tablePipeline, cur extract.Cursor, rep *TableReport, tm *phaseTimings) (extract.Cursor, error) {
	m := tp.mapping
	stream := o.source.Changes(m, cur)
	last := cur

	var sample []record.Value

	for {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		batchCtx, cancel := o.batchContext(ctx)

		t0 := time.Now()
		changes, err := collectBatch(batchCtx, stream, m.BatchSize)
		tm.ex += time.Since(t0)

		if err != nil {
			cancel()

			return last, err
		}

		if len(changes) == 0 {
			cancel()

			break
		}

		loaded, failed, pks, err := o.processBatch(batchCtx, runID, tp, changes, tm)

		cancel()

		if err != nil {
			return last, err
		}

		rep.Extracted += int64(len(changes))
		rep.Loaded += loaded
		rep.Failed += failed

		if len(pks) > 0 {
			sample = pks
		}

		tail := changes[len(changes)-1]
		last = extract.Cursor{Timestamp: tail.Timestamp, PK: tail.PK}

		if err := o.store.Advance(ctx, m.SourceTable, tail.Timestamp, tail.PK, loaded); err != nil {
			return last, fmt.Errorf("failed to advance checkpoint for %s: %w", m.SourceTable, err)
		}

		o.logger.Debug("batch committed",
			slog.String("table", m.SourceTable),
			slog.Int("rows", len(changes)),
			slog.Int64("loaded", loaded),
			slog.Int64("failed", failed),
			slog.Time("cursor_ts", tail.Timestamp))
	}

	o.verifySample(ctx, m, sample)

	return last, nil
}

func (o *Orchestrator) batchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := o.cfg.Sync.BatchTimeout.Std()
	if timeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, timeout)
}

// collectBatch drains up to size rows from the stream. A short or empty
// result means the stream is exhausted.
func collectBatch(ctx context.Context, stream ChangeStream, size int) ([]extract.Change, error) {
	batch := make([]extract.Change, 0, size)

	for len(batch) < size && stream.Next(ctx) {
		batch = append(batch, *stream.Change())
	}

	if err := stream.Err(); err != nil {
		return nil, err
	}

	return batch, nil
}

// processBatch runs one batch through transform, validate, and load.
// Rejected rows are persisted to the failure store before the caller
// advances the checkpoint past them. The returned sample holds keys of
// fully loaded rows for post-run verification.
func (o *Orchestrator) processBatch(ctx context.Context, runID string, tp *tablePipeline, changes []extract.Change, tm *phaseTimings) (loaded, failed int64, sample []record.Value, err error) {
	m := tp.mapping

	var recs []*state.FailedRecord

	t0 := time.Now()

	transformed := make([]record.Row, 0, len(changes))
	sources := make([]record.Row, 0, len(changes))

	for _, ch := range changes {
		out, terr := tp.transformer.Apply(ch.Row)
		if terr != nil {
			recs = append(recs, failureRecord(runID, m, ch.Row, nil,
				state.StageTransform, "transform_error", terr.Error(), terr.Field))

			continue
		}

		transformed = append(transformed, out)
		sources = append(sources, ch.Row)
	}

	tm.tr += time.Since(t0)
	t0 = time.Now()

	valid := make([]record.Row, 0, len(transformed))
	validSrc := make([]record.Row, 0, len(transformed))

	for i, row := range transformed {
		res := tp.validator.ValidateRow(row)

		for _, w := range res.Warnings {
			o.logger.Warn("validation warning",
				slog.String("table", m.SourceTable),
				slog.String("field", w.Field),
				slog.String("rule", w.Rule),
				slog.String("message", w.Message))
		}

		if !res.OK() {
			recs = append(recs, failureRecord(runID, m, sources[i], row,
				state.StageValidate, "validation_error",
				violationSummary(res.Errors), violationRules(res.Errors)))

			continue
		}

		valid = append(valid, row)
		validSrc = append(validSrc, sources[i])
	}

	tm.va += time.Since(t0)

	// Rejected rows go durable before the target write: the checkpoint will
	// move past them, so losing the records would lose the rows for good.
	if err := o.appendFailures(ctx, recs); err != nil {
		return 0, 0, nil, err
	}

	failed = int64(len(recs))

	t0 = time.Now()
	res, err := o.target.LoadBatch(ctx, m, valid)
	tm.ld += time.Since(t0)

	if err != nil {
		return 0, failed, nil, err
	}

	if len(res.Failed) > 0 {
		srcByPK := make(map[string]record.Row, len(valid))
		for i, row := range valid {
			srcByPK[row[m.PrimaryKey].Display()] = validSrc[i]
		}

		loadRecs := make([]*state.FailedRecord, 0, len(res.Failed))

		for _, rf := range res.Failed {
			key := rf.Row[m.PrimaryKey].Display()
			loadRecs = append(loadRecs, failureRecord(runID, m, srcByPK[key], rf.Row,
				state.StageLoad, "load_error", rf.Err.Error(), ""))
		}

		if err := o.appendFailures(ctx, loadRecs); err != nil {
			return 0, failed, nil, err
		}

		failed += int64(len(loadRecs))
	}

	loaded = res.Inserted + res.Updated

	if len(res.Failed) == 0 && len(valid) > 0 {
		n := min(len(valid), verifySampleSize)
		sample = make([]record.Value, 0, n)

		for _, row := range valid[:n] {
			sample = append(sample, row[m.PrimaryKey])
		}
	}

	return loaded, failed, sample, nil
}

// deletePass propagates source deletions after the change stream drains.
func (o *Orchestrator) deletePass(ctx context.Context, tp *tablePipeline, start extract.Cursor, rep *TableReport, tm *phaseTimings) error {
	m := tp.mapping

	switch m.DeleteMode {
	case config.DeleteSoft:
		t0 := time.Now()
		defer func() { tm.ld += time.Since(t0) }()

		pks, err := o.source.SoftDeletedSince(ctx, m, start.Timestamp)
		if err != nil {
			return err
		}

		ids, err := transformPKs(tp.transformer, pks)
		if err != nil {
			return err
		}

		n, err := o.target.Delete(ctx, m, ids, true)
		if err != nil {
			return err
		}

		rep.Deleted += n

		if n > 0 {
			o.logger.Info("soft deletes propagated",
				slog.String("table", m.SourceTable),
				slog.Int64("rows", n))
		}

	case config.DeleteHard:
		if !m.DetectHardDeletes {
			return nil
		}

		t0 := time.Now()
		defer func() { tm.ld += time.Since(t0) }()

		srcPKs, err := o.source.SnapshotIDs(ctx, m)
		if err != nil {
			return err
		}

		srcSet := make(map[string]struct{}, len(srcPKs))

		for _, pk := range srcPKs {
			mapped, err := tp.transformer.TransformPK(pk)
			if err != nil {
				return err
			}

			srcSet[mapped.Display()] = struct{}{}
		}

		existing, err := o.target.ExistingIDs(ctx, m)
		if err != nil {
			return err
		}

		var victims []record.Value

		for display, val := range existing {
			if _, ok := srcSet[display]; !ok {
				victims = append(victims, val)
			}
		}

		sort.Slice(victims, func(i, j int) bool {
			return victims[i].Display() < victims[j].Display()
		})

		n, err := o.target.Delete(ctx, m, victims, false)
		if err != nil {
			return err
		}

		rep.Deleted += n

		if n > 0 {
			o.logger.Info("hard deletes propagated",
				slog.String("table", m.SourceTable),
				slog.Int64("rows", n))
		}
	}

	return nil
}

func transformPKs(tr *transform.Transformer, pks []record.Value) ([]record.Value, error) {
	out := make([]record.Value, 0, len(pks))

	for _, pk := range pks {
		v, err := tr.TransformPK(pk)
		if err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, nil
}

// verifySample spot-checks that sampled keys from the last clean batch are
// visible on the target. A shortfall is logged; the batches have already
// committed and the failure store holds every rejected row.
func (o *Orchestrator) verifySample(ctx context.Context, m config.TableMapping, sample []record.Value) {
	if len(sample) == 0 {
		return
	}

	n, err := o.target.Verify(ctx, m, sample)
	if err != nil {
		o.logger.Warn("post-run verification unavailable",
			slog.String("table", m.SourceTable),
			slog.String("error", err.Error()))

		return
	}

	if n < int64(len(sample)) {
		o.logger.Warn("post-run verification shortfall",
			slog.String("table", m.SourceTable),
			slog.Int("sampled", len(sample)),
			slog.Int64("found", n))
	}
}

// failRun records the terminal failure with a fresh context; the run
// context is usually already cancelled when this runs.
func (o *Orchestrator) failRun(table, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := o.store.FailRun(ctx, table, msg); err != nil {
		o.logger.Error("failed to record run failure",
			slog.String("table", table),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) appendFailures(ctx context.Context, recs []*state.FailedRecord) error {
	if len(recs) == 0 {
		return nil
	}

	if err := o.store.AppendFailures(ctx, recs); err != nil {
		return fmt.Errorf("failed to persist %d failure records: %w", len(recs), err)
	}

	return nil
}

func (o *Orchestrator) recordMetrics(runID string, rep *TableReport, tm *phaseTimings, status state.RunStatus, total time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	metrics := &state.RunMetrics{
		RunID:       runID,
		TableName:   rep.Table,
		Extracted:   rep.Extracted,
		Loaded:      rep.Loaded,
		Failed:      rep.Failed,
		Deleted:     rep.Deleted,
		ExtractMs:   tm.ex.Milliseconds(),
		TransformMs: tm.tr.Milliseconds(),
		ValidateMs:  tm.va.Milliseconds(),
		LoadMs:      tm.ld.Milliseconds(),
		TotalMs:     total.Milliseconds(),
		Status:      status,
	}

	if err := o.store.RecordMetrics(ctx, metrics); err != nil {
		o.logger.Warn("failed to record run metrics",
			slog.String("table", rep.Table),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) emit(ctx context.Context, ev events.Event) {
	ev.At = time.Now().UTC()

	if err := o.emitter.Emit(ctx, ev); err != nil {
		o.logger.Warn("event emission failed",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) emitTable(ctx context.Context, runID string, rep *TableReport, status string) {
	o.emit(ctx, events.Event{
		Type:      events.TableSynced,
		RunID:     runID,
		Table:     rep.Table,
		Status:    status,
		Extracted: rep.Extracted,
		Loaded:    rep.Loaded,
		Failed:    rep.Failed,
		Deleted:   rep.Deleted,
	})
}

func failureRecord(runID string, m config.TableMapping, src, transformed record.Row, stage state.FailureStage, kind, msg, details string) *state.FailedRecord {
	return &state.FailedRecord{
		RunID:           runID,
		TableName:       m.SourceTable,
		SourceRecordID:  src[m.SourcePrimaryKey()].Display(),
		Stage:           stage,
		ErrorKind:       kind,
		ErrorMessage:    msg,
		ErrorDetails:    details,
		SourceData:      src,
		TransformedData: transformed,
		Status:          state.FailurePending,
	}
}

func violationSummary(vs []validate.Violation) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprintf("%s: %s", v.Field, v.Message)
	}

	return strings.Join(parts, "; ")
}

func violationRules(vs []validate.Violation) string {
	rules := make([]string, len(vs))
	for i, v := range vs {
		rules[i] = v.Rule
	}

	return strings.Join(rules, ",")
}
