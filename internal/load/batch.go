package load

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/syncline-io/syncline/internal/config"
	"github.com/syncline-io/syncline/internal/record"
)

// Postgres caps bind parameters at 65535 per statement. Statements stay
// well under that, and a flat row cap keeps any single statement readable
// in slow-query logs.
const (
	maxStatementParams = 60000
	maxStatementRows   = 1000
)

type (
	// RowError is one row the batch could not land, with its cause.
	RowError struct {
		Row record.Row
		Err error
	}

	// Result summarizes one batch load. Failed rows were rejected by the
	// target after the row-by-row fallback; everything else landed.
	Result struct {
		Inserted int64
		Updated  int64
		Failed   []RowError
	}
)

// LoadBatch writes a batch of transformed rows according to the mapping's
// sync mode. The whole batch commits in one transaction. Transient errors
// retry the transaction from scratch; on a data error the transaction rolls
// back and every row is replayed individually so the poison rows surface in
// Result.Failed while the rest of the batch still lands.
func (l *Loader) LoadBatch(ctx context.Context, m config.TableMapping, rows []record.Row) (Result, error) {
	var res Result

	if len(rows) == 0 {
		return res, nil
	}

	cols := m.TargetColumns()
	if len(cols) == 0 {
		return res, fmt.Errorf("no target columns mapped for %s", m.TargetTable)
	}

	if m.Mode == config.ModeUpdate && len(cols) <= 1 {
		return res, fmt.Errorf("update mode on %s needs at least one non-key column", m.TargetTable)
	}

	err := l.withRetry(ctx, func() error {
		attempt, err := l.loadTx(ctx, m, cols, rows)
		if err != nil {
			return err
		}

		res = attempt

		return nil
	})
	if err == nil {
		return res, nil
	}

	if isTransient(err) || ctx.Err() != nil {
		return res, fmt.Errorf("failed to load batch into %s: %w", m.TargetTable, err)
	}

	l.logger.Warn("batch load failed, replaying rows individually",
		slog.String("table", m.TargetTable),
		slog.Int("rows", len(rows)),
		slog.String("error", err.Error()))

	res, err = l.replayRows(ctx, m, cols, rows)
	if err != nil {
		return res, fmt.Errorf("failed to load batch into %s: %w", m.TargetTable, err)
	}

	return res, nil
}

// loadTx runs the whole batch inside one transaction and reports what
// happened. Any error leaves the target untouched.
func (l *Loader) loadTx(ctx context.Context, m config.TableMapping, cols []string, rows []record.Row) (Result, error) {
	var res Result

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, part := range chunk(rows, len(cols)) {
		ins, upd, err := l.execChunk(ctx, tx, m, cols, part)
		if err != nil {
			return Result{}, err
		}

		res.Inserted += ins
		res.Updated += upd
	}

	if err := tx.Commit(); err != nil {
		return Result{}, err
	}

	return res, nil
}

// execChunk writes one statement's worth of rows through tx.
func (l *Loader) execChunk(ctx context.Context, tx *sql.Tx, m config.TableMapping, cols []string, rows []record.Row) (int64, int64, error) {
	switch m.Mode {
	case config.ModeInsert:
		query, args := insertQuery(m, cols, rows)

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, 0, err
		}

		n, err := res.RowsAffected()

		return n, 0, err

	case config.ModeUpdate:
		query := updateQuery(m, cols)

		var updated int64

		for _, row := range rows {
			res, err := tx.ExecContext(ctx, query, updateArgs(m, cols, row)...)
			if err != nil {
				return 0, updated, err
			}

			n, err := res.RowsAffected()
			if err != nil {
				return 0, updated, err
			}

			updated += n
		}

		return 0, updated, nil

	default:
		query, args := upsertQuery(m, cols, rows)

		return scanUpsert(tx.QueryContext(ctx, query, args...))
	}
}

// scanUpsert counts inserts and updates from an upsert's RETURNING rows.
func scanUpsert(rows *sql.Rows, err error) (inserted, updated int64, _ error) {
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var fresh bool
		if err := rows.Scan(&fresh); err != nil {
			return inserted, updated, err
		}

		if fresh {
			inserted++
		} else {
			updated++
		}
	}

	return inserted, updated, rows.Err()
}

// replayRows lands a failed batch one row at a time, each in its own
// transaction. Rows the target still rejects end up in Result.Failed; the
// caller records those and moves on. A transient error that survives its
// retries is an infrastructure failure, not a data error, and aborts the
// replay instead of condemning the remaining rows.
func (l *Loader) replayRows(ctx context.Context, m config.TableMapping, cols []string, rows []record.Row) (Result, error) {
	var res Result

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		ins, upd, err := l.replayRow(ctx, m, cols, row)
		if err != nil {
			if isTransient(err) || ctx.Err() != nil {
				return res, err
			}

			l.logger.Debug("row rejected by target",
				slog.String("table", m.TargetTable),
				slog.String("pk", row[m.PrimaryKey].Display()),
				slog.String("error", err.Error()))

			res.Failed = append(res.Failed, RowError{Row: row, Err: err})

			continue
		}

		res.Inserted += ins
		res.Updated += upd
	}

	return res, nil
}

// replayRow writes one row under statement-level autocommit, retrying
// transient errors so a flaky connection does not condemn a good row.
func (l *Loader) replayRow(ctx context.Context, m config.TableMapping, cols []string, row record.Row) (inserted, updated int64, err error) {
	one := []record.Row{row}

	err = l.withRetry(ctx, func() error {
		switch m.Mode {
		case config.ModeInsert:
			query, args := insertQuery(m, cols, one)

			res, execErr := l.db.ExecContext(ctx, query, args...)
			if execErr != nil {
				return execErr
			}

			inserted, execErr = res.RowsAffected()

			return execErr

		case config.ModeUpdate:
			res, execErr := l.db.ExecContext(ctx, updateQuery(m, cols), updateArgs(m, cols, row)...)
			if execErr != nil {
				return execErr
			}

			updated, execErr = res.RowsAffected()

			return execErr

		default:
			query, args := upsertQuery(m, cols, one)

			var execErr error
			inserted, updated, execErr = scanUpsert(l.db.QueryContext(ctx, query, args...))

			return execErr
		}
	})

	return inserted, updated, err
}

// upsertQuery builds one multi-row INSERT .. ON CONFLICT statement. xmax is
// zero only for rows created by the current transaction, so RETURNING
// (xmax = 0) separates inserts from conflict updates in a single round trip.
func upsertQuery(m config.TableMapping, cols []string, rows []record.Row) (string, []any) {
	var b strings.Builder

	args := writeInsertHead(&b, m, cols, rows)

	pk := quoteIdent(m.PrimaryKey)

	fmt.Fprintf(&b, " ON CONFLICT (%s) DO ", pk)

	var sets []string

	for _, col := range cols {
		if col == m.PrimaryKey {
			continue
		}

		q := quoteIdent(col)
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
	}

	if len(sets) == 0 {
		b.WriteString("NOTHING")
	} else {
		b.WriteString("UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}

	b.WriteString(" RETURNING (xmax = 0)")

	return b.String(), args
}

// insertQuery builds one multi-row plain INSERT statement. Conflicts are
// data errors in insert mode and surface through the row-by-row fallback.
func insertQuery(m config.TableMapping, cols []string, rows []record.Row) (string, []any) {
	var b strings.Builder

	args := writeInsertHead(&b, m, cols, rows)

	return b.String(), args
}

// writeInsertHead renders "INSERT INTO t (cols) VALUES (...), (...)" and
// collects the bound values in statement order.
func writeInsertHead(b *strings.Builder, m config.TableMapping, cols []string, rows []record.Row) []any {
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdent(col)
	}

	fmt.Fprintf(b, "INSERT INTO %s (%s) VALUES ",
		quoteIdent(m.TargetTable), strings.Join(quoted, ", "))

	args := make([]any, 0, len(rows)*len(cols))

	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}

		fmt.Fprintf(b, "(%s)", placeholders(len(cols), len(args)+1))

		for _, col := range cols {
			args = append(args, row[col].SQL())
		}
	}

	return args
}

// updateQuery builds the single-row UPDATE statement for update mode. Rows
// absent from the target are skipped; update mode never creates rows.
func updateQuery(m config.TableMapping, cols []string) string {
	var sets []string

	n := 1

	for _, col := range cols {
		if col == m.PrimaryKey {
			continue
		}

		sets = append(sets, fmt.Sprintf("%s = $%d", quoteIdent(col), n))
		n++
	}

	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		quoteIdent(m.TargetTable), strings.Join(sets, ", "), quoteIdent(m.PrimaryKey), n)
}

// updateArgs binds a row in updateQuery's order: non-key columns, then the key.
func updateArgs(m config.TableMapping, cols []string, row record.Row) []any {
	args := make([]any, 0, len(cols))

	for _, col := range cols {
		if col == m.PrimaryKey {
			continue
		}

		args = append(args, row[col].SQL())
	}

	return append(args, row[m.PrimaryKey].SQL())
}

// chunk splits items into per-statement slices sized to the bind parameter
// budget for the given column width.
func chunk[T any](items []T, cols int) [][]T {
	per := maxStatementParams / cols
	if per > maxStatementRows {
		per = maxStatementRows
	}

	if per < 1 {
		per = 1
	}

	parts := make([][]T, 0, (len(items)+per-1)/per)

	for len(items) > per {
		parts = append(parts, items[:per])
		items = items[per:]
	}

	return append(parts, items)
}
