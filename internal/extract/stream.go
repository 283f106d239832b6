package extract

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/syncline-io/syncline/internal/config"
	"github.com/syncline-io/syncline/internal/record"
)

type (
	// Cursor is a resume point in a table's change sequence. The zero
	// Cursor means "from the beginning".
	Cursor struct {
		Timestamp time.Time
		PK        record.Value
	}

	// Change is one extracted row together with its cursor position.
	Change struct {
		Row       record.Row
		Timestamp time.Time
		PK        record.Value
	}

	// Stream iterates a table's changes in (timestamp, pk) order, fetching
	// one batch at a time. Usage follows sql.Rows:
	//
	//	stream := ex.Changes(mapping, cursor)
	//	for stream.Next(ctx) {
	//	    ch := stream.Change()
	//	    ...
	//	}
	//	if err := stream.Err(); err != nil {
	//	    ...
	//	}
	Stream struct {
		ex      *Extractor
		mapping config.TableMapping
		columns []string
		pkCol   string

		cur  Cursor
		buf  []Change
		pos  int
		done bool
		err  error
	}
)

// Valid reports whether the cursor points somewhere. MySQL datetime values
// never reach the Go zero time, so a zero timestamp is unambiguous.
func (c Cursor) Valid() bool {
	return !c.Timestamp.IsZero()
}

// Changes opens a change stream for one table starting after cur. Queries
// run lazily on the first Next call.
func (e *Extractor) Changes(m config.TableMapping, cur Cursor) *Stream {
	return &Stream{
		ex:      e,
		mapping: m,
		columns: m.SourceColumns(),
		pkCol:   m.SourcePrimaryKey(),
		cur:     cur,
	}
}

// Next advances to the next changed row. It returns false at the end of the
// stream or on error; check Err afterwards.
func (s *Stream) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}

	if s.pos >= len(s.buf) {
		if s.done {
			return false
		}

		if err := s.fetch(ctx); err != nil {
			s.err = err

			return false
		}

		if len(s.buf) == 0 {
			return false
		}
	}

	ch := &s.buf[s.pos]
	s.pos++
	s.cur = Cursor{Timestamp: ch.Timestamp, PK: ch.PK}

	return true
}

// Change returns the row Next advanced to.
func (s *Stream) Change() *Change {
	return &s.buf[s.pos-1]
}

// Err returns the error that terminated the stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// Cursor returns the position of the last row returned by Next.
func (s *Stream) Cursor() Cursor {
	return s.cur
}

// cursorPredicate is the keyset condition for rows strictly after the
// cursor. The tie-break on pk makes rows sharing a timestamp resumable.
func cursorPredicate(m config.TableMapping) string {
	ts := quoteIdent(m.TimestampColumn)
	pk := quoteIdent(m.SourcePrimaryKey())

	return fmt.Sprintf("(%s > ? OR (%s = ? AND %s > ?))", ts, ts, pk)
}

func cursorArgs(cur Cursor) []any {
	ts := cur.Timestamp.UTC()

	return []any{ts, ts, cur.PK.SQL()}
}

// changesQuery builds one batch query. ORDER BY matches the cursor columns
// so the batch boundary is a valid resume point.
func (s *Stream) changesQuery() string {
	quoted := make([]string, len(s.columns))
	for i, c := range s.columns {
		quoted[i] = quoteIdent(c)
	}

	query := fmt.Sprintf("SELECT %s FROM %s",
		strings.Join(quoted, ", "), quoteIdent(s.mapping.SourceTable))

	if s.cur.Valid() {
		query += " WHERE " + cursorPredicate(s.mapping)
	}

	query += fmt.Sprintf(" ORDER BY %s ASC, %s ASC LIMIT %d",
		quoteIdent(s.mapping.TimestampColumn), quoteIdent(s.pkCol), s.mapping.BatchSize)

	return query
}

// fetch loads the next batch after s.cur. A batch shorter than the batch
// size marks the stream done.
func (s *Stream) fetch(ctx context.Context) error {
	query := s.changesQuery()

	var args []any
	if s.cur.Valid() {
		args = cursorArgs(s.cur)
	}

	if err := s.ex.limiter.Wait(ctx); err != nil {
		return err
	}

	err := s.ex.withRetry(ctx, func() error {
		rows, err := s.ex.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		return s.scanBatch(rows)
	})
	if err != nil {
		return fmt.Errorf("failed to fetch batch from %s: %w", s.mapping.SourceTable, err)
	}

	if len(s.buf) < s.mapping.BatchSize {
		s.done = true
	}

	return nil
}

func (s *Stream) scanBatch(rows *sql.Rows) error {
	s.buf = s.buf[:0]
	s.pos = 0

	prev := s.cur

	for rows.Next() {
		ch, err := s.scanChange(rows)
		if err != nil {
			return err
		}

		if err := checkAdvances(prev, ch, s.mapping.SourceTable); err != nil {
			return err
		}

		prev = Cursor{Timestamp: ch.Timestamp, PK: ch.PK}
		s.buf = append(s.buf, *ch)
	}

	return rows.Err()
}

func (s *Stream) scanChange(rows *sql.Rows) (*Change, error) {
	raw := make([]any, len(s.columns))
	dest := make([]any, len(s.columns))

	for i := range raw {
		dest[i] = &raw[i]
	}

	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan row from %s: %w", s.mapping.SourceTable, err)
	}

	row := make(record.Row, len(s.columns))

	for i, col := range s.columns {
		v, err := record.FromSQL(raw[i])
		if err != nil {
			return nil, fmt.Errorf("%w: column %s: %w", ErrSourceIntegrity, col, err)
		}

		row[col] = v
	}

	ts, ok := row[s.mapping.TimestampColumn].TimeVal()
	if !ok {
		return nil, fmt.Errorf("%w: timestamp column %s of %s is %s, want datetime",
			ErrSourceIntegrity, s.mapping.TimestampColumn, s.mapping.SourceTable,
			row[s.mapping.TimestampColumn].Kind())
	}

	pk := row[s.pkCol]
	if pk.IsNull() {
		return nil, fmt.Errorf("%w: NULL primary key in %s", ErrSourceIntegrity, s.mapping.SourceTable)
	}

	return &Change{Row: row, Timestamp: ts, PK: pk}, nil
}

// checkAdvances verifies strict (timestamp, pk) ordering between adjacent
// rows. A duplicate pair means the source's uniqueness assumption is broken
// and resuming from it would skip or repeat rows.
func checkAdvances(prev Cursor, ch *Change, table string) error {
	if !prev.Valid() {
		return nil
	}

	if ch.Timestamp.After(prev.Timestamp) {
		return nil
	}

	if !ch.Timestamp.Equal(prev.Timestamp) {
		return fmt.Errorf("%w: out-of-order timestamp %s after %s in %s",
			ErrSourceIntegrity, ch.Timestamp.Format(time.RFC3339Nano),
			prev.Timestamp.Format(time.RFC3339Nano), table)
	}

	cmp, err := ch.PK.Compare(prev.PK)
	if err != nil {
		return fmt.Errorf("%w: mixed primary key types in %s: %w", ErrSourceIntegrity, table, err)
	}

	if cmp == 0 {
		return fmt.Errorf("%w: duplicate cursor pair (%s, %s) in %s",
			ErrSourceIntegrity, ch.Timestamp.Format(time.RFC3339Nano), ch.PK.Display(), table)
	}

	if cmp < 0 {
		return fmt.Errorf("%w: out-of-order primary key %s at timestamp %s in %s",
			ErrSourceIntegrity, ch.PK.Display(), ch.Timestamp.Format(time.RFC3339Nano), table)
	}

	return nil
}
