// Package transform compiles table mappings into executable per-row
// transforms. The transform catalog is closed: every name resolves during
// Compile, so a typo in a mapping fails at startup instead of mid-run.
package transform

import (
	"errors"
	"fmt"

	"github.com/syncline-io/syncline/internal/config"
	"github.com/syncline-io/syncline/internal/record"
)

// Sentinel errors for mapping compilation.
var (
	// ErrUnknownTransform is returned when a mapping names a transform
	// outside the catalog.
	ErrUnknownTransform = errors.New("unknown transform")

	// ErrInvalidArgs is returned when a transform's arguments are missing,
	// of the wrong type, or inconsistent with the column shape.
	ErrInvalidArgs = errors.New("invalid transform args")
)

type (
	// Error describes one row's transform failure. It is a value carried to
	// the failure store, never a panic; one bad row must not take down a run.
	Error struct {
		Field string
		Value record.Value
		Cause error
	}

	// Failure pairs a rejected input row with its transform error.
	Failure struct {
		Row record.Row
		Err *Error
	}

	// opFunc executes one compiled transform. It receives the source values
	// of its mapping entry in declaration order and returns exactly one
	// value per target column.
	opFunc func(vals []record.Value) ([]record.Value, error)

	// step is one compiled field mapping: read sources, run the op, write
	// targets. A nil op means implicit coercion to the declared type.
	step struct {
		field   string
		sources []string
		targets []string
		typ     record.FieldType
		op      opFunc
	}

	// Transformer turns source rows into target rows for one table.
	// Compile once per table; Apply is pure and safe for concurrent use.
	Transformer struct {
		table string
		pk    string
		steps []step
	}
)

func (e *Error) Error() string {
	return fmt.Sprintf("transform %s=%s: %v", e.Field, e.Value.Display(), e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Compile resolves a table mapping against the transform catalog. It runs
// before any database is opened; an unknown transform or bad arguments
// surface here as configuration errors.
func Compile(m config.TableMapping) (*Transformer, error) {
	steps := make([]step, 0, len(m.Columns))

	for i := range m.Columns {
		st, err := compileField(m.SourceTable, &m.Columns[i])
		if err != nil {
			return nil, err
		}

		steps = append(steps, st)
	}

	return &Transformer{table: m.SourceTable, pk: m.PrimaryKey, steps: steps}, nil
}

func compileField(table string, f *config.FieldMapping) (step, error) {
	srcs, tgts := f.SourceList(), f.TargetList()
	st := step{field: tgts[0], sources: srcs, targets: tgts, typ: f.FieldType()}

	if f.Transform == "" {
		if len(srcs) != 1 || len(tgts) != 1 {
			return step{}, fmt.Errorf("%w: column %q of %s maps several columns without a transform",
				ErrInvalidArgs, tgts[0], table)
		}

		return st, nil
	}

	c, ok := catalog[f.Transform]
	if !ok {
		return step{}, fmt.Errorf("%w: %q on column %q of %s", ErrUnknownTransform, f.Transform, tgts[0], table)
	}

	op, err := c(f)
	if err != nil {
		return step{}, fmt.Errorf("column %q of %s: %w", tgts[0], table, err)
	}

	st.op = op

	return st, nil
}

// Apply transforms one source row into its target shape. The output row
// contains exactly the mapped target columns. A missing source column reads
// as null.
func (t *Transformer) Apply(row record.Row) (record.Row, *Error) {
	out := make(record.Row, len(t.steps))

	for i := range t.steps {
		st := &t.steps[i]

		vals := make([]record.Value, len(st.sources))
		for j, src := range st.sources {
			vals[j] = row[src]
		}

		var (
			res []record.Value
			err error
		)

		if st.op != nil {
			res, err = st.op(vals)
		} else {
			var v record.Value

			v, err = record.Coerce(vals[0], st.typ)
			res = []record.Value{v}
		}

		if err != nil {
			return nil, &Error{Field: st.field, Value: vals[0], Cause: err}
		}

		for j, tgt := range st.targets {
			out[tgt] = res[j]
		}
	}

	return out, nil
}

// TransformBatch applies the transform to each row independently. Failed
// rows are returned alongside their errors; one bad row never aborts the
// batch.
func (t *Transformer) TransformBatch(rows []record.Row) ([]record.Row, []Failure) {
	ok := make([]record.Row, 0, len(rows))

	var failed []Failure

	for _, row := range rows {
		out, terr := t.Apply(row)
		if terr != nil {
			failed = append(failed, Failure{Row: row, Err: terr})

			continue
		}

		ok = append(ok, out)
	}

	return ok, failed
}

// TransformPK converts a source primary key value into its target form by
// running the key column's own mapping step. Delete propagation reads keys
// from the source and must address them the way the loader wrote them.
func (t *Transformer) TransformPK(v record.Value) (record.Value, error) {
	for i := range t.steps {
		st := &t.steps[i]

		for j, tgt := range st.targets {
			if tgt != t.pk {
				continue
			}

			if st.op == nil {
				out, err := record.Coerce(v, st.typ)
				if err != nil {
					return record.Null(), fmt.Errorf("primary key %s: %w", t.pk, err)
				}

				return out, nil
			}

			res, err := st.op([]record.Value{v})
			if err != nil {
				return record.Null(), fmt.Errorf("primary key %s: %w", t.pk, err)
			}

			return res[j], nil
		}
	}

	return v, nil
}
