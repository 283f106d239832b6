package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Row is one record keyed by column name.
type Row map[string]Value

// Clone returns a shallow copy; Value payloads are immutable so a shallow
// copy is safe to mutate independently.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}

	return out
}

// Columns returns the column names in sorted order.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}

	sort.Strings(cols)

	return cols
}

// MarshalJSON encodes the row as a JSON object with sorted keys, so the same
// row always serializes to the same bytes.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte('{')

	for i, col := range r.Columns() {
		if i > 0 {
			buf.WriteByte(',')
		}

		key, err := json.Marshal(col)
		if err != nil {
			return nil, err
		}

		val, err := r[col].MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col, err)
		}

		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// RowFromJSON decodes a failure-store payload back into a Row.
//
// JSON carries less type information than the variant: integral numbers
// decode as ints, other numbers as floats, and timestamps stay strings until
// a declared type coerces them again.
func RowFromJSON(data []byte) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	raw := make(map[string]any)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}

	row := make(Row, len(raw))

	for col, v := range raw {
		switch x := v.(type) {
		case nil:
			row[col] = Null()
		case bool:
			row[col] = Bool(x)
		case string:
			row[col] = String(x)
		case json.Number:
			if i, err := x.Int64(); err == nil {
				row[col] = Int(i)

				continue
			}

			f, err := x.Float64()
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col, err)
			}

			row[col] = Float(f)
		default:
			return nil, fmt.Errorf("column %s: unsupported json type %T", col, v)
		}
	}

	return row, nil
}
