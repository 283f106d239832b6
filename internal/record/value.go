// Package record defines the dynamic row representation carried through the
// sync pipeline.
//
// Source rows arrive as column-to-value maps of mixed runtime types. Rather than
// modelling every possible source schema in the type system, each cell is a
// tagged variant Value covering the scalar kinds both databases exchange:
// null, bool, int, float, decimal, string, and timestamp. Decimals are
// string-backed so no precision is lost crossing the wire.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for value conversion and comparison.
var (
	// ErrKindMismatch is returned when two values of different kinds are compared.
	ErrKindMismatch = errors.New("value kinds do not match")

	// ErrNotComparable is returned when a value kind has no defined ordering.
	ErrNotComparable = errors.New("value kind is not comparable")

	// ErrUnsupportedSQLType is returned when the database driver hands back a
	// Go type the variant cannot represent.
	ErrUnsupportedSQLType = errors.New("unsupported sql value type")
)

type (
	// Kind tags the runtime type held by a Value.
	Kind int

	// Value is a tagged variant holding one cell of a row.
	//
	// The zero Value is the null value. Construct non-null values through the
	// constructor functions (Bool, Int, Float, Decimal, String, Time); accessor
	// methods return the payload together with an ok flag so callers never
	// read a payload of the wrong kind.
	Value struct {
		kind Kind
		b    bool
		i    int64
		f    float64
		s    string // shared by KindString and KindDecimal
		t    time.Time
	}
)

// Value kinds.
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindDecimal
	KindString
	KindTime
)

// String returns the kind name used in logs and error messages.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindDecimal:
		return "decimal"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Null returns the null value.
func Null() Value {
	return Value{kind: KindNull}
}

// Bool returns a bool value.
func Bool(b bool) Value {
	return Value{kind: KindBool, b: b}
}

// Int returns an int value.
func Int(i int64) Value {
	return Value{kind: KindInt, i: i}
}

// Float returns a float value.
func Float(f float64) Value {
	return Value{kind: KindFloat, f: f}
}

// Decimal returns a decimal value backed by its exact string representation.
func Decimal(s string) Value {
	return Value{kind: KindDecimal, s: s}
}

// String returns a string value.
func String(s string) Value {
	return Value{kind: KindString, s: s}
}

// Time returns a timestamp value.
func Time(t time.Time) Value {
	return Value{kind: KindTime, t: t}
}

// Kind returns the tag of the value.
func (v Value) Kind() Kind {
	return v.kind
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// BoolVal returns the bool payload.
func (v Value) BoolVal() (bool, bool) {
	return v.b, v.kind == KindBool
}

// IntVal returns the int payload.
func (v Value) IntVal() (int64, bool) {
	return v.i, v.kind == KindInt
}

// FloatVal returns the float payload.
func (v Value) FloatVal() (float64, bool) {
	return v.f, v.kind == KindFloat
}

// DecimalVal returns the decimal payload as its string representation.
func (v Value) DecimalVal() (string, bool) {
	return v.s, v.kind == KindDecimal
}

// StringVal returns the string payload.
func (v Value) StringVal() (string, bool) {
	return v.s, v.kind == KindString
}

// TimeVal returns the timestamp payload.
func (v Value) TimeVal() (time.Time, bool) {
	return v.t, v.kind == KindTime
}

// Equal reports whether two values have the same kind and payload.
// Timestamps compare with time.Time.Equal, so equal instants in different
// locations are equal values.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}

	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindDecimal, KindString:
		return v.s == o.s
	case KindTime:
		return v.t.Equal(o.t)
	default:
		return false
	}
}

// Compare orders two values of the same kind, returning -1, 0, or +1.
//
// Primary keys act as cursor tiebreakers, so their values must be totally
// ordered. Int, float, string, decimal (lexicographic on the string form),
// and time values are comparable; bool and null are not.
func (v Value) Compare(o Value) (int, error) {
	if v.kind != o.kind {
		return 0, fmt.Errorf("%w: %s vs %s", ErrKindMismatch, v.kind, o.kind)
	}

	switch v.kind {
	case KindInt:
		return compareOrdered(v.i, o.i), nil
	case KindFloat:
		return compareOrdered(v.f, o.f), nil
	case KindDecimal, KindString:
		return compareOrdered(v.s, o.s), nil
	case KindTime:
		switch {
		case v.t.Before(o.t):
			return -1, nil
		case v.t.After(o.t):
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return 0, fmt.Errorf("%w: %s", ErrNotComparable, v.kind)
	}
}

func compareOrdered[T int64 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// FromSQL converts a value scanned from database/sql into a Value.
//
// Drivers return a small closed set of Go types; []byte is treated as text
// because both MySQL and PostgreSQL deliver CHAR/VARCHAR/DECIMAL columns as
// byte slices when no destination type is declared.
func FromSQL(src any) (Value, error) {
	switch x := src.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case int64:
		return Int(x), nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case float64:
		return Float(x), nil
	case float32:
		return Float(float64(x)), nil
	case []byte:
		return String(string(x)), nil
	case string:
		return String(x), nil
	case time.Time:
		return Time(x), nil
	default:
		return Null(), fmt.Errorf("%w: %T", ErrUnsupportedSQLType, src)
	}
}

// SQL returns a driver-bindable representation of the value.
// Decimals bind as strings; both target drivers convert them server-side.
func (v Value) SQL() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindDecimal, KindString:
		return v.s
	case KindTime:
		return v.t
	default:
		return nil
	}
}

// MarshalJSON encodes the value as the matching JSON scalar.
// Timestamps encode as RFC3339Nano strings and decimals as strings, which
// keeps failure-store payloads readable and re-importable.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.f)
	case KindDecimal, KindString:
		return json.Marshal(v.s)
	case KindTime:
		return json.Marshal(v.t.Format(time.RFC3339Nano))
	default:
		return nil, fmt.Errorf("marshal: unknown kind %s", v.kind)
	}
}

// Display renders the value for reports and error messages.
func (v Value) Display() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindDecimal, KindString:
		return v.s
	case KindTime:
		return v.t.Format(time.RFC3339)
	default:
		return "?"
	}
}
