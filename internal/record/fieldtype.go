package record

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// FieldType names a declared destination column type in a table mapping.
type FieldType string

// Declared field types.
const (
	TypeString   FieldType = "string"
	TypeInt      FieldType = "int"
	TypeFloat    FieldType = "float"
	TypeDecimal  FieldType = "decimal"
	TypeBool     FieldType = "bool"
	TypeDatetime FieldType = "datetime"
	TypeDate     FieldType = "date"
)

// ErrUnknownFieldType is returned when a mapping declares a type outside the
// supported set.
var ErrUnknownFieldType = errors.New("unknown field type")

// ParseFieldType validates and returns a declared field type.
func ParseFieldType(s string) (FieldType, error) {
	t := FieldType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeDecimal, TypeBool, TypeDatetime, TypeDate:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFieldType, s)
	}
}

// String returns the type name as written in mappings.
func (t FieldType) String() string {
	return string(t)
}

// Layouts tried in order when parsing timestamps without an explicit format.
var defaultTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

const dateLayout = "2006-01-02"

// Coerce converts a value to the declared field type. Null passes through
// untouched. A value already of the target kind is returned as is.
func Coerce(v Value, t FieldType) (Value, error) {
	if v.IsNull() {
		return v, nil
	}

	switch t {
	case TypeString:
		return ToString(v), nil
	case TypeInt:
		return ToInt(v)
	case TypeFloat:
		return ToFloat(v)
	case TypeDecimal:
		return ToDecimal(v)
	case TypeBool:
		return ToBool(v)
	case TypeDatetime:
		return ToTime(v)
	case TypeDate:
		return ToDate(v)
	default:
		return Null(), fmt.Errorf("%w: %q", ErrUnknownFieldType, t)
	}
}

// TypeOK reports whether a value's runtime kind satisfies the declared type.
// Null always satisfies; nullability is a validation rule, not a type error.
// Ints satisfy float because integer literals embed losslessly.
func TypeOK(v Value, t FieldType) bool {
	if v.IsNull() {
		return true
	}

	switch t {
	case TypeString:
		return v.kind == KindString
	case TypeInt:
		return v.kind == KindInt
	case TypeFloat:
		return v.kind == KindFloat || v.kind == KindInt
	case TypeDecimal:
		return v.kind == KindDecimal
	case TypeBool:
		return v.kind == KindBool
	case TypeDatetime, TypeDate:
		return v.kind == KindTime
	default:
		return false
	}
}

// ToString renders any non-null value as its string form.
func ToString(v Value) Value {
	if v.IsNull() {
		return v
	}

	if v.kind == KindString {
		return v
	}

	return String(v.Display())
}

// ToInt converts a value to an int. Floats and numeric strings truncate
// toward zero; bools map to 0 and 1.
func ToInt(v Value) (Value, error) {
	switch v.kind {
	case KindNull, KindInt:
		return v, nil
	case KindFloat:
		return Int(int64(v.f)), nil
	case KindBool:
		if v.b {
			return Int(1), nil
		}

		return Int(0), nil
	case KindDecimal, KindString:
		s := strings.TrimSpace(v.s)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i), nil
		}

		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Null(), fmt.Errorf("cannot convert %q to int", v.s)
		}

		return Int(int64(f)), nil
	default:
		return Null(), fmt.Errorf("cannot convert %s to int", v.kind)
	}
}

// ToFloat converts a value to a float.
func ToFloat(v Value) (Value, error) {
	switch v.kind {
	case KindNull, KindFloat:
		return v, nil
	case KindInt:
		return Float(float64(v.i)), nil
	case KindBool:
		if v.b {
			return Float(1), nil
		}

		return Float(0), nil
	case KindDecimal, KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		if err != nil {
			return Null(), fmt.Errorf("cannot convert %q to float", v.s)
		}

		return Float(f), nil
	default:
		return Null(), fmt.Errorf("cannot convert %s to float", v.kind)
	}
}

// ToDecimal converts a value to a decimal, preserving every digit of the
// source representation. Use RescaleDecimal to fix the number of places.
func ToDecimal(v Value) (Value, error) {
	switch v.kind {
	case KindNull, KindDecimal:
		return v, nil
	case KindInt:
		return Decimal(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		return Decimal(strconv.FormatFloat(v.f, 'f', -1, 64)), nil
	case KindString:
		s := strings.TrimSpace(v.s)
		if _, ok := new(big.Rat).SetString(s); !ok {
			return Null(), fmt.Errorf("cannot convert %q to decimal", v.s)
		}

		return Decimal(s), nil
	default:
		return Null(), fmt.Errorf("cannot convert %s to decimal", v.kind)
	}
}

// RescaleDecimal converts a value to a decimal with exactly scale fractional
// digits, rounding to nearest with ties away from zero.
func RescaleDecimal(v Value, scale int) (Value, error) {
	if v.IsNull() {
		return v, nil
	}

	if scale < 0 {
		return Null(), fmt.Errorf("negative decimal scale %d", scale)
	}

	d, err := ToDecimal(v)
	if err != nil {
		return Null(), err
	}

	r, ok := new(big.Rat).SetString(d.s)
	if !ok {
		return Null(), fmt.Errorf("cannot convert %q to decimal", d.s)
	}

	return Decimal(r.FloatString(scale)), nil
}

// Truthy string forms accepted by ToBool, matching common database exports.
var (
	trueWords  = map[string]struct{}{"true": {}, "t": {}, "yes": {}, "y": {}, "1": {}}
	falseWords = map[string]struct{}{"false": {}, "f": {}, "no": {}, "n": {}, "0": {}}
)

// ToBool converts a value to a bool. Ints follow SQL semantics where zero is
// false and everything else is true.
func ToBool(v Value) (Value, error) {
	switch v.kind {
	case KindNull, KindBool:
		return v, nil
	case KindInt:
		return Bool(v.i != 0), nil
	case KindString:
		w := strings.ToLower(strings.TrimSpace(v.s))
		if _, ok := trueWords[w]; ok {
			return Bool(true), nil
		}

		if _, ok := falseWords[w]; ok {
			return Bool(false), nil
		}

		return Null(), fmt.Errorf("cannot convert %q to bool", v.s)
	default:
		return Null(), fmt.Errorf("cannot convert %s to bool", v.kind)
	}
}

// ToTime converts a value to a timestamp. String values parse against the
// given layouts, or the default layout set when none are supplied.
func ToTime(v Value, layouts ...string) (Value, error) {
	switch v.kind {
	case KindNull, KindTime:
		return v, nil
	case KindString:
		if len(layouts) == 0 {
			layouts = defaultTimeLayouts
		}

		s := strings.TrimSpace(v.s)
		for _, layout := range layouts {
			if t, err := time.Parse(layout, s); err == nil {
				return Time(t), nil
			}
		}

		return Null(), fmt.Errorf("cannot parse %q as datetime", v.s)
	default:
		return Null(), fmt.Errorf("cannot convert %s to datetime", v.kind)
	}
}

// ToDate converts a value to a timestamp truncated to midnight, preserving
// the calendar date in the value's own location.
func ToDate(v Value) (Value, error) {
	t, err := ToTime(v, append([]string{dateLayout}, defaultTimeLayouts...)...)
	if err != nil {
		return Null(), err
	}

	if t.IsNull() {
		return t, nil
	}

	y, m, d := t.t.Date()

	return Time(time.Date(y, m, d, 0, 0, 0, 0, t.t.Location())), nil
}
