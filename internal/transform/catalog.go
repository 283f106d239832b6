package transform

import (
	"fmt"
	"strings"
	"time"

	"github.com/syncline-io/syncline/internal/config"
	"github.com/syncline-io/syncline/internal/record"
)

// compiler builds one executable op from a mapping entry, validating the
// entry's argument set and column shape.
type compiler func(f *config.FieldMapping) (opFunc, error)

// catalog is the closed transform set. Null propagates through every op
// unless the op's contract says otherwise (default, concat, boolToTimestamp).
var catalog = map[string]compiler{
	"valueMap":        compileValueMap,
	"toString":        scalarOp(noFail(record.ToString)),
	"toInt":           scalarOp(record.ToInt),
	"toFloat":         scalarOp(record.ToFloat),
	"toDecimal":       compileToDecimal,
	"toDatetime":      compileToDatetime,
	"toDate":          scalarOp(record.ToDate),
	"trim":            scalarOp(stringOp(strings.TrimSpace)),
	"lowercase":       scalarOp(stringOp(strings.ToLower)),
	"uppercase":       scalarOp(stringOp(strings.ToUpper)),
	"concat":          compileConcat,
	"split":           compileSplit,
	"default":         compileDefault,
	"boolToTimestamp": scalarOp(boolToTimestamp),
}

// scalarOp adapts a value function into a compiler for plain one-to-one
// column mappings.
func scalarOp(fn func(record.Value) (record.Value, error)) compiler {
	return func(f *config.FieldMapping) (opFunc, error) {
		if err := wantOneToOne(f); err != nil {
			return nil, err
		}

		return scalar(fn), nil
	}
}

func scalar(fn func(record.Value) (record.Value, error)) opFunc {
	return func(vals []record.Value) ([]record.Value, error) {
		v, err := fn(vals[0])
		if err != nil {
			return nil, err
		}

		return []record.Value{v}, nil
	}
}

func noFail(fn func(record.Value) record.Value) func(record.Value) (record.Value, error) {
	return func(v record.Value) (record.Value, error) {
		return fn(v), nil
	}
}

// stringOp lifts a string function over string values. Non-string input is
// a data error the row carries to the failure store.
func stringOp(fn func(string) string) func(record.Value) (record.Value, error) {
	return func(v record.Value) (record.Value, error) {
		if v.IsNull() {
			return v, nil
		}

		s, ok := v.StringVal()
		if !ok {
			return record.Null(), fmt.Errorf("value is %s, want string", v.Kind())
		}

		return record.String(fn(s)), nil
	}
}

func wantOneToOne(f *config.FieldMapping) error {
	if len(f.SourceList()) != 1 || len(f.TargetList()) != 1 {
		return fmt.Errorf("%w: %s maps one column to one column", ErrInvalidArgs, f.Transform)
	}

	return nil
}

// boolToTimestamp stamps true with the current time. Everything that is not
// a truthy value, including conversion failures, becomes null.
func boolToTimestamp(v record.Value) (record.Value, error) {
	b, err := record.ToBool(v)
	if err != nil {
		return record.Null(), nil
	}

	if truth, ok := b.BoolVal(); ok && truth {
		return record.Time(time.Now().UTC()), nil
	}

	return record.Null(), nil
}

// compileValueMap builds a dictionary lookup keyed by the display form of
// the incoming value. A miss falls back to the configured default, or
// passes the value through when none is set.
func compileValueMap(f *config.FieldMapping) (opFunc, error) {
	if err := wantOneToOne(f); err != nil {
		return nil, err
	}

	raw, ok := f.Args["map"]
	if !ok {
		return nil, fmt.Errorf("%w: valueMap needs a map argument", ErrInvalidArgs)
	}

	entries, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: valueMap map must be a mapping, got %T", ErrInvalidArgs, raw)
	}

	lookup := make(map[string]record.Value, len(entries))

	for k, e := range entries {
		val, err := argValue(e)
		if err != nil {
			return nil, fmt.Errorf("valueMap entry %q: %w", k, err)
		}

		lookup[k] = val
	}

	var (
		fallback    record.Value
		hasFallback bool
	)

	if d, ok := f.Args["default"]; ok {
		val, err := argValue(d)
		if err != nil {
			return nil, fmt.Errorf("valueMap default: %w", err)
		}

		fallback, hasFallback = val, true
	}

	return scalar(func(v record.Value) (record.Value, error) {
		if v.IsNull() {
			return v, nil
		}

		key, _ := record.ToString(v).StringVal()
		if mapped, ok := lookup[key]; ok {
			return mapped, nil
		}

		if hasFallback {
			return fallback, nil
		}

		return v, nil
	}), nil
}

func compileToDecimal(f *config.FieldMapping) (opFunc, error) {
	if err := wantOneToOne(f); err != nil {
		return nil, err
	}

	scale, ok, err := argInt(f.Args, "scale")
	if err != nil {
		return nil, err
	}

	if !ok {
		return scalar(record.ToDecimal), nil
	}

	if scale < 0 {
		return nil, fmt.Errorf("%w: toDecimal scale must not be negative", ErrInvalidArgs)
	}

	return scalar(func(v record.Value) (record.Value, error) {
		return record.RescaleDecimal(v, scale)
	}), nil
}

// compileToDatetime parses strings with the configured reference layout,
// or the default layout set when the mapping gives none.
func compileToDatetime(f *config.FieldMapping) (opFunc, error) {
	if err := wantOneToOne(f); err != nil {
		return nil, err
	}

	format, ok, err := argString(f.Args, "format")
	if err != nil {
		return nil, err
	}

	if !ok {
		return scalar(func(v record.Value) (record.Value, error) {
			return record.ToTime(v)
		}), nil
	}

	return scalar(func(v record.Value) (record.Value, error) {
		return record.ToTime(v, format)
	}), nil
}

// compileConcat joins the non-null source values with the configured
// separator. All sources null yields null, not an empty string.
func compileConcat(f *config.FieldMapping) (opFunc, error) {
	if len(f.SourceList()) < 2 {
		return nil, fmt.Errorf("%w: concat needs at least two sources", ErrInvalidArgs)
	}

	if len(f.TargetList()) != 1 {
		return nil, fmt.Errorf("%w: concat writes a single target", ErrInvalidArgs)
	}

	sep, _, err := argString(f.Args, "separator")
	if err != nil {
		return nil, err
	}

	return func(vals []record.Value) ([]record.Value, error) {
		parts := make([]string, 0, len(vals))

		for _, v := range vals {
			if v.IsNull() {
				continue
			}

			s, _ := record.ToString(v).StringVal()
			parts = append(parts, s)
		}

		if len(parts) == 0 {
			return []record.Value{record.Null()}, nil
		}

		return []record.Value{record.String(strings.Join(parts, sep))}, nil
	}, nil
}

// compileSplit breaks one string on whitespace into the target tuple. Extra
// fields collapse into the last target; missing fields leave nulls.
func compileSplit(f *config.FieldMapping) (opFunc, error) {
	if len(f.SourceList()) != 1 {
		return nil, fmt.Errorf("%w: split reads a single source", ErrInvalidArgs)
	}

	n := len(f.TargetList())
	if n < 2 {
		return nil, fmt.Errorf("%w: split needs at least two targets", ErrInvalidArgs)
	}

	return func(vals []record.Value) ([]record.Value, error) {
		out := make([]record.Value, n)
		for i := range out {
			out[i] = record.Null()
		}

		v := vals[0]
		if v.IsNull() {
			return out, nil
		}

		s, ok := v.StringVal()
		if !ok {
			return nil, fmt.Errorf("value is %s, want string", v.Kind())
		}

		fields := strings.Fields(s)
		if len(fields) > n {
			fields[n-1] = strings.Join(fields[n-1:], " ")
			fields = fields[:n]
		}

		for i, part := range fields {
			out[i] = record.String(part)
		}

		return out, nil
	}, nil
}

// compileDefault replaces null with the configured value, coerced once at
// compile time so a default that cannot satisfy the declared type fails at
// startup.
func compileDefault(f *config.FieldMapping) (opFunc, error) {
	if err := wantOneToOne(f); err != nil {
		return nil, err
	}

	raw, ok := f.Args["value"]
	if !ok {
		return nil, fmt.Errorf("%w: default needs a value argument", ErrInvalidArgs)
	}

	val, err := argValue(raw)
	if err != nil {
		return nil, fmt.Errorf("default value: %w", err)
	}

	val, err = record.Coerce(val, f.FieldType())
	if err != nil {
		return nil, fmt.Errorf("%w: default value does not fit type %s: %w", ErrInvalidArgs, f.FieldType(), err)
	}

	return scalar(func(v record.Value) (record.Value, error) {
		if v.IsNull() {
			return val, nil
		}

		return v, nil
	}), nil
}

// argValue converts a YAML scalar argument into a record value.
func argValue(x any) (record.Value, error) {
	switch v := x.(type) {
	case nil:
		return record.Null(), nil
	case bool:
		return record.Bool(v), nil
	case int:
		return record.Int(int64(v)), nil
	case int64:
		return record.Int(v), nil
	case float64:
		return record.Float(v), nil
	case string:
		return record.String(v), nil
	case time.Time:
		return record.Time(v), nil
	default:
		return record.Null(), fmt.Errorf("%w: unsupported argument type %T", ErrInvalidArgs, x)
	}
}

func argInt(args map[string]any, key string) (int, bool, error) {
	raw, ok := args[key]
	if !ok {
		return 0, false, nil
	}

	switch v := raw.(type) {
	case int:
		return v, true, nil
	case int64:
		return int(v), true, nil
	case float64:
		return int(v), true, nil
	default:
		return 0, false, fmt.Errorf("%w: %s must be a number, got %T", ErrInvalidArgs, key, raw)
	}
}

func argString(args map[string]any, key string) (string, bool, error) {
	raw, ok := args[key]
	if !ok {
		return "", false, nil
	}

	s, ok := raw.(string)
	if !ok {
		return "", false, fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidArgs, key, raw)
	}

	return s, true, nil
}
