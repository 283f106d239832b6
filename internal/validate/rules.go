package validate

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/syncline-io/syncline/internal/record"
)

// ruleCompiler builds one executable check from a rule's argument map.
type ruleCompiler func(args map[string]any) (checkFunc, error)

// ruleCatalog is the closed rule set. Arguments by rule: length rules take
// n, value rules take value, regex takes pattern, inList takes values, and
// dateRange takes min and/or max. Null passes every rule except the
// presence pair; absence is notNull's job alone.
var ruleCatalog = map[string]ruleCompiler{
	"notNull":     fixed(notNull),
	"notEmpty":    fixed(notEmpty),
	"minLength":   compileMinLength,
	"maxLength":   compileMaxLength,
	"minValue":    compileMinValue,
	"maxValue":    compileMaxValue,
	"positive":    fixed(positive),
	"nonNegative": fixed(nonNegative),
	"regex":       compileRegex,
	"emailFormat": fixed(matchPattern(emailRe, "is not a valid email address")),
	"phoneFormat": fixed(matchPattern(phoneRe, "is not a valid phone number")),
	"inList":      compileInList,
	"dateRange":   compileDateRange,
}

var (
	emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phoneRe = regexp.MustCompile(`^\+?[0-9][0-9 ().-]{5,18}[0-9]$`)
)

// fixed wraps an argument-free check into a compiler that rejects any
// supplied arguments.
func fixed(check checkFunc) ruleCompiler {
	return func(args map[string]any) (checkFunc, error) {
		if len(args) > 0 {
			return nil, fmt.Errorf("%w: rule takes no arguments", ErrInvalidArgs)
		}

		return check, nil
	}
}

func notNull(v record.Value) string {
	if v.IsNull() {
		return "must not be null"
	}

	return ""
}

func notEmpty(v record.Value) string {
	if v.IsNull() {
		return "must not be empty"
	}

	if s, ok := v.StringVal(); ok && s == "" {
		return "must not be empty"
	}

	return ""
}

func positive(v record.Value) string {
	if f, ok := numeric(v); ok && f <= 0 {
		return "must be positive"
	}

	return ""
}

func nonNegative(v record.Value) string {
	if f, ok := numeric(v); ok && f < 0 {
		return "must not be negative"
	}

	return ""
}

// matchPattern checks string values against a precompiled pattern.
// Non-string values pass; the implicit type check owns kind mismatches.
func matchPattern(re *regexp.Regexp, problem string) checkFunc {
	return func(v record.Value) string {
		s, ok := v.StringVal()
		if !ok {
			return ""
		}

		if !re.MatchString(s) {
			return fmt.Sprintf("%q %s", s, problem)
		}

		return ""
	}
}

func compileMinLength(args map[string]any) (checkFunc, error) {
	n, err := wantInt(args, "n")
	if err != nil {
		return nil, err
	}

	return func(v record.Value) string {
		s, ok := v.StringVal()
		if !ok {
			return ""
		}

		if got := utf8.RuneCountInString(s); got < n {
			return fmt.Sprintf("length %d is under the minimum %d", got, n)
		}

		return ""
	}, nil
}

func compileMaxLength(args map[string]any) (checkFunc, error) {
	n, err := wantInt(args, "n")
	if err != nil {
		return nil, err
	}

	return func(v record.Value) string {
		s, ok := v.StringVal()
		if !ok {
			return ""
		}

		if got := utf8.RuneCountInString(s); got > n {
			return fmt.Sprintf("length %d exceeds the maximum %d", got, n)
		}

		return ""
	}, nil
}

func compileMinValue(args map[string]any) (checkFunc, error) {
	bound, err := wantFloat(args, "value")
	if err != nil {
		return nil, err
	}

	return func(v record.Value) string {
		if f, ok := numeric(v); ok && f < bound {
			return fmt.Sprintf("%s is under the minimum %g", v.Display(), bound)
		}

		return ""
	}, nil
}

func compileMaxValue(args map[string]any) (checkFunc, error) {
	bound, err := wantFloat(args, "value")
	if err != nil {
		return nil, err
	}

	return func(v record.Value) string {
		if f, ok := numeric(v); ok && f > bound {
			return fmt.Sprintf("%s exceeds the maximum %g", v.Display(), bound)
		}

		return ""
	}, nil
}

func compileRegex(args map[string]any) (checkFunc, error) {
	pattern, ok := args["pattern"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: regex needs a pattern argument", ErrInvalidArgs)
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}

	return matchPattern(re, fmt.Sprintf("does not match %s", pattern)), nil
}

// compileInList keys membership by the display form of the value, the same
// canonical form valueMap uses for its lookups.
func compileInList(args map[string]any) (checkFunc, error) {
	raw, ok := args["values"]
	if !ok {
		return nil, fmt.Errorf("%w: inList needs a values argument", ErrInvalidArgs)
	}

	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: inList values must be a list, got %T", ErrInvalidArgs, raw)
	}

	if len(list) == 0 {
		return nil, fmt.Errorf("%w: inList values must not be empty", ErrInvalidArgs)
	}

	allowed := make(map[string]struct{}, len(list))

	for _, e := range list {
		allowed[fmt.Sprintf("%v", e)] = struct{}{}
	}

	names := make([]string, 0, len(allowed))
	for k := range allowed {
		names = append(names, k)
	}

	sort.Strings(names)
	display := strings.Join(names, ", ")

	return func(v record.Value) string {
		if v.IsNull() {
			return ""
		}

		key, _ := record.ToString(v).StringVal()
		if _, ok := allowed[key]; !ok {
			return fmt.Sprintf("%s is not one of %s", v.Display(), display)
		}

		return ""
	}, nil
}

func compileDateRange(args map[string]any) (checkFunc, error) {
	lo, hasLo, err := wantTime(args, "min")
	if err != nil {
		return nil, err
	}

	hi, hasHi, err := wantTime(args, "max")
	if err != nil {
		return nil, err
	}

	if !hasLo && !hasHi {
		return nil, fmt.Errorf("%w: dateRange needs min or max", ErrInvalidArgs)
	}

	return func(v record.Value) string {
		t, ok := v.TimeVal()
		if !ok {
			return ""
		}

		if hasLo && t.Before(lo) {
			return fmt.Sprintf("%s is before %s", v.Display(), record.Time(lo).Display())
		}

		if hasHi && t.After(hi) {
			return fmt.Sprintf("%s is after %s", v.Display(), record.Time(hi).Display())
		}

		return ""
	}, nil
}

// numeric widens int, float, and decimal values onto the float line for
// range comparison. Other kinds are not numeric.
func numeric(v record.Value) (float64, bool) {
	switch v.Kind() {
	case record.KindInt:
		i, _ := v.IntVal()

		return float64(i), true
	case record.KindFloat:
		return v.FloatVal()
	case record.KindDecimal:
		s, _ := v.DecimalVal()

		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}

		return f, true
	default:
		return 0, false
	}
}

func wantInt(args map[string]any, key string) (int, error) {
	switch v := args[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidArgs, key)
	}
}

func wantFloat(args map[string]any, key string) (float64, error) {
	switch v := args[key].(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidArgs, key)
	}
}

// wantTime reads an optional time bound, accepting YAML timestamps directly
// and strings in the layouts the record package parses.
func wantTime(args map[string]any, key string) (time.Time, bool, error) {
	raw, ok := args[key]
	if !ok {
		return time.Time{}, false, nil
	}

	switch v := raw.(type) {
	case time.Time:
		return v, true, nil
	case string:
		parsed, err := record.ToTime(record.String(v))
		if err != nil {
			return time.Time{}, false, fmt.Errorf("%w: %s: %v", ErrInvalidArgs, key, err)
		}

		t, _ := parsed.TimeVal()

		return t, true, nil
	default:
		return time.Time{}, false, fmt.Errorf("%w: %s must be a timestamp", ErrInvalidArgs, key)
	}
}
