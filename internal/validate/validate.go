// Package validate checks transformed rows against the rule catalog declared
// in table mappings. Like the transform catalog, the rule set is closed and
// every rule name resolves at compile time, before any database is opened.
package validate

import (
	"errors"
	"fmt"

	"github.com/syncline-io/syncline/internal/config"
	"github.com/syncline-io/syncline/internal/record"
)

// Sentinel errors for rule compilation.
var (
	// ErrUnknownRule is returned when a mapping names a rule outside the
	// catalog.
	ErrUnknownRule = errors.New("unknown validation rule")

	// ErrInvalidArgs is returned when a rule's arguments are missing or of
	// the wrong type.
	ErrInvalidArgs = errors.New("invalid rule args")
)

type (
	// Violation is one rule failure on one field of one row.
	Violation struct {
		Field    string
		Rule     string
		Value    record.Value
		Message  string
		Severity config.Severity
	}

	// Result collects a row's violations split by severity. A row with any
	// error is rejected; warnings annotate but keep the row.
	Result struct {
		Errors   []Violation
		Warnings []Violation
	}

	// Failure pairs a rejected row with its validation result.
	Failure struct {
		Row    record.Row
		Result Result
	}

	// checkFunc evaluates one compiled rule. It returns a message describing
	// the violation, or the empty string when the value passes.
	checkFunc func(v record.Value) string

	rule struct {
		field    string
		name     string
		severity config.Severity
		check    checkFunc
	}

	typeCheck struct {
		field string
		typ   record.FieldType
	}

	// Validator checks rows of one table. Compile once per table; the
	// methods are pure and safe for concurrent use.
	Validator struct {
		table string
		types []typeCheck
		rules []rule
	}
)

// OK reports whether the row passed, warnings aside.
func (r Result) OK() bool {
	return len(r.Errors) == 0
}

// Compile resolves a table mapping's rules against the catalog. Field rules
// attach to their mapping's target columns; row rules name their field
// explicitly. Patterns compile here, once.
func Compile(m config.TableMapping) (*Validator, error) {
	va := &Validator{table: m.SourceTable}

	for i := range m.Columns {
		col := &m.Columns[i]

		for _, tgt := range col.TargetList() {
			va.types = append(va.types, typeCheck{field: tgt, typ: col.FieldType()})
		}

		for _, spec := range col.Rules {
			for _, tgt := range col.TargetList() {
				r, err := compileRule(m.SourceTable, tgt, spec)
				if err != nil {
					return nil, err
				}

				va.rules = append(va.rules, r)
			}
		}
	}

	for _, spec := range m.RowRules {
		r, err := compileRule(m.SourceTable, spec.Field, spec)
		if err != nil {
			return nil, err
		}

		va.rules = append(va.rules, r)
	}

	return va, nil
}

func compileRule(table, field string, spec config.RuleSpec) (rule, error) {
	c, ok := ruleCatalog[spec.Rule]
	if !ok {
		return rule{}, fmt.Errorf("%w: %q on field %q of %s", ErrUnknownRule, spec.Rule, field, table)
	}

	check, err := c(spec.Args)
	if err != nil {
		return rule{}, fmt.Errorf("rule %q on field %q of %s: %w", spec.Rule, field, table, err)
	}

	severity := spec.Severity
	if severity == "" {
		severity = config.SeverityError
	}

	return rule{field: field, name: spec.Rule, severity: severity, check: check}, nil
}

// ValidateRow checks one transformed row. The implicit type check runs
// first: every mapped field must carry its declared runtime type, with null
// always passing since nullability is the notNull rule's concern.
func (va *Validator) ValidateRow(row record.Row) Result {
	var res Result

	for _, tc := range va.types {
		v := row[tc.field]
		if !record.TypeOK(v, tc.typ) {
			res.Errors = append(res.Errors, Violation{
				Field:    tc.field,
				Rule:     "type",
				Value:    v,
				Message:  fmt.Sprintf("value is %s, declared type is %s", v.Kind(), tc.typ),
				Severity: config.SeverityError,
			})
		}
	}

	for _, r := range va.rules {
		v := row[r.field]

		msg := r.check(v)
		if msg == "" {
			continue
		}

		viol := Violation{Field: r.field, Rule: r.name, Value: v, Message: msg, Severity: r.severity}

		if r.severity == config.SeverityWarning {
			res.Warnings = append(res.Warnings, viol)
		} else {
			res.Errors = append(res.Errors, viol)
		}
	}

	return res
}

// ValidateBatch splits a batch into rows that may load and rows that must
// not. Warnings raised on surviving rows come back in warned so the caller
// can log them; the rows themselves stay in valid.
func (va *Validator) ValidateBatch(rows []record.Row) (valid []record.Row, invalid []Failure, warned []Violation) {
	valid = make([]record.Row, 0, len(rows))

	for _, row := range rows {
		res := va.ValidateRow(row)

		if !res.OK() {
			invalid = append(invalid, Failure{Row: row, Result: res})

			continue
		}

		warned = append(warned, res.Warnings...)
		valid = append(valid, row)
	}

	return valid, invalid, warned
}
