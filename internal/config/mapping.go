package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/syncline-io/syncline/internal/record"
)

// ErrInvalidMapping is returned when a table mapping document fails
// validation.
var ErrInvalidMapping = errors.New("invalid table mapping")

type (
	// SyncMode selects how loaded rows are written to the target.
	SyncMode string

	// DeleteMode selects how source deletions propagate to the target.
	DeleteMode string

	// Severity grades a validation rule violation.
	Severity string
)

// Sync modes.
const (
	ModeInsert SyncMode = "insert"
	ModeUpsert SyncMode = "upsert"
	ModeUpdate SyncMode = "update"
)

// Delete modes.
const (
	DeleteNone DeleteMode = "none"
	DeleteSoft DeleteMode = "soft"
	DeleteHard DeleteMode = "hard"
)

// Rule severities.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// IsValid reports whether the sync mode is one of the supported modes.
func (m SyncMode) IsValid() bool {
	switch m {
	case ModeInsert, ModeUpsert, ModeUpdate:
		return true
	default:
		return false
	}
}

// IsValid reports whether the delete mode is one of the supported modes.
func (m DeleteMode) IsValid() bool {
	switch m {
	case DeleteNone, DeleteSoft, DeleteHard:
		return true
	default:
		return false
	}
}

// IsValid reports whether the severity is one of the supported grades.
func (s Severity) IsValid() bool {
	return s == SeverityError || s == SeverityWarning
}

type (
	// TableMapping declares how one source table replicates into the target.
	// Mappings are read-only once loaded.
	TableMapping struct {
		SourceTable     string `yaml:"source_table"`
		TargetTable     string `yaml:"target_table"`
		PrimaryKey      string `yaml:"primary_key"`
		TimestampColumn string `yaml:"timestamp_column"`

		// SoftDeleteColumn names the source column that marks a row deleted
		// without removing it. Required when DeleteMode is soft.
		SoftDeleteColumn string `yaml:"soft_delete_column"`

		BatchSize int      `yaml:"batch_size"`
		Mode      SyncMode `yaml:"mode"`

		DeleteMode        DeleteMode `yaml:"delete_mode"`
		DetectHardDeletes bool       `yaml:"detect_hard_deletes"`

		Columns  []FieldMapping `yaml:"columns"`
		RowRules []RuleSpec     `yaml:"row_rules"`
	}

	// FieldMapping maps source columns onto target columns with an optional
	// transform. Single-column mappings use Source/Target; transforms that
	// join several columns use Sources, and transforms that split one column
	// use Targets.
	FieldMapping struct {
		Source  string   `yaml:"source"`
		Sources []string `yaml:"sources"`
		Target  string   `yaml:"target"`
		Targets []string `yaml:"targets"`

		Type      string         `yaml:"type"`
		Transform string         `yaml:"transform"`
		Args      map[string]any `yaml:"args"`
		Rules     []RuleSpec     `yaml:"rules"`
	}

	// RuleSpec names one validation rule. Field is only set on table-level
	// row rules; column rules apply to their own target column.
	RuleSpec struct {
		Rule     string         `yaml:"rule"`
		Field    string         `yaml:"field"`
		Args     map[string]any `yaml:"args"`
		Severity Severity       `yaml:"severity"`
	}

	mappingDoc struct {
		Tables []TableMapping `yaml:"tables"`
	}
)

// LoadMappings reads a table mapping document. Environment placeholders are
// interpolated the same way as in the runtime configuration.
func LoadMappings(path string) ([]TableMapping, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfigRead, path, err)
	}

	var doc mappingDoc
	if err := yaml.Unmarshal(interpolate(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfigParse, path, err)
	}

	return doc.Tables, nil
}

func (m *TableMapping) applyDefaults(batchSize int) {
	if m.BatchSize == 0 {
		m.BatchSize = batchSize
	}

	if m.Mode == "" {
		m.Mode = ModeUpsert
	}

	if m.DeleteMode == "" {
		m.DeleteMode = DeleteNone
	}

	for i := range m.Columns {
		for j := range m.Columns[i].Rules {
			if m.Columns[i].Rules[j].Severity == "" {
				m.Columns[i].Rules[j].Severity = SeverityError
			}
		}
	}

	for i := range m.RowRules {
		if m.RowRules[i].Severity == "" {
			m.RowRules[i].Severity = SeverityError
		}
	}
}

// Validate checks the mapping's structure. Transform and rule names resolve
// later, when the pipeline for the table is compiled; both happen before any
// database is opened.
func (m *TableMapping) Validate() error {
	if strings.TrimSpace(m.SourceTable) == "" {
		return fmt.Errorf("%w: source_table is required", ErrInvalidMapping)
	}

	if strings.TrimSpace(m.TargetTable) == "" {
		return fmt.Errorf("%w: %s: target_table is required", ErrInvalidMapping, m.SourceTable)
	}

	if strings.TrimSpace(m.PrimaryKey) == "" {
		return fmt.Errorf("%w: %s: primary_key is required", ErrInvalidMapping, m.SourceTable)
	}

	if strings.TrimSpace(m.TimestampColumn) == "" {
		return fmt.Errorf("%w: %s: timestamp_column is required", ErrInvalidMapping, m.SourceTable)
	}

	if m.BatchSize <= 0 {
		return fmt.Errorf("%w: %s: batch_size must be positive", ErrInvalidMapping, m.SourceTable)
	}

	if !m.Mode.IsValid() {
		return fmt.Errorf("%w: %s: unknown mode %q", ErrInvalidMapping, m.SourceTable, m.Mode)
	}

	if !m.DeleteMode.IsValid() {
		return fmt.Errorf("%w: %s: unknown delete_mode %q", ErrInvalidMapping, m.SourceTable, m.DeleteMode)
	}

	if m.DeleteMode == DeleteSoft && strings.TrimSpace(m.SoftDeleteColumn) == "" {
		return fmt.Errorf("%w: %s: delete_mode soft requires soft_delete_column", ErrInvalidMapping, m.SourceTable)
	}

	if m.DeleteMode == DeleteHard && !m.DetectHardDeletes {
		return fmt.Errorf("%w: %s: delete_mode hard requires detect_hard_deletes", ErrInvalidMapping, m.SourceTable)
	}

	if len(m.Columns) == 0 {
		return fmt.Errorf("%w: %s: no columns mapped", ErrInvalidMapping, m.SourceTable)
	}

	targets := make(map[string]struct{})

	for i := range m.Columns {
		col := &m.Columns[i]
		if err := col.validate(m.SourceTable); err != nil {
			return err
		}

		for _, tgt := range col.TargetList() {
			if _, dup := targets[tgt]; dup {
				return fmt.Errorf("%w: %s: target column %q mapped twice", ErrInvalidMapping, m.SourceTable, tgt)
			}

			targets[tgt] = struct{}{}
		}
	}

	if _, ok := targets[m.PrimaryKey]; !ok {
		return fmt.Errorf("%w: %s: primary key %q is not a mapped target column",
			ErrInvalidMapping, m.SourceTable, m.PrimaryKey)
	}

	// Keyset pagination reads the primary key straight from the source, so
	// the mapping producing it must come from exactly one source column.
	if pkCol := m.primaryKeyMapping(); pkCol != nil && len(pkCol.SourceList()) != 1 {
		return fmt.Errorf("%w: %s: primary key %q must map from a single source column",
			ErrInvalidMapping, m.SourceTable, m.PrimaryKey)
	}

	for _, r := range m.RowRules {
		if strings.TrimSpace(r.Field) == "" {
			return fmt.Errorf("%w: %s: row rule %q needs a field", ErrInvalidMapping, m.SourceTable, r.Rule)
		}

		if !r.Severity.IsValid() {
			return fmt.Errorf("%w: %s: rule %q has unknown severity %q",
				ErrInvalidMapping, m.SourceTable, r.Rule, r.Severity)
		}
	}

	return nil
}

func (f *FieldMapping) validate(table string) error {
	srcs, tgts := f.SourceList(), f.TargetList()

	if len(srcs) == 0 {
		return fmt.Errorf("%w: %s: column mapping without source", ErrInvalidMapping, table)
	}

	if f.Source != "" && len(f.Sources) > 0 {
		return fmt.Errorf("%w: %s: column %q sets both source and sources", ErrInvalidMapping, table, f.Source)
	}

	if len(tgts) == 0 {
		return fmt.Errorf("%w: %s: column %q has no target", ErrInvalidMapping, table, srcs[0])
	}

	if f.Target != "" && len(f.Targets) > 0 {
		return fmt.Errorf("%w: %s: column %q sets both target and targets", ErrInvalidMapping, table, srcs[0])
	}

	if _, err := record.ParseFieldType(f.Type); err != nil {
		return fmt.Errorf("%w: %s: column %q: %w", ErrInvalidMapping, table, srcs[0], err)
	}

	for _, r := range f.Rules {
		if !r.Severity.IsValid() {
			return fmt.Errorf("%w: %s: column %q rule %q has unknown severity %q",
				ErrInvalidMapping, table, srcs[0], r.Rule, r.Severity)
		}
	}

	return nil
}

// SourceList returns the source columns the mapping reads, whichever of the
// two YAML spellings was used.
func (f *FieldMapping) SourceList() []string {
	if len(f.Sources) > 0 {
		return f.Sources
	}

	if f.Source != "" {
		return []string{f.Source}
	}

	return nil
}

// TargetList returns the target columns the mapping writes.
func (f *FieldMapping) TargetList() []string {
	if len(f.Targets) > 0 {
		return f.Targets
	}

	if f.Target != "" {
		return []string{f.Target}
	}

	return nil
}

// FieldType returns the declared type. Validate guarantees it parses.
func (f *FieldMapping) FieldType() record.FieldType {
	t, _ := record.ParseFieldType(f.Type)

	return t
}

// primaryKeyMapping returns the field mapping whose targets include the
// primary key, or nil when validation has not run yet.
func (m *TableMapping) primaryKeyMapping() *FieldMapping {
	for i := range m.Columns {
		for _, tgt := range m.Columns[i].TargetList() {
			if tgt == m.PrimaryKey {
				return &m.Columns[i]
			}
		}
	}

	return nil
}

// SourcePrimaryKey returns the source column backing the target primary key.
// PrimaryKey names a target column; when the key is renamed in flight the
// extractor still paginates on the source side.
func (m *TableMapping) SourcePrimaryKey() string {
	if col := m.primaryKeyMapping(); col != nil {
		if srcs := col.SourceList(); len(srcs) > 0 {
			return srcs[0]
		}
	}

	return m.PrimaryKey
}

// TargetSoftDeleteColumn returns the target column that records a soft
// deletion. When the marker column is mapped its rename is followed;
// otherwise the source name is assumed to exist on the target unchanged.
func (m *TableMapping) TargetSoftDeleteColumn() string {
	if m.SoftDeleteColumn == "" {
		return ""
	}

	for i := range m.Columns {
		for _, src := range m.Columns[i].SourceList() {
			if src == m.SoftDeleteColumn {
				return m.Columns[i].TargetList()[0]
			}
		}
	}

	return m.SoftDeleteColumn
}

// SourceColumns returns every source column the extractor must select:
// all mapped sources plus the source primary key, the timestamp column, and
// the soft-delete column when configured. Sorted and deduplicated.
func (m *TableMapping) SourceColumns() []string {
	set := map[string]struct{}{
		m.SourcePrimaryKey(): {},
		m.TimestampColumn:    {},
	}

	if m.SoftDeleteColumn != "" {
		set[m.SoftDeleteColumn] = struct{}{}
	}

	for i := range m.Columns {
		for _, s := range m.Columns[i].SourceList() {
			set[s] = struct{}{}
		}
	}

	cols := make([]string, 0, len(set))
	for c := range set {
		cols = append(cols, c)
	}

	sort.Strings(cols)

	return cols
}

// TargetColumns returns every mapped target column in mapping order.
func (m *TableMapping) TargetColumns() []string {
	var cols []string
	for i := range m.Columns {
		cols = append(cols, m.Columns[i].TargetList()...)
	}

	return cols
}
