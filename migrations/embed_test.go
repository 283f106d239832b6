package migrations

import (
	"reflect"
	"strings"
	"testing"
	"testing/fstest"
)

func TestListReturnsEmbeddedSet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	files, err := List()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{
		"001_create_sync_checkpoints.down.sql",
		"001_create_sync_checkpoints.up.sql",
		"002_create_sync_failures.down.sql",
		"002_create_sync_failures.up.sql",
		"003_create_sync_run_metrics.down.sql",
		"003_create_sync_run_metrics.up.sql",
	}

	if !reflect.DeepEqual(files, expected) {
		t.Errorf("expected files %v, got %v", expected, files)
	}
}

func TestValidateEmbeddedSet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if err := Validate(); err != nil {
		t.Errorf("embedded migration validation failed: %v", err)
	}

	files, err := List()
	if err != nil {
		t.Fatalf("failed to list migrations: %v", err)
	}

	for _, file := range files {
		content, err := Content(file)
		if err != nil {
			t.Errorf("migration %s should be readable: %v", file, err)
			continue
		}

		if len(content) == 0 {
			t.Errorf("migration %s should not be empty", file)
		}
	}
}

func TestParseFilename(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	info, err := Parse("002_create_sync_failures.up.sql")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if info.Sequence != 2 || info.Name != "create_sync_failures" || info.Direction != "up" {
		t.Errorf("unexpected parse result: %+v", info)
	}

	invalid := []string{
		"migration.sql",
		"001.sql",
		"1_short_sequence.up.sql",
		"001_bad-chars.up.sql",
		"001_name.sideways.sql",
	}

	for _, name := range invalid {
		if _, err := Parse(name); err == nil {
			t.Errorf("expected parse error for %s, got nil", name)
		}
	}
}

func TestValidateRejectsOrphanedPair(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	orphaned := fstest.MapFS{
		"001_initial.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE t (id INTEGER);")},
		"001_initial.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE t;")},
		"002_addition.up.sql":  &fstest.MapFile{Data: []byte("ALTER TABLE t ADD COLUMN x INTEGER;")},
	}

	err := validateIn(orphaned)
	if err == nil {
		t.Fatal("expected validation error for orphaned up migration, got nil")
	}

	if !strings.Contains(err.Error(), "missing down migration") {
		t.Errorf("expected missing-down error, got: %v", err)
	}
}

func TestValidateRejectsSequenceGap(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	gapped := fstest.MapFS{
		"001_first.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE a (id INTEGER);")},
		"001_first.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE a;")},
		"003_third.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE c (id INTEGER);")},
		"003_third.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE c;")},
	}

	err := validateIn(gapped)
	if err == nil {
		t.Fatal("expected validation error for sequence gap, got nil")
	}

	if !strings.Contains(err.Error(), "gap in migration sequence") {
		t.Errorf("expected sequence-gap error, got: %v", err)
	}
}

func TestValidateRejectsWrongStart(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	late := fstest.MapFS{
		"002_second.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE b (id INTEGER);")},
		"002_second.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE b;")},
	}

	err := validateIn(late)
	if err == nil {
		t.Fatal("expected validation error for sequence not starting at 001, got nil")
	}

	if !strings.Contains(err.Error(), "should start with 001") {
		t.Errorf("expected sequence-start error, got: %v", err)
	}
}

func TestMaxSequence(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if got := MaxSequence(); got != 3 {
		t.Errorf("expected max sequence 3, got %d", got)
	}
}
