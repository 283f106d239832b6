// Package migrations embeds the sync state schema and validates it at
// startup. The schema lives in the state database (PostgreSQL); target
// tables themselves are owned by the user and never migrated here.
//
// Migration files follow the strict naming standard
// NNN_name.up.sql / NNN_name.down.sql. Validation enforces the format,
// up/down pairing, and a gap-free sequence so a half-shipped schema is
// caught before any migration runs.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var files embed.FS

// Info describes one parsed migration file.
type Info struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

// filenameRegex matches 001_migration_name.up.sql and 001_migration_name.down.sql.
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// FS returns the embedded migration filesystem, suitable for the
// golang-migrate iofs source driver.
func FS() fs.FS {
	return files
}

// List returns every embedded migration file that conforms to the naming
// standard, sorted lexicographically. Non-conforming files are excluded so
// they can never be applied by accident.
func List() ([]string, error) {
	return listIn(files)
}

// Validate checks the embedded migration set: every filename parses, every
// up has a down, and sequence numbers start at 001 with no gaps.
func Validate() error {
	return validateIn(files)
}

// Content returns the raw SQL of one embedded migration file.
func Content(filename string) ([]byte, error) {
	return fs.ReadFile(files, filename)
}

func listIn(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	var out []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) == ".sql" && filenameRegex.MatchString(name) {
			out = append(out, name)
		}
	}

	sort.Strings(out)

	return out, nil
}

func validateIn(fsys fs.FS) error {
	names, err := listIn(fsys)
	if err != nil {
		return err
	}

	if len(names) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	pairs := make(map[string]map[string]bool)
	sequences := make(map[int]bool)

	for _, name := range names {
		info, err := Parse(name)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if pairs[key] == nil {
			pairs[key] = make(map[string]bool)
		}

		pairs[key][info.Direction] = true
		sequences[info.Sequence] = true
	}

	for key, directions := range pairs {
		if !directions["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !directions["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	var ordered []int
	for seq := range sequences {
		ordered = append(ordered, seq)
	}

	sort.Ints(ordered)

	if ordered[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, but found %03d", ordered[0])
	}

	for i := 1; i < len(ordered); i++ {
		if ordered[i] != ordered[i-1]+1 {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d",
				ordered[i-1]+1, ordered[i])
		}
	}

	return nil
}

// Parse extracts sequence, name, and direction from a migration filename.
func Parse(filename string) (*Info, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename format: %s (expected: 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number in filename %s: %w", filename, err)
	}

	return &Info{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// MaxSequence returns the highest sequence number in the embedded set,
// which is the schema version this binary can bring a database up to.
func MaxSequence() int {
	names, err := listIn(files)
	if err != nil {
		return 0
	}

	maxSeq := 0

	for _, name := range names {
		if info, err := Parse(name); err == nil && info.Sequence > maxSeq {
			maxSeq = info.Sequence
		}
	}

	return maxSeq
}
