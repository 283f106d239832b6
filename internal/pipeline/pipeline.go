// Package pipeline drives the per-table sync loop: extract, transform,
// validate, load, advance the checkpoint. Tables fan out over a bounded
// worker pool; one table's failure never cancels another.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/syncline-io/syncline/internal/config"
	"github.com/syncline-io/syncline/internal/events"
	"github.com/syncline-io/syncline/internal/extract"
	"github.com/syncline-io/syncline/internal/load"
	"github.com/syncline-io/syncline/internal/record"
	"github.com/syncline-io/syncline/internal/state"
	"github.com/syncline-io/syncline/internal/transform"
	"github.com/syncline-io/syncline/internal/validate"
)

type (
	// ChangeStream yields source changes in composite-cursor order.
	ChangeStream interface {
		Next(ctx context.Context) bool
		Change() *extract.Change
		Err() error
		Cursor() extract.Cursor
	}

	// Source is the slice of the extractor the orchestrator drives.
	// Scripted implementations stand in for a real database in tests.
	Source interface {
		Changes(m config.TableMapping, cur extract.Cursor) ChangeStream
		CountSince(ctx context.Context, m config.TableMapping, cur extract.Cursor) (int64, error)
		SnapshotIDs(ctx context.Context, m config.TableMapping) ([]record.Value, error)
		SoftDeletedSince(ctx context.Context, m config.TableMapping, since time.Time) ([]record.Value, error)
	}

	// Target is the slice of the loader the orchestrator drives.
	Target interface {
		LoadBatch(ctx context.Context, m config.TableMapping, rows []record.Row) (load.Result, error)
		Delete(ctx context.Context, m config.TableMapping, ids []record.Value, soft bool) (int64, error)
		ExistingIDs(ctx context.Context, m config.TableMapping) (map[string]record.Value, error)
		Verify(ctx context.Context, m config.TableMapping, sample []record.Value) (int64, error)
	}

	// tablePipeline is one table's compiled processing chain.
	tablePipeline struct {
		mapping     config.TableMapping
		transformer *transform.Transformer
		validator   *validate.Validator
	}

	// Tables holds every compiled per-table pipeline, keyed by source table.
	// Compilation resolves all transform and rule names, so a broken mapping
	// fails here, before any database connection is opened.
	Tables struct {
		byName map[string]*tablePipeline
		order  []string
	}

	// Orchestrator runs sync rounds against one source/target pair.
	Orchestrator struct {
		cfg     *config.Config
		tables  *Tables
		store   state.Store
		source  Source
		target  Target
		emitter events.Emitter
		logger  *slog.Logger
	}
)

var _ Target = (*load.Loader)(nil)

// CompileTables builds the processing chain for every mapping.
func CompileTables(mappings []config.TableMapping) (*Tables, error) {
	t := &Tables{byName: make(map[string]*tablePipeline, len(mappings))}

	for _, m := range mappings {
		tr, err := transform.Compile(m)
		if err != nil {
			return nil, err
		}

		va, err := validate.Compile(m)
		if err != nil {
			return nil, err
		}

		t.byName[m.SourceTable] = &tablePipeline{mapping: m, transformer: tr, validator: va}
		t.order = append(t.order, m.SourceTable)
	}

	return t, nil
}

// Names returns the configured source tables in mapping order.
func (t *Tables) Names() []string {
	names := make([]string, len(t.order))
	copy(names, t.order)

	return names
}

// selectTables resolves a table filter against the compiled set, preserving
// mapping order. An empty filter selects every table.
func (t *Tables) selectTables(names []string) ([]*tablePipeline, error) {
	if len(names) == 0 {
		selected := make([]*tablePipeline, 0, len(t.order))
		for _, name := range t.order {
			selected = append(selected, t.byName[name])
		}

		return selected, nil
	}

	selected := make([]*tablePipeline, 0, len(names))

	for _, name := range names {
		tp, ok := t.byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown table %q", config.ErrInvalidConfig, name)
		}

		selected = append(selected, tp)
	}

	return selected, nil
}

// New wires an orchestrator. The emitter may be nil, which disables events.
func New(cfg *config.Config, tables *Tables, store state.Store, source Source, target Target, emitter events.Emitter) *Orchestrator {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}

	return &Orchestrator{
		cfg:     cfg,
		tables:  tables,
		store:   store,
		source:  source,
		target:  target,
		emitter: emitter,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// extractorSource adapts the concrete extractor to the Source interface;
// Go will not treat the *extract.Stream return as a ChangeStream by itself.
type extractorSource struct {
	ex *extract.Extractor
}

// NewSource wraps a live extractor for the orchestrator.
func NewSource(ex *extract.Extractor) Source {
	return extractorSource{ex: ex}
}

func (s extractorSource) Changes(m config.TableMapping, cur extract.Cursor) ChangeStream {
	return s.ex.Changes(m, cur)
}

func (s extractorSource) CountSince(ctx context.Context, m config.TableMapping, cur extract.Cursor) (int64, error) {
	return s.ex.CountSince(ctx, m, cur)
}

func (s extractorSource) SnapshotIDs(ctx context.Context, m config.TableMapping) ([]record.Value, error) {
	return s.ex.SnapshotIDs(ctx, m)
}

func (s extractorSource) SoftDeletedSince(ctx context.Context, m config.TableMapping, since time.Time) ([]record.Value, error) {
	return s.ex.SoftDeletedSince(ctx, m, since)
}
