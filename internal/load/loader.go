// Package load writes transformed rows into the PostgreSQL-family target.
// Batches land inside a single transaction; when a batch fails on a data
// error the loader replays it row by row so one poison row cannot block the
// rest of the batch.
package load

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"

	"github.com/syncline-io/syncline/internal/config"
	"github.com/syncline-io/syncline/internal/record"
)

const pingTimeout = 5 * time.Second

// Transient Postgres error classes worth retrying: connection exceptions
// (08), transaction rollbacks such as serialization failures and deadlocks
// (40), and insufficient resources (53).
var transientPQClasses = map[string]bool{
	"08": true,
	"40": true,
	"53": true,
}

// Loader writes rows into one target database. Safe for concurrent use;
// each call carries its own table mapping.
type Loader struct {
	db     *sql.DB
	retry  config.RetryConfig
	logger *slog.Logger
}

// New opens a connection pool against the target and verifies connectivity.
func New(cfg config.DBConfig, retry config.RetryConfig) (*Loader, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open target database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Std())

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping target database: %w", err)
	}

	l := NewWithDB(db, retry)
	l.logger.Debug("target loader ready", slog.String("dsn", config.MaskDSN(cfg.DSN)))

	return l, nil
}

// NewWithDB wraps an existing connection pool. Used by integration tests
// that manage the database lifecycle themselves.
func NewWithDB(db *sql.DB, retry config.RetryConfig) *Loader {
	return &Loader{
		db:    db,
		retry: retry,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Close closes the target connection pool.
func (l *Loader) Close() error {
	return l.db.Close()
}

// withRetry executes one target operation with exponential backoff on
// transient errors. Non-transient errors fail immediately; callers handle
// those through the row-by-row fallback instead.
func (l *Loader) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.retry.BaseDelay.Std()
	bo.MaxInterval = l.retry.MaxDelay.Std()
	bo.MaxElapsedTime = 0

	var retries uint64
	if l.retry.MaxAttempts > 1 {
		retries = uint64(l.retry.MaxAttempts - 1)
	}

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}

		if isTransient(err) {
			l.logger.Warn("transient target error, retrying", slog.String("error", err.Error()))

			return err
		}

		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx))
}

// isTransient reports whether a target error is worth retrying. Everything
// else is treated as a data error and handled per row.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientPQClasses[string(pqErr.Code.Class())]
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// quoteIdent wraps an identifier in double quotes for PostgreSQL.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Delete removes the given primary keys from the target. Soft deletion
// stamps the configured marker column instead of removing rows, and skips
// rows already marked so the original deletion time survives replays.
// Returns the number of rows affected; ids already absent are not an error.
func (l *Loader) Delete(ctx context.Context, m config.TableMapping, ids []record.Value, soft bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var total int64

	for _, part := range chunk(ids, 1) {
		query, args, err := deleteQuery(m, part, soft)
		if err != nil {
			return total, err
		}

		var n int64

		err = l.withRetry(ctx, func() error {
			res, execErr := l.db.ExecContext(ctx, query, args...)
			if execErr != nil {
				return execErr
			}

			n, execErr = res.RowsAffected()

			return execErr
		})
		if err != nil {
			return total, fmt.Errorf("failed to delete from %s: %w", m.TargetTable, err)
		}

		total += n
	}

	return total, nil
}

// deleteQuery builds one hard or soft delete statement for a chunk of keys.
func deleteQuery(m config.TableMapping, ids []record.Value, soft bool) (string, []any, error) {
	pk := quoteIdent(m.PrimaryKey)

	args := make([]any, 0, len(ids)+1)

	if soft {
		col := m.TargetSoftDeleteColumn()
		if col == "" {
			return "", nil, fmt.Errorf("soft delete on %s needs soft_delete_column", m.SourceTable)
		}

		args = append(args, time.Now().UTC())
		marker := quoteIdent(col)
		query := fmt.Sprintf("UPDATE %s SET %s = $1 WHERE %s IN (%s) AND %s IS NULL",
			quoteIdent(m.TargetTable), marker, pk, placeholders(len(ids), 2), marker)

		return query, appendSQLValues(args, ids), nil
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
		quoteIdent(m.TargetTable), pk, placeholders(len(ids), 1))

	return query, appendSQLValues(args, ids), nil
}

// ExistingIDs returns every primary key currently on the target, keyed by
// display form. Hard-delete detection diffs the keys against the source
// snapshot and deletes by the mapped values, so both sides must use the
// same key encoding.
func (l *Loader) ExistingIDs(ctx context.Context, m config.TableMapping) (map[string]record.Value, error) {
	query := fmt.Sprintf("SELECT %s FROM %s", quoteIdent(m.PrimaryKey), quoteIdent(m.TargetTable))

	var ids map[string]record.Value

	err := l.withRetry(ctx, func() error {
		rows, err := l.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		ids = make(map[string]record.Value)

		for rows.Next() {
			var raw any
			if err := rows.Scan(&raw); err != nil {
				return err
			}

			v, err := record.FromSQL(raw)
			if err != nil {
				return err
			}

			ids[v.Display()] = v
		}

		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list target ids for %s: %w", m.TargetTable, err)
	}

	return ids, nil
}

// Verify counts how many of the sampled primary keys exist on the target.
// Used for post-sync spot checks; a shortfall means rows went missing.
func (l *Loader) Verify(ctx context.Context, m config.TableMapping, sample []record.Value) (int64, error) {
	if len(sample) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IN (%s)",
		quoteIdent(m.TargetTable), quoteIdent(m.PrimaryKey), placeholders(len(sample), 1))

	var n int64

	err := l.withRetry(ctx, func() error {
		return l.db.QueryRowContext(ctx, query, appendSQLValues(nil, sample)...).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to verify %s: %w", m.TargetTable, err)
	}

	return n, nil
}

// placeholders renders "$from, $from+1, ..." for n positional parameters.
func placeholders(n, from int) string {
	var b strings.Builder

	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}

		fmt.Fprintf(&b, "$%d", from+i)
	}

	return b.String()
}

// appendSQLValues appends the driver form of each value to args.
func appendSQLValues(args []any, vals []record.Value) []any {
	for _, v := range vals {
		args = append(args, v.SQL())
	}

	return args
}
