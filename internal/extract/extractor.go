// Package extract reads changed rows from the MySQL-family source. Batches
// page through the table on the (timestamp, primary key) keyset, never
// OFFSET, so a 100M-row table resumes in index time regardless of how far
// the cursor has moved.
package extract

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
	"github.com/go-sql-driver/mysql"
	"golang.org/x/time/rate"

	"github.com/syncline-io/syncline/internal/config"
	"github.com/syncline-io/syncline/internal/record"
)

var (
	// ErrSourceIntegrity is returned when the source breaks the extraction
	// contract: duplicate (timestamp, pk) pairs, NULL cursor columns, or a
	// timestamp column that is not a datetime. The run must stop; advancing
	// the cursor over broken ordering would silently skip rows.
	ErrSourceIntegrity = errors.New("source integrity violation")
)

const (
	burstMultiplier = 2

	pingTimeout = 5 * time.Second
)

// Transient MySQL server errors worth retrying: lock wait timeout, deadlock,
// server gone away, lost connection during query.
var transientMySQLErrors = map[uint16]bool{
	1205: true,
	1213: true,
	2006: true,
	2013: true,
}

// Extractor pulls changed rows from one source database. Safe for
// concurrent use; per-table streams each carry their own cursor.
type Extractor struct {
	db      *sql.DB
	limiter *rate.Limiter
	retry   config.RetryConfig
	logger  *slog.Logger
}

// New opens a connection pool against the source and verifies connectivity.
// The DSN is normalized to parse time columns into time.Time values, which
// cursor comparison depends on.
func New(cfg config.SourceConfig, retry config.RetryConfig) (*Extractor, error) {
	dsnCfg, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse source dsn: %w", err)
	}

	dsnCfg.ParseTime = true

	db, err := sql.Open("mysql", dsnCfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open source database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Std())

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping source database: %w", err)
	}

	ex := newWithDB(db, retry)
	ex.limiter = newLimiter(cfg)

	ex.logger.Debug("source extractor ready",
		slog.String("dsn", config.MaskDSN(cfg.DSN)),
		slog.Float64("rate_limit", cfg.RateLimit))

	return ex, nil
}

// NewWithDB wraps an existing connection pool without throttling. Used by
// integration tests that manage the database lifecycle themselves.
func NewWithDB(db *sql.DB, retry config.RetryConfig) *Extractor {
	return newWithDB(db, retry)
}

func newWithDB(db *sql.DB, retry config.RetryConfig) *Extractor {
	return &Extractor{
		db:      db,
		limiter: rate.NewLimiter(rate.Inf, 0),
		retry:   retry,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// newLimiter builds the source read throttle. Burst defaults to twice the
// sustained rate unless overridden.
func newLimiter(cfg config.SourceConfig) *rate.Limiter {
	if cfg.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = int(cfg.RateLimit) * burstMultiplier
	}

	if burst < 1 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
}

// Close closes the source connection pool.
func (e *Extractor) Close() error {
	return e.db.Close()
}

// withRetry executes one source query with exponential backoff on transient
// errors. Non-transient errors fail immediately.
func (e *Extractor) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retry.BaseDelay.Std()
	bo.MaxInterval = e.retry.MaxDelay.Std()
	bo.MaxElapsedTime = 0

	var retries uint64
	if e.retry.MaxAttempts > 1 {
		retries = uint64(e.retry.MaxAttempts - 1)
	}

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}

		if isTransient(err) {
			e.logger.Warn("transient source error, retrying", slog.String("error", err.Error()))

			return err
		}

		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx))
}

// isTransient reports whether a source error is worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return transientMySQLErrors[myErr.Number]
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// quoteIdent wraps an identifier in backticks for MySQL.
func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// CountSince returns the number of rows beyond the cursor, for progress
// estimates. The count races concurrent writes and is advisory only.
func (e *Extractor) CountSince(ctx context.Context, m config.TableMapping, cur Cursor) (int64, error) {
	query := "SELECT COUNT(*) FROM " + quoteIdent(m.SourceTable)

	var args []any

	if cur.Valid() {
		query += " WHERE " + cursorPredicate(m)
		args = cursorArgs(cur)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var n int64

	err := e.withRetry(ctx, func() error {
		return e.db.QueryRowContext(ctx, query, args...).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count changes in %s: %w", m.SourceTable, err)
	}

	return n, nil
}

// LatestTimestamp returns the newest timestamp value in the source table,
// or the zero time when the table is empty.
func (e *Extractor) LatestTimestamp(ctx context.Context, m config.TableMapping) (time.Time, error) {
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s",
		quoteIdent(m.TimestampColumn), quoteIdent(m.SourceTable))

	if err := e.limiter.Wait(ctx); err != nil {
		return time.Time{}, err
	}

	var latest sql.NullTime

	err := e.withRetry(ctx, func() error {
		return e.db.QueryRowContext(ctx, query).Scan(&latest)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read latest timestamp of %s: %w", m.SourceTable, err)
	}

	return latest.Time, nil
}

// SnapshotIDs returns every primary key currently present in the source
// table. Hard-delete detection diffs this set against the target.
func (e *Extractor) SnapshotIDs(ctx context.Context, m config.TableMapping) ([]record.Value, error) {
	pk := quoteIdent(m.SourcePrimaryKey())
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", pk, quoteIdent(m.SourceTable), pk)

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var ids []record.Value

	err := e.withRetry(ctx, func() error {
		rows, err := e.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		ids = ids[:0]

		for rows.Next() {
			var raw any
			if err := rows.Scan(&raw); err != nil {
				return err
			}

			v, err := record.FromSQL(raw)
			if err != nil {
				return fmt.Errorf("%w: primary key: %w", ErrSourceIntegrity, err)
			}

			if v.IsNull() {
				return fmt.Errorf("%w: NULL primary key in %s", ErrSourceIntegrity, m.SourceTable)
			}

			ids = append(ids, v)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot ids of %s: %w", m.SourceTable, err)
	}

	return ids, nil
}

// SoftDeletedSince returns the primary keys of rows whose soft-delete marker
// is set and whose timestamp moved past since. A zero since scans the whole
// table.
func (e *Extractor) SoftDeletedSince(ctx context.Context, m config.TableMapping, since time.Time) ([]record.Value, error) {
	if m.SoftDeleteColumn == "" {
		return nil, fmt.Errorf("table %s has no soft_delete_column", m.SourceTable)
	}

	pk := quoteIdent(m.SourcePrimaryKey())
	marker := quoteIdent(m.SoftDeleteColumn)
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IS NOT NULL",
		pk, marker, quoteIdent(m.SourceTable), marker)

	var args []any

	if !since.IsZero() {
		query += fmt.Sprintf(" AND %s > ?", quoteIdent(m.TimestampColumn))
		args = append(args, since.UTC())
	}

	query += " ORDER BY " + pk

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var ids []record.Value

	err := e.withRetry(ctx, func() error {
		rows, err := e.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		ids = ids[:0]

		for rows.Next() {
			var rawID, rawMarker any
			if err := rows.Scan(&rawID, &rawMarker); err != nil {
				return err
			}

			markerVal, err := record.FromSQL(rawMarker)
			if err != nil {
				return fmt.Errorf("%w: soft delete marker: %w", ErrSourceIntegrity, err)
			}

			if !isDeletedMarker(markerVal) {
				continue
			}

			id, err := record.FromSQL(rawID)
			if err != nil {
				return fmt.Errorf("%w: primary key: %w", ErrSourceIntegrity, err)
			}

			ids = append(ids, id)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list soft deletes of %s: %w", m.SourceTable, err)
	}

	return ids, nil
}

// isDeletedMarker interprets a soft-delete column value. Boolean-flavored
// columns delete on true, timestamp-flavored columns delete on any non-null
// value.
func isDeletedMarker(v record.Value) bool {
	switch v.Kind() {
	case record.KindNull:
		return false
	case record.KindBool:
		b, _ := v.BoolVal()

		return b
	case record.KindInt:
		i, _ := v.IntVal()

		return i != 0
	default:
		return true
	}
}
