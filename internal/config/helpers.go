package config

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/go-sql-driver/mysql" // registers the mysql driver for source containers

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/syncline-io/syncline/migrations"
)

const (
	occurrenceCount       = 2
	defaultStartUpTimeOut = 120 * time.Second
	defaultPostgresImage  = "postgres:16-alpine"
	defaultMySQLImage     = "mysql:8.0"
)

// TestDatabase encapsulates test database resources for cleanup.
// Used by integration tests across multiple packages to maintain consistent test infrastructure.
type TestDatabase struct {
	Container  *postgres.PostgresContainer
	Connection *sql.DB
	ConnString string
}

// SetupTestDatabase creates a PostgreSQL container and applies the state
// schema migrations. This is the standard way to set up integration test
// databases across all packages.
//
// Usage:
//
//	func TestMyFeature(t *testing.T) {
//		if testing.Short() {
//			t.Skip("skipping integration test in short mode")
//		}
//		ctx := context.Background()
//		testDB := config.SetupTestDatabase(ctx, t)
//		t.Cleanup(func() {
//			_ = testDB.Connection.Close()
//			_ = testcontainers.TerminateContainer(testDB.Container)
//		})
//		// ... your test code
//	}
//
// The function automatically:
//   - Creates a PostgreSQL 16-alpine container
//   - Waits for the database to be ready
//   - Applies the embedded state schema migrations
//   - Returns a TestDatabase with an active connection
//
// The container image and startup timeout honor SYNCLINE_TEST_POSTGRES_IMAGE
// and SYNCLINE_TEST_STARTUP_TIMEOUT for CI environments with mirrored
// registries or slow hosts.
//
// Cleanup is the caller's responsibility using t.Cleanup().
func SetupTestDatabase(ctx context.Context, t *testing.T) *TestDatabase {
	t.Helper()

	pgContainer, err := postgres.Run(ctx,
		GetEnvStr("SYNCLINE_TEST_POSTGRES_IMAGE", defaultPostgresImage),
		postgres.WithDatabase("syncline_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(occurrenceCount).
				WithStartupTimeout(GetEnvDuration("SYNCLINE_TEST_STARTUP_TIMEOUT", defaultStartUpTimeOut)),
		),
	)
	require.NoError(t, err, "Failed to start postgres container")
	require.NotNil(t, pgContainer, "postgres container is nil")

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	conn, err := sql.Open("postgres", connStr)
	require.NoError(t, err, "Failed to open database")

	if err := RunTestMigrations(conn); err != nil {
		_ = conn.Close()
		_ = testcontainers.TerminateContainer(pgContainer)

		t.Fatalf("Failed to run migrations: %v", err)
	}

	return &TestDatabase{
		Container:  pgContainer,
		Connection: conn,
		ConnString: connStr,
	}
}

// TestSource encapsulates a MySQL container playing the role of the source
// database in extraction tests.
type TestSource struct {
	Container  *tcmysql.MySQLContainer
	Connection *sql.DB
	ConnString string
}

// SetupTestSource creates a MySQL 8 container for extraction integration
// tests. Unlike SetupTestDatabase it applies no schema; each test creates
// the tables it extracts from.
//
// The connection string carries parseTime=true so datetime columns scan into
// time.Time, matching what the extractor configures on real DSNs.
//
// Cleanup is the caller's responsibility using t.Cleanup().
func SetupTestSource(ctx context.Context, t *testing.T) *TestSource {
	t.Helper()

	mysqlContainer, err := tcmysql.Run(ctx,
		GetEnvStr("SYNCLINE_TEST_MYSQL_IMAGE", defaultMySQLImage),
		tcmysql.WithDatabase("syncline_src"),
		tcmysql.WithUsername("test"),
		tcmysql.WithPassword("test"),
	)
	require.NoError(t, err, "Failed to start mysql container")
	require.NotNil(t, mysqlContainer, "mysql container is nil")

	connStr, err := mysqlContainer.ConnectionString(ctx, "parseTime=true")
	require.NoError(t, err, "Failed to get connection string")

	conn, err := sql.Open("mysql", connStr)
	require.NoError(t, err, "Failed to open database")

	return &TestSource{
		Container:  mysqlContainer,
		Connection: conn,
		ConnString: connStr,
	}
}

// RunTestMigrations applies the embedded state schema migrations using
// golang-migrate. The embedded source means callers at any package depth get
// the same schema with no relative paths.
//
// Returns:
//   - nil if migrations succeed or no changes needed
//   - error if migrations fail
func RunTestMigrations(db *sql.DB) error {
	src, err := iofs.New(migrations.FS(), ".")
	if err != nil {
		return err
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}

	// ErrNoChange is not an error - it means migrations are already applied
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}
