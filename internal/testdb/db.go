package testdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/phrazzld/taskq/internal/platform/postgres/migrations"
	"github.com/stretchr/testify/require"
)

// TestTimeout defines a default timeout for test database operations.
const TestTimeout = 5 * time.Second

// Environment variables consulted by the package.
const (
	EnvDatabaseURL     = "DATABASE_URL"
	EnvTestDatabaseURL = "TASKQ_TEST_DATABASE_URL"
	EnvTestcontainers  = "TASKQ_TESTCONTAINERS"
)

var (
	schemaMu      sync.Mutex
	migratedURLs  = map[string]bool{}
	quietMigrator = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
)

// GetTestDatabaseURL returns the configured database URL, checking
// DATABASE_URL and TASKQ_TEST_DATABASE_URL in that order.
func GetTestDatabaseURL() string {
	if dbURL := os.Getenv(EnvDatabaseURL); dbURL != "" {
		return dbURL
	}
	return os.Getenv(EnvTestDatabaseURL)
}

// UseTestcontainers reports whether a container may be started when no
// database URL is configured.
func UseTestcontainers() bool {
	return os.Getenv(EnvTestcontainers) == "1"
}

// IsIntegrationTestEnvironment returns true if a database is reachable by
// either configured URL or testcontainers.
func IsIntegrationTestEnvironment() bool {
	return GetTestDatabaseURL() != "" || UseTestcontainers()
}

// GetTestDBWithT returns a migrated database connection and registers its
// cleanup. It skips the test when no database is available.
func GetTestDBWithT(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := GetTestDatabaseURL()
	if dbURL == "" {
		if !UseTestcontainers() {
			t.Skipf("%s not set and %s!=1 - skipping integration test", EnvDatabaseURL, EnvTestcontainers)
		}
		var err error
		dbURL, err = containerURL()
		require.NoError(t, err, "Failed to start Postgres container")
	}

	db, err := OpenDB(dbURL)
	require.NoError(t, err, "Failed to open database connection")

	t.Cleanup(func() {
		CleanupDB(t, db)
	})

	SetupTestDatabaseSchema(t, db, dbURL)
	return db
}

// OpenDB opens and pings a pgx-backed connection pool.
func OpenDB(dbURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("database ping failed: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return db, nil
}

// SetupTestDatabaseSchema applies the embedded migrations, once per database
// URL and test binary.
func SetupTestDatabaseSchema(t *testing.T, db *sql.DB, dbURL string) {
	t.Helper()

	schemaMu.Lock()
	defer schemaMu.Unlock()

	if migratedURLs[dbURL] {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, migrations.Up(ctx, db, quietMigrator), "Failed to run migrations")
	migratedURLs[dbURL] = true
}

// CleanupDB properly closes a database connection, logging any errors.
func CleanupDB(t *testing.T, db *sql.DB) {
	t.Helper()
	if db == nil {
		return
	}

	if err := db.Close(); err != nil {
		t.Logf("Warning: failed to close database connection: %v", err)
	}
}
