package storage

import (
	"context"
	"testing"
	"time"

	"github.com/timelock-gifts/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// testPostgres connects to the local test database and applies migrations,
// skipping the test when Postgres is unavailable.
func testPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "timelock_gifts_test",
		User:           "gifts",
		Password:       "gifts_dev_password",
		MaxConnections: 10,
	}

	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(PostgresURL(cfg), "../../migrations/postgres"); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	ctx := testContext(t)
	if _, err := db.Pool().Exec(ctx, `TRUNCATE gifts, wallets RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncate error = %v", err)
	}
	return db
}
