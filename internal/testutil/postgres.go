//go:build integration

// Package testutil starts disposable dependencies for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// SetupPostgres starts a Postgres container and returns its connection string.
func SetupPostgres(t testing.TB) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:17-alpine",
		postgres.WithDatabase("shapesync_test"),
		postgres.WithUsername("shapesync"),
		postgres.WithPassword("shapesync"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	return connStr
}

// SetupPool starts Postgres and returns a pool closed on cleanup.
func SetupPool(t testing.TB) *pgxpool.Pool {
	t.Helper()

	pool, err := pgxpool.New(context.Background(), SetupPostgres(t))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// SetupDB starts Postgres and returns a database/sql handle on the pgx driver.
func SetupDB(t testing.TB) *sql.DB {
	t.Helper()

	db, err := sql.Open("pgx", SetupPostgres(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
