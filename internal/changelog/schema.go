// Package changelog stores the per-table change log that shape requests are
// served from, and keeps it compact.
package changelog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// NotifyChannel is the LISTEN/NOTIFY channel that carries the table name of
// every append.
const NotifyChannel = "shapesync_log"

// Executor abstracts pgx query execution. *pgxpool.Pool and pgx.Tx implement it.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is an Executor that can open transactions.
type DB interface {
	Executor
	Begin(ctx context.Context) (pgx.Tx, error)
}

var schemaDDL = []string{
	`CREATE SCHEMA IF NOT EXISTS shapesync`,
	`CREATE TABLE IF NOT EXISTS shapesync.shape_log (
	log_offset BIGSERIAL PRIMARY KEY,
	table_name TEXT NOT NULL,
	row_key TEXT NOT NULL,
	operation TEXT NOT NULL,
	value JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS shape_log_table_offset_idx
	ON shapesync.shape_log (table_name, log_offset)`,
	`CREATE INDEX IF NOT EXISTS shape_log_table_key_idx
	ON shapesync.shape_log (table_name, row_key, log_offset DESC)`,
	`CREATE TABLE IF NOT EXISTS shapesync.shape_handles (
	table_name TEXT PRIMARY KEY,
	handle TEXT NOT NULL,
	compacted_through BIGINT NOT NULL DEFAULT 0,
	rotated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
}

// EnsureSchema creates the change log tables. It is idempotent.
func EnsureSchema(ctx context.Context, exec Executor) error {
	for _, ddl := range schemaDDL {
		if _, err := exec.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("changelog: ensure schema: %w", err)
		}
	}
	return nil
}
