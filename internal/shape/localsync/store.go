package localsync

import (
	"context"
	"database/sql"
	"fmt"

	// SQLite driver
	_ "modernc.org/sqlite"
)

// Executor runs statements against the local database, inside or outside a
// transaction. *sql.DB and *sql.Tx satisfy it.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Store is the embedded table capability the adapter needs.
type Store interface {
	Executor
	Transaction(ctx context.Context, fn func(Executor) error) error
}

// SQLite is a Store backed by an embedded SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the SQLite database at dsn. Use ":memory:" for a
// throwaway database.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer at a time; also keeps an in-memory database on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

// DB returns the underlying database handle.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// ExecContext executes a statement outside a transaction.
func (s *SQLite) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// QueryContext runs a query outside a transaction.
func (s *SQLite) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// Transaction runs fn in a transaction. It commits when fn returns nil and
// rolls back otherwise.
func (s *SQLite) Transaction(ctx context.Context, fn func(Executor) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
