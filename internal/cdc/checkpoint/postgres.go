package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	jsoniter "github.com/json-iterator/go"

	"github.com/janovincze/shapesync/internal/cdc"
)

const table = "shapesync.cdc_checkpoints"

const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS shapesync;
CREATE TABLE IF NOT EXISTS shapesync.cdc_checkpoints (
	source_id    TEXT PRIMARY KEY,
	lsn          TEXT NOT NULL,
	committed_at TIMESTAMPTZ NOT NULL,
	metadata     JSONB
);`

var (
	json = jsoniter.ConfigCompatibleWithStandardLibrary
	psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
)

// PostgresManager stores checkpoints in shapesync.cdc_checkpoints.
type PostgresManager struct {
	db     *sql.DB
	owned  bool
	logger *slog.Logger
}

// PostgresConfig configures the connection NewPostgresManager opens.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgresManager opens its own connection pool and creates the checkpoint
// table if needed.
func NewPostgresManager(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresManager, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	m, err := NewPostgresManagerWithDB(ctx, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	m.owned = true
	return m, nil
}

// NewPostgresManagerWithDB uses an existing pool. Close leaves db open.
func NewPostgresManagerWithDB(ctx context.Context, db *sql.DB, logger *slog.Logger) (*PostgresManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return nil, fmt.Errorf("create checkpoint table: %w", err)
	}
	return &PostgresManager{
		db:     db,
		logger: logger.With("component", "checkpoint-manager"),
	}, nil
}

// Save upserts the checkpoint for its source.
func (m *PostgresManager) Save(ctx context.Context, checkpoint cdc.Checkpoint) error {
	var metadata []byte
	if checkpoint.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(checkpoint.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	committedAt := checkpoint.CommittedAt
	if committedAt.IsZero() {
		committedAt = time.Now()
	}

	query, args, err := psql.Insert(table).
		Columns("source_id", "lsn", "committed_at", "metadata").
		Values(checkpoint.SourceID, checkpoint.LSN, committedAt, metadata).
		Suffix(`ON CONFLICT (source_id) DO UPDATE SET
			lsn = EXCLUDED.lsn,
			committed_at = EXCLUDED.committed_at,
			metadata = EXCLUDED.metadata`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	m.logger.Debug("checkpoint saved", "source_id", checkpoint.SourceID, "lsn", checkpoint.LSN)
	return nil
}

// Load returns the checkpoint for sourceID, or nil if there is none.
func (m *PostgresManager) Load(ctx context.Context, sourceID string) (*cdc.Checkpoint, error) {
	query, args, err := psql.Select("source_id", "lsn", "committed_at", "metadata").
		From(table).
		Where(sq.Eq{"source_id": sourceID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var (
		checkpoint cdc.Checkpoint
		metadata   []byte
	)
	err = m.db.QueryRowContext(ctx, query, args...).Scan(
		&checkpoint.SourceID,
		&checkpoint.LSN,
		&checkpoint.CommittedAt,
		&metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &checkpoint.Metadata); err != nil {
			m.logger.Warn("failed to unmarshal checkpoint metadata", "error", err)
		}
	}
	return &checkpoint, nil
}

// Delete removes the checkpoint for sourceID.
func (m *PostgresManager) Delete(ctx context.Context, sourceID string) error {
	query, args, err := psql.Delete(table).Where(sq.Eq{"source_id": sourceID}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	m.logger.Debug("checkpoint deleted", "source_id", sourceID)
	return nil
}

// Close closes the pool if the manager opened it.
func (m *PostgresManager) Close() error {
	if !m.owned {
		return nil
	}
	return m.db.Close()
}

var _ Manager = (*PostgresManager)(nil)
