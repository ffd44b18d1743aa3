package changelog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"

	"github.com/janovincze/shapesync/internal/metrics"
	"github.com/janovincze/shapesync/internal/shape"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var entryColumns = []string{"log_offset", "table_name", "row_key", "operation", "value", "created_at"}

// ErrEmptyAppend is returned when Append is called without entries.
var ErrEmptyAppend = errors.New("changelog: at least one entry required")

// Entry is one change log record.
type Entry struct {
	Offset    shape.Offset
	Table     string
	Key       string
	Operation shape.Operation
	Value     shape.Row
	CreatedAt time.Time
}

// Message converts the entry into its wire form.
func (e Entry) Message() shape.Message {
	return shape.Message{
		Key:   e.Key,
		Value: e.Value,
		Headers: shape.Headers{
			Operation: e.Operation,
			Offset:    e.Offset,
		},
	}
}

// HandleInfo identifies the current generation of a table's log.
type HandleInfo struct {
	Table string
	// Handle changes whenever the log is rotated.
	Handle string
	// CompactedThrough is the highest offset removed by compaction; cursors
	// below it can no longer be served incrementally.
	CompactedThrough shape.Offset
	RotatedAt        time.Time
}

// Expired reports whether a cursor at offset can no longer be served.
func (h HandleInfo) Expired(offset shape.Offset) bool {
	return offset >= 0 && offset < h.CompactedThrough
}

// Store reads and writes the change log.
type Store struct {
	db     DB
	logger *slog.Logger
}

// NewStore creates a change log store.
func NewStore(db DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "changelog")}
}

// Append writes entries in one transaction and notifies listeners of every
// table touched. Offsets are assigned by the database.
func (s *Store) Append(ctx context.Context, entries []Entry) ([]shape.Offset, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyAppend
	}

	builder := psql.Insert("shapesync.shape_log").Columns("table_name", "row_key", "operation", "value")
	tables := make(map[string]struct{})
	for _, e := range entries {
		if !e.Operation.Valid() {
			return nil, fmt.Errorf("changelog: append: invalid operation %q", e.Operation)
		}
		var value []byte
		if e.Value != nil {
			data, err := json.Marshal(e.Value)
			if err != nil {
				return nil, fmt.Errorf("changelog: append: encode value: %w", err)
			}
			value = data
		}
		builder = builder.Values(e.Table, e.Key, string(e.Operation), value)
		tables[e.Table] = struct{}{}
	}

	query, args, err := builder.Suffix("RETURNING log_offset").ToSql()
	if err != nil {
		return nil, fmt.Errorf("changelog: append: build sql: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("changelog: append: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("changelog: append: %w", err)
	}
	offsets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (shape.Offset, error) {
		var off int64
		err := row.Scan(&off)
		return shape.Offset(off), err
	})
	if err != nil {
		return nil, fmt.Errorf("changelog: append: read offsets: %w", err)
	}

	for _, table := range sortedTables(tables) {
		if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, table); err != nil {
			return nil, fmt.Errorf("changelog: append: notify: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("changelog: append: commit: %w", err)
	}

	for _, e := range entries {
		metrics.ChangelogAppendsTotal.WithLabelValues(e.Table, string(e.Operation)).Inc()
	}
	return offsets, nil
}

// Handle returns the handle of table's log, creating one on first use.
func (s *Store) Handle(ctx context.Context, table string) (HandleInfo, error) {
	_, err := s.db.Exec(ctx,
		`INSERT INTO shapesync.shape_handles (table_name, handle) VALUES ($1, $2)
		ON CONFLICT (table_name) DO NOTHING`,
		table, uuid.NewString(),
	)
	if err != nil {
		return HandleInfo{}, fmt.Errorf("changelog: handle %s: %w", table, err)
	}
	return s.readHandle(ctx, s.db, table)
}

func (s *Store) readHandle(ctx context.Context, exec Executor, table string) (HandleInfo, error) {
	query, args, err := psql.Select("table_name", "handle", "compacted_through", "rotated_at").
		From("shapesync.shape_handles").
		Where(sq.Eq{"table_name": table}).
		ToSql()
	if err != nil {
		return HandleInfo{}, fmt.Errorf("changelog: handle %s: build sql: %w", table, err)
	}

	var h HandleInfo
	var compacted int64
	err = exec.QueryRow(ctx, query, args...).Scan(&h.Table, &h.Handle, &compacted, &h.RotatedAt)
	if err != nil {
		return HandleInfo{}, fmt.Errorf("changelog: handle %s: %w", table, err)
	}
	h.CompactedThrough = shape.Offset(compacted)
	return h, nil
}

// Rotate discards table's log and issues a new handle. Clients holding the
// old handle are sent back to a fresh snapshot.
func (s *Store) Rotate(ctx context.Context, table string) (HandleInfo, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return HandleInfo{}, fmt.Errorf("changelog: rotate %s: begin: %w", table, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query, args, err := psql.Delete("shapesync.shape_log").Where(sq.Eq{"table_name": table}).ToSql()
	if err != nil {
		return HandleInfo{}, fmt.Errorf("changelog: rotate %s: build sql: %w", table, err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return HandleInfo{}, fmt.Errorf("changelog: rotate %s: clear log: %w", table, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO shapesync.shape_handles (table_name, handle, compacted_through, rotated_at)
		VALUES ($1, $2, 0, now())
		ON CONFLICT (table_name) DO UPDATE
		SET handle = EXCLUDED.handle, compacted_through = 0, rotated_at = EXCLUDED.rotated_at`,
		table, uuid.NewString(),
	)
	if err != nil {
		return HandleInfo{}, fmt.Errorf("changelog: rotate %s: new handle: %w", table, err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, table); err != nil {
		return HandleInfo{}, fmt.Errorf("changelog: rotate %s: notify: %w", table, err)
	}

	h, err := s.readHandle(ctx, tx, table)
	if err != nil {
		return HandleInfo{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return HandleInfo{}, fmt.Errorf("changelog: rotate %s: commit: %w", table, err)
	}

	metrics.ChangelogRotationsTotal.WithLabelValues(table).Inc()
	s.logger.Info("rotated shape log", "table", table, "handle", h.Handle)
	return h, nil
}

// Seed loads the current contents of table into an empty log as inserts.
// It does nothing when the log already has entries for table.
func (s *Store) Seed(ctx context.Context, table string, keyColumns []string) (int64, error) {
	if !shape.ValidTableName(table) {
		return 0, fmt.Errorf("changelog: seed: %w: %q", shape.ErrInvalidIdentifier, table)
	}
	if len(keyColumns) == 0 {
		return 0, fmt.Errorf("changelog: seed %s: %w", table, shape.ErrMissingPrimaryKey)
	}

	keyExprs := make([]string, len(keyColumns))
	for i, col := range keyColumns {
		if !shape.ValidColumnName(col) {
			return 0, fmt.Errorf("changelog: seed %s: %w: %q", table, shape.ErrInvalidIdentifier, col)
		}
		keyExprs[i] = "t." + pq.QuoteIdentifier(col) + "::text"
	}

	head, err := s.Head(ctx, table)
	if err != nil {
		return 0, err
	}
	if head > 0 {
		return 0, nil
	}

	query := fmt.Sprintf(
		`INSERT INTO shapesync.shape_log (table_name, row_key, operation, value)
		SELECT $1, concat_ws('/', %s), 'insert', row_to_json(t)::jsonb FROM %s t`,
		strings.Join(keyExprs, ", "), quoteTable(table),
	)
	tag, err := s.db.Exec(ctx, query, table)
	if err != nil {
		return 0, fmt.Errorf("changelog: seed %s: %w", table, err)
	}

	n := tag.RowsAffected()
	if n > 0 {
		if _, err := s.db.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, table); err != nil {
			s.logger.Warn("failed to notify after seed", "table", table, "error", err)
		}
	}
	s.logger.Info("seeded shape log", "table", table, "rows", n)
	return n, nil
}

// Head returns the highest offset in table's log, or 0 when it is empty.
func (s *Store) Head(ctx context.Context, table string) (shape.Offset, error) {
	query, args, err := psql.Select("COALESCE(MAX(log_offset), 0)").
		From("shapesync.shape_log").
		Where(sq.Eq{"table_name": table}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("changelog: head %s: build sql: %w", table, err)
	}

	var head int64
	if err := s.db.QueryRow(ctx, query, args...).Scan(&head); err != nil {
		return 0, fmt.Errorf("changelog: head %s: %w", table, err)
	}
	return shape.Offset(head), nil
}

// ReadLog returns raw entries after the given offset, oldest first.
func (s *Store) ReadLog(ctx context.Context, table string, after shape.Offset, limit int) ([]Entry, error) {
	builder := psql.Select(entryColumns...).
		From("shapesync.shape_log").
		Where(sq.Eq{"table_name": table}).
		Where(sq.Gt{"log_offset": int64(after)}).
		OrderBy("log_offset ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("changelog: read %s: build sql: %w", table, err)
	}
	return s.query(ctx, query, args)
}

// ReadCompacted returns the latest entry per key after the given offset,
// ordered by offset. Reading from the start omits deleted keys; later pages
// keep deletes so a paginated snapshot observes rows removed between pages.
func (s *Store) ReadCompacted(ctx context.Context, table string, after shape.Offset, limit int) ([]Entry, error) {
	latest := sq.Select(entryColumns...).
		Options("DISTINCT ON (row_key)").
		From("shapesync.shape_log").
		Where(sq.Eq{"table_name": table}).
		Where(sq.Gt{"log_offset": int64(after)}).
		OrderBy("row_key", "log_offset DESC")

	builder := psql.Select(entryColumns...).
		FromSelect(latest, "latest").
		OrderBy("log_offset ASC")
	if after == shape.BeforeStart {
		builder = builder.Where(sq.NotEq{"operation": string(shape.OperationDelete)})
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("changelog: read compacted %s: build sql: %w", table, err)
	}
	return s.query(ctx, query, args)
}

func (s *Store) query(ctx context.Context, query string, args []any) ([]Entry, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("changelog: query: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("changelog: scan: %w", err)
	}
	return entries, nil
}

func scanEntry(row pgx.CollectableRow) (Entry, error) {
	var (
		e      Entry
		offset int64
		op     string
		value  []byte
	)
	if err := row.Scan(&offset, &e.Table, &e.Key, &op, &value, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	e.Offset = shape.Offset(offset)
	e.Operation = shape.Operation(op)
	if len(value) > 0 {
		if err := json.Unmarshal(value, &e.Value); err != nil {
			return Entry{}, fmt.Errorf("decode value at offset %d: %w", offset, err)
		}
	}
	return e, nil
}

// Compact removes entries superseded by a newer entry for the same key and
// tombstones older than retention. Cursors below the highest removed
// tombstone must resnapshot.
func (s *Store) Compact(ctx context.Context, table string, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("changelog: compact %s: begin: %w", table, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	superseded, err := tx.Exec(ctx,
		`DELETE FROM shapesync.shape_log l
		USING shapesync.shape_log newer
		WHERE l.table_name = $1 AND newer.table_name = $1
		  AND newer.row_key = l.row_key AND newer.log_offset > l.log_offset
		  AND l.created_at < $2`,
		table, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("changelog: compact %s: superseded: %w", table, err)
	}

	var tombstones, through int64
	err = tx.QueryRow(ctx,
		`WITH removed AS (
			DELETE FROM shapesync.shape_log
			WHERE table_name = $1 AND operation = 'delete' AND created_at < $2
			RETURNING log_offset
		)
		SELECT COUNT(*), COALESCE(MAX(log_offset), 0) FROM removed`,
		table, cutoff,
	).Scan(&tombstones, &through)
	if err != nil {
		return 0, fmt.Errorf("changelog: compact %s: tombstones: %w", table, err)
	}

	if through > 0 {
		_, err = tx.Exec(ctx,
			`UPDATE shapesync.shape_handles
			SET compacted_through = GREATEST(compacted_through, $2)
			WHERE table_name = $1`,
			table, through,
		)
		if err != nil {
			return 0, fmt.Errorf("changelog: compact %s: advance: %w", table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("changelog: compact %s: commit: %w", table, err)
	}

	removed := superseded.RowsAffected() + tombstones
	metrics.ChangelogCompactedTotal.WithLabelValues(table).Add(float64(removed))
	return removed, nil
}

func quoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

func sortedTables(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
