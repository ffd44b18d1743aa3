package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"

	"github.com/janovincze/shapesync/internal/shape"
)

// Row repository errors.
var (
	ErrRowNotFound    = errors.New("row not found")
	ErrRowExists      = errors.New("row with this key already exists")
	ErrInvalidColumn  = errors.New("invalid column name")
	ErrKeyArity       = errors.New("key does not match the key columns")
	ErrEmptyRow       = errors.New("row has no columns")
	ErrUnknownColumns = errors.New("row references unknown columns")
)

var (
	psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

// RowRepository reads and writes arbitrary configured tables as JSON rows.
// Table names are validated by the caller against the configured shapes.
type RowRepository struct {
	db *sql.DB
}

// NewRowRepository creates a new RowRepository.
func NewRowRepository(db *sql.DB) *RowRepository {
	return &RowRepository{db: db}
}

// List returns up to limit rows ordered by the key columns.
func (r *RowRepository) List(ctx context.Context, table string, keyColumns []string, limit int) ([]shape.Row, error) {
	order := make([]string, len(keyColumns))
	for i, col := range keyColumns {
		order[i] = "t." + pq.QuoteIdentifier(col)
	}

	builder := psql.Select("row_to_json(t)").From(quoteTable(table) + " t").OrderBy(order...)
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	out := []shape.Row{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var row shape.Row
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return out, nil
}

// Insert inserts row and returns it as stored, defaults included.
func (r *RowRepository) Insert(ctx context.Context, table string, row shape.Row) (shape.Row, error) {
	if len(row) == 0 {
		return nil, ErrEmptyRow
	}

	cols := make([]string, 0, len(row))
	for col := range row {
		if !shape.ValidColumnName(col) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidColumn, col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = pq.QuoteIdentifier(col)
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to encode row: %w", err)
	}

	// json_populate_record lets Postgres convert each JSON value to its
	// column type.
	target := quoteTable(table)
	list := strings.Join(quoted, ", ")
	query := fmt.Sprintf(`WITH ins AS (
		INSERT INTO %s (%s)
		SELECT %s FROM json_populate_record(NULL::%s, $1::json)
		RETURNING *
	) SELECT row_to_json(ins) FROM ins`, target, list, list, target)

	var raw []byte
	if err := r.db.QueryRowContext(ctx, query, string(payload)).Scan(&raw); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrRowExists
		}
		if isUndefinedColumn(err) {
			return nil, ErrUnknownColumns
		}
		return nil, fmt.Errorf("failed to insert into %s: %w", table, err)
	}

	var stored shape.Row
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode inserted row: %w", err)
	}
	return stored, nil
}

// Delete removes the row whose key columns render to key. Composite keys
// join their parts with "/".
func (r *RowRepository) Delete(ctx context.Context, table string, keyColumns []string, key string) error {
	parts := []string{key}
	if len(keyColumns) > 1 {
		parts = strings.Split(key, "/")
	}
	if len(parts) != len(keyColumns) {
		return ErrKeyArity
	}

	eq := sq.Eq{}
	for i, col := range keyColumns {
		eq[pq.QuoteIdentifier(col)+"::text"] = parts[i]
	}
	query, args, err := psql.Delete(quoteTable(table)).Where(eq).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return ErrRowNotFound
	}
	return nil
}

func isUndefinedColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "42703")
}
