package localsync

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"

	"github.com/janovincze/shapesync/internal/shape"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// lite builds statements with ? placeholders.
var lite = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// bulkChunk bounds the rows per multi-row insert statement.
const bulkChunk = 200

// Table is the local table a shape is mirrored into.
type Table struct {
	Name       string
	PrimaryKey []string

	// Columns fixes the mirrored columns. When empty, the row's own columns are used.
	Columns []string
}

func (t Table) validate() error {
	if !shape.ValidTableName(t.Name) {
		return fmt.Errorf("%w: table %q", shape.ErrInvalidIdentifier, t.Name)
	}
	if len(t.PrimaryKey) == 0 {
		return shape.ErrMissingPrimaryKey
	}
	for _, col := range append(append([]string{}, t.PrimaryKey...), t.Columns...) {
		if !shape.ValidColumnName(col) {
			return fmt.Errorf("%w: column %q", shape.ErrInvalidIdentifier, col)
		}
	}
	return nil
}

func (t Table) quotedName() string {
	parts := strings.Split(t.Name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// columnsFor returns the columns written for rows, sorted.
func (t Table) columnsFor(rows ...shape.Row) []string {
	if len(t.Columns) > 0 {
		cols := append([]string{}, t.Columns...)
		for _, pk := range t.PrimaryKey {
			if !contains(cols, pk) {
				cols = append(cols, pk)
			}
		}
		sort.Strings(cols)
		return cols
	}

	set := make(map[string]struct{})
	for _, row := range rows {
		for col := range row {
			if shape.ValidColumnName(col) {
				set[col] = struct{}{}
			}
		}
	}
	cols := make([]string, 0, len(set))
	for col := range set {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// upsertSuffix renders the conflict clause shared by the bulk and row paths.
func (t Table) upsertSuffix(cols []string) string {
	conflict := make([]string, len(t.PrimaryKey))
	for i, pk := range t.PrimaryKey {
		conflict[i] = pq.QuoteIdentifier(pk)
	}

	var sets []string
	for _, col := range cols {
		if contains(t.PrimaryKey, col) {
			continue
		}
		q := pq.QuoteIdentifier(col)
		sets = append(sets, q+" = excluded."+q)
	}

	clause := "ON CONFLICT (" + strings.Join(conflict, ", ") + ") DO "
	if len(sets) == 0 {
		return clause + "NOTHING"
	}
	return clause + "UPDATE SET " + strings.Join(sets, ", ")
}

// upsert writes rows with one multi-row statement.
func (t Table) upsert(ctx context.Context, exec Executor, rows []shape.Row) error {
	if len(rows) == 0 {
		return nil
	}
	cols := t.columnsFor(rows...)
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = pq.QuoteIdentifier(col)
	}

	builder := lite.Insert(t.quotedName()).Columns(quoted...)
	for _, row := range rows {
		vals := make([]any, len(cols))
		for i, col := range cols {
			vals[i] = bindValue(row[col])
		}
		builder = builder.Values(vals...)
	}

	query, args, err := builder.Suffix(t.upsertSuffix(cols)).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build upsert: %w", err)
	}
	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", t.Name, err)
	}
	return nil
}

// delete removes the row identified by its key columns. When row is nil the
// key is split on "/" to recover the key values.
func (t Table) delete(ctx context.Context, exec Executor, key string, row shape.Row) error {
	eq := sq.Eq{}
	if row != nil {
		for _, pk := range t.PrimaryKey {
			eq[pq.QuoteIdentifier(pk)] = bindValue(row[pk])
		}
	} else {
		parts := strings.SplitN(key, "/", len(t.PrimaryKey))
		if len(parts) != len(t.PrimaryKey) {
			return fmt.Errorf("cannot map key %q onto primary key %v", key, t.PrimaryKey)
		}
		for i, pk := range t.PrimaryKey {
			eq[pq.QuoteIdentifier(pk)] = parts[i]
		}
	}

	query, args, err := lite.Delete(t.quotedName()).Where(eq).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}
	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", t.Name, err)
	}
	return nil
}

func (t Table) clear(ctx context.Context, exec Executor) error {
	query, args, err := lite.Delete(t.quotedName()).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}
	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to clear %s: %w", t.Name, err)
	}
	return nil
}

func (t Table) count(ctx context.Context, exec Executor) (int, error) {
	query, args, err := lite.Select("COUNT(*)").From(t.quotedName()).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build count: %w", err)
	}
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", t.Name, err)
	}
	defer rows.Close()

	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to scan count: %w", err)
		}
	}
	return n, rows.Err()
}

// EnsureTable creates table in store when it does not exist. Columns are
// left untyped so SQLite keeps each value's own storage class.
func EnsureTable(ctx context.Context, store Executor, table Table) error {
	if err := table.validate(); err != nil {
		return fmt.Errorf("invalid local table: %w", err)
	}
	cols := table.columnsFor()
	if len(cols) == 0 {
		return fmt.Errorf("%w: no columns for %s", shape.ErrInvalidIdentifier, table.Name)
	}

	defs := make([]string, len(cols))
	for i, col := range cols {
		defs[i] = pq.QuoteIdentifier(col)
	}
	keys := make([]string, len(table.PrimaryKey))
	for i, pk := range table.PrimaryKey {
		keys[i] = pq.QuoteIdentifier(pk)
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s, PRIMARY KEY (%s))",
		table.quotedName(), strings.Join(defs, ", "), strings.Join(keys, ", "))
	if _, err := store.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create %s: %w", table.Name, err)
	}
	return nil
}

// bindValue converts a decoded JSON value into a SQLite parameter.
func bindValue(v any) any {
	switch t := v.(type) {
	case map[string]any, []any, shape.Row:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	default:
		return v
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
