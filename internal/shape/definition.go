// Package shape defines the data model shared by the shape client and server:
// definitions, cursors, change messages, subscriber handles and the error taxonomy.
package shape

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Definition describes one shape: a table plus an optional filter, column
// projection and primary key declaration. It is immutable once a stream is
// created from it.
type Definition struct {
	// Table is the source table name, optionally schema qualified.
	Table string `json:"table"`

	// Where is a conjunction of column equality tests.
	Where map[string]string `json:"where,omitempty"`

	// Columns restricts the columns carried in row values (empty means all).
	Columns []string `json:"columns,omitempty"`

	// PrimaryKey declares the key columns of the table.
	PrimaryKey []string `json:"primary_key,omitempty"`
}

// canonicalDefinition is the serialized form used as the cache key.
type canonicalDefinition struct {
	Table      string     `json:"table"`
	Where      [][]string `json:"where,omitempty"`
	Columns    []string   `json:"columns,omitempty"`
	PrimaryKey []string   `json:"primary_key,omitempty"`
}

// Key returns the canonical serialization of the definition. Two definitions
// are equivalent iff their keys are equal, independent of declaration order.
func (d Definition) Key() string {
	c := canonicalDefinition{
		Table:      strings.ToLower(strings.TrimSpace(d.Table)),
		Columns:    sortedCopy(d.Columns),
		PrimaryKey: sortedCopy(d.PrimaryKey),
	}
	for _, col := range sortedKeys(d.Where) {
		c.Where = append(c.Where, []string{col, d.Where[col]})
	}

	data, err := json.Marshal(c)
	if err != nil {
		// Only strings are marshalled here.
		panic(fmt.Sprintf("shape: marshal definition key: %v", err))
	}
	return string(data)
}

// Validate checks the table and column identifiers.
func (d Definition) Validate() error {
	if d.Table == "" {
		return ErrMissingTable
	}
	if !ValidTableName(d.Table) {
		return fmt.Errorf("%w: table %q", ErrInvalidIdentifier, d.Table)
	}
	for col := range d.Where {
		if !identifierPattern.MatchString(col) {
			return fmt.Errorf("%w: where column %q", ErrInvalidIdentifier, col)
		}
	}
	for _, col := range d.Columns {
		if !identifierPattern.MatchString(col) {
			return fmt.Errorf("%w: column %q", ErrInvalidIdentifier, col)
		}
	}
	for _, col := range d.PrimaryKey {
		if !identifierPattern.MatchString(col) {
			return fmt.Errorf("%w: primary key column %q", ErrInvalidIdentifier, col)
		}
	}
	return nil
}

// ValidTableName reports whether name is a plain or schema qualified identifier.
func ValidTableName(name string) bool {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if !identifierPattern.MatchString(p) {
			return false
		}
	}
	return true
}

// ValidColumnName reports whether name is a plain identifier.
func ValidColumnName(name string) bool {
	return identifierPattern.MatchString(name)
}

// Query renders the filter and projection as request parameters.
func (d Definition) Query() url.Values {
	q := url.Values{}
	for _, col := range sortedKeys(d.Where) {
		q.Set("where["+col+"]", d.Where[col])
	}
	if len(d.Columns) > 0 {
		q.Set("columns", strings.Join(d.Columns, ","))
	}
	return q
}

// ParseDefinition rebuilds a definition from the table name and the request
// parameters produced by Query.
func ParseDefinition(table string, q url.Values) (Definition, error) {
	d := Definition{Table: table}
	for name, values := range q {
		if !strings.HasPrefix(name, "where[") || !strings.HasSuffix(name, "]") || len(values) == 0 {
			continue
		}
		if d.Where == nil {
			d.Where = make(map[string]string)
		}
		d.Where[name[len("where["):len(name)-1]] = values[0]
	}
	if cols := q.Get("columns"); cols != "" {
		for _, c := range strings.Split(cols, ",") {
			if c = strings.TrimSpace(c); c != "" {
				d.Columns = append(d.Columns, c)
			}
		}
	}
	if err := d.Validate(); err != nil {
		return Definition{}, err
	}
	return d, nil
}

// Matches reports whether row satisfies the filter. A row missing a filtered
// column never matches.
func (d Definition) Matches(row Row) bool {
	for col, want := range d.Where {
		v, ok := row[col]
		if !ok || v == nil {
			return false
		}
		if FormatValue(v) != want {
			return false
		}
	}
	return true
}

// Project returns a copy of row restricted to the projected columns. Key
// columns are always retained.
func (d Definition) Project(row Row, keyColumns []string) Row {
	if len(d.Columns) == 0 || row == nil {
		return row
	}
	out := make(Row, len(d.Columns)+len(keyColumns))
	for _, col := range keyColumns {
		if v, ok := row[col]; ok {
			out[col] = v
		}
	}
	for _, col := range d.Columns {
		if v, ok := row[col]; ok {
			out[col] = v
		}
	}
	return out
}

// RowKey renders the key of row from its key columns.
func RowKey(keyColumns []string, row Row) (string, error) {
	if len(keyColumns) == 0 {
		return "", ErrMissingPrimaryKey
	}
	parts := make([]string, 0, len(keyColumns))
	for _, col := range keyColumns {
		v, ok := row[col]
		if !ok || v == nil {
			return "", fmt.Errorf("shape: key column %q missing from row", col)
		}
		parts = append(parts, FormatValue(v))
	}
	return strings.Join(parts, "/"), nil
}

// FormatValue renders a decoded JSON or database value as text, the same way
// Postgres casts it with ::text for scalar types.
func FormatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(t)
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedCopy(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}
