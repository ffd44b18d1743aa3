// Package cdc captures row changes from PostgreSQL and turns them into shape
// log entries.
package cdc

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/janovincze/shapesync/internal/changelog"
	"github.com/janovincze/shapesync/internal/shape"
)

// Operation is the type of a captured row change.
type Operation string

const (
	// OperationInsert represents an INSERT.
	OperationInsert Operation = "INSERT"
	// OperationUpdate represents an UPDATE.
	OperationUpdate Operation = "UPDATE"
	// OperationDelete represents a DELETE.
	OperationDelete Operation = "DELETE"
	// OperationTruncate represents a TRUNCATE.
	OperationTruncate Operation = "TRUNCATE"
)

// ErrNoKey is returned when an event carries no usable key values.
var ErrNoKey = errors.New("cdc: event has no key values")

// Event is one change captured from the WAL.
type Event struct {
	ID        string    `json:"id"`
	LSN       string    `json:"lsn"`
	Timestamp time.Time `json:"timestamp"`
	Schema    string    `json:"schema"`
	Table     string    `json:"table"`
	Operation Operation `json:"operation"`

	// Before holds the old key values for UPDATE and DELETE.
	Before map[string]any `json:"before,omitempty"`

	// After holds the new row for INSERT and UPDATE.
	After map[string]any `json:"after,omitempty"`

	// KeyColumns are the replica identity columns.
	KeyColumns []string `json:"key_columns,omitempty"`
}

// Checkpoint records the last LSN written to the shape log for a source.
type Checkpoint struct {
	SourceID    string         `json:"source_id"`
	LSN         string         `json:"lsn"`
	CommittedAt time.Time      `json:"committed_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// FullyQualifiedTable returns schema.table.
func (e *Event) FullyQualifiedTable() string {
	return e.Schema + "." + e.Table
}

// ShapeTable returns the table name shapes use: the bare name for the public
// schema, schema.table otherwise.
func (e *Event) ShapeTable() string {
	if e.Schema == "" || e.Schema == "public" {
		return e.Table
	}
	return e.FullyQualifiedTable()
}

// Key builds the row key from keyColumns, falling back to the event's own
// identity columns. Old key values are preferred so a key change deletes the
// old row.
func (e *Event) Key(keyColumns []string) (string, error) {
	if len(keyColumns) == 0 {
		keyColumns = e.KeyColumns
	}
	if len(keyColumns) == 0 {
		return "", ErrNoKey
	}

	row := e.After
	if len(e.Before) > 0 {
		row = e.Before
	}
	key, err := shape.RowKey(keyColumns, row)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoKey, err)
	}
	return key, nil
}

// Entries converts the event into shape log entries. An UPDATE that changes
// the key becomes a delete of the old key and an insert of the new one.
// TRUNCATE has no entries; it rotates the log instead.
func (e *Event) Entries(keyColumns []string) ([]changelog.Entry, error) {
	table := e.ShapeTable()

	switch e.Operation {
	case OperationInsert:
		key, err := e.Key(keyColumns)
		if err != nil {
			return nil, err
		}
		return []changelog.Entry{{Table: table, Key: key, Operation: shape.OperationInsert, Value: e.After}}, nil

	case OperationUpdate:
		oldKey, err := e.Key(keyColumns)
		if err != nil {
			return nil, err
		}
		after := Event{After: e.After, KeyColumns: e.KeyColumns}
		newKey, err := after.Key(keyColumns)
		if err != nil {
			return nil, err
		}
		if oldKey != newKey {
			return []changelog.Entry{
				{Table: table, Key: oldKey, Operation: shape.OperationDelete},
				{Table: table, Key: newKey, Operation: shape.OperationInsert, Value: e.After},
			}, nil
		}
		return []changelog.Entry{{Table: table, Key: newKey, Operation: shape.OperationUpdate, Value: e.After}}, nil

	case OperationDelete:
		key, err := e.Key(keyColumns)
		if err != nil {
			return nil, err
		}
		return []changelog.Entry{{Table: table, Key: key, Operation: shape.OperationDelete}}, nil

	case OperationTruncate:
		return nil, nil
	}
	return nil, fmt.Errorf("cdc: unsupported operation %q", e.Operation)
}

// ParseTableName splits "schema.table", defaulting the schema to public.
func ParseTableName(name string) (schema, table string) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "public", name
}
