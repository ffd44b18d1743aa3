package cdc

import (
	"errors"
	"testing"

	"github.com/janovincze/shapesync/internal/shape"
)

func TestEvent_ShapeTable(t *testing.T) {
	tests := []struct {
		name   string
		schema string
		table  string
		want   string
	}{
		{"public schema", "public", "items", "items"},
		{"empty schema", "", "items", "items"},
		{"custom schema", "sales", "orders", "sales.orders"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Event{Schema: tt.schema, Table: tt.table}
			if got := e.ShapeTable(); got != tt.want {
				t.Errorf("ShapeTable() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEvent_Key(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		columns []string
		want    string
		wantErr bool
	}{
		{
			name:  "identity columns",
			event: Event{After: map[string]any{"id": int64(5), "name": "A"}, KeyColumns: []string{"id"}},
			want:  "5",
		},
		{
			name:    "configured columns win",
			event:   Event{After: map[string]any{"tenant": "t1", "id": "x"}, KeyColumns: []string{"id"}},
			columns: []string{"tenant", "id"},
			want:    "t1/x",
		},
		{
			name:  "old key preferred",
			event: Event{Before: map[string]any{"id": "old"}, After: map[string]any{"id": "new"}, KeyColumns: []string{"id"}},
			want:  "old",
		},
		{
			name:    "no key columns",
			event:   Event{After: map[string]any{"id": "x"}},
			wantErr: true,
		},
		{
			name:    "missing value",
			event:   Event{After: map[string]any{"name": "A"}, KeyColumns: []string{"id"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.event.Key(tt.columns)
			if tt.wantErr {
				if !errors.Is(err, ErrNoKey) {
					t.Errorf("expected ErrNoKey, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEvent_Entries(t *testing.T) {
	t.Run("insert", func(t *testing.T) {
		e := Event{Schema: "public", Table: "items", Operation: OperationInsert,
			After: map[string]any{"id": "k1", "name": "A"}, KeyColumns: []string{"id"}}
		entries, err := e.Entries(nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(entries) != 1 || entries[0].Operation != shape.OperationInsert || entries[0].Key != "k1" || entries[0].Table != "items" {
			t.Errorf("unexpected entries: %+v", entries)
		}
	})

	t.Run("update in place", func(t *testing.T) {
		e := Event{Table: "items", Operation: OperationUpdate,
			Before: map[string]any{"id": "k1"}, After: map[string]any{"id": "k1", "name": "A2"}, KeyColumns: []string{"id"}}
		entries, err := e.Entries(nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(entries) != 1 || entries[0].Operation != shape.OperationUpdate || entries[0].Value["name"] != "A2" {
			t.Errorf("unexpected entries: %+v", entries)
		}
	})

	t.Run("update changing key", func(t *testing.T) {
		e := Event{Table: "items", Operation: OperationUpdate,
			Before: map[string]any{"id": "k1"}, After: map[string]any{"id": "k9", "name": "A"}, KeyColumns: []string{"id"}}
		entries, err := e.Entries(nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(entries) != 2 || entries[0].Operation != shape.OperationDelete || entries[0].Key != "k1" ||
			entries[1].Operation != shape.OperationInsert || entries[1].Key != "k9" {
			t.Errorf("unexpected entries: %+v", entries)
		}
	})

	t.Run("delete", func(t *testing.T) {
		e := Event{Table: "items", Operation: OperationDelete, Before: map[string]any{"id": "k1"}, KeyColumns: []string{"id"}}
		entries, err := e.Entries(nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(entries) != 1 || entries[0].Operation != shape.OperationDelete || entries[0].Value != nil {
			t.Errorf("unexpected entries: %+v", entries)
		}
	})

	t.Run("truncate", func(t *testing.T) {
		e := Event{Table: "items", Operation: OperationTruncate}
		entries, err := e.Entries(nil)
		if err != nil || len(entries) != 0 {
			t.Errorf("expected no entries, got %+v, %v", entries, err)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		e := Event{Table: "items", Operation: "MERGE"}
		if _, err := e.Entries(nil); err == nil {
			t.Error("expected unsupported operation error")
		}
	})
}

func TestParseTableName(t *testing.T) {
	tests := []struct {
		in, schema, table string
	}{
		{"items", "public", "items"},
		{"sales.orders", "sales", "orders"},
	}
	for _, tt := range tests {
		s, tb := ParseTableName(tt.in)
		if s != tt.schema || tb != tt.table {
			t.Errorf("ParseTableName(%q) = %q, %q, want %q, %q", tt.in, s, tb, tt.schema, tt.table)
		}
	}
}
