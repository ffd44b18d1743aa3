package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/xataio/pgstream/pkg/wal"

	"github.com/janovincze/shapesync/internal/cdc"
)

func TestConvertEvent(t *testing.T) {
	tests := []struct {
		name       string
		data       wal.Data
		wantOp     cdc.Operation
		wantBefore bool
		wantAfter  bool
	}{
		{
			name: "insert",
			data: wal.Data{Action: "I", Schema: "public", Table: "items",
				Columns:  []wal.Column{{Name: "id", Value: "k1"}, {Name: "name", Value: "A"}},
				Identity: []wal.Column{{Name: "id", Value: "k1"}}},
			wantOp:    cdc.OperationInsert,
			wantAfter: true,
		},
		{
			name: "update",
			data: wal.Data{Action: "U", Schema: "public", Table: "items",
				Columns:  []wal.Column{{Name: "id", Value: "k1"}, {Name: "name", Value: "B"}},
				Identity: []wal.Column{{Name: "id", Value: "k1"}}},
			wantOp:     cdc.OperationUpdate,
			wantBefore: true,
			wantAfter:  true,
		},
		{
			name: "delete",
			data: wal.Data{Action: "D", Schema: "public", Table: "items",
				Identity: []wal.Column{{Name: "id", Value: "k1"}}},
			wantOp:     cdc.OperationDelete,
			wantBefore: true,
		},
		{
			name:   "truncate",
			data:   wal.Data{Action: "T", Schema: "public", Table: "items"},
			wantOp: cdc.OperationTruncate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.data
			e := convertEvent(&wal.Event{Data: &data, CommitPosition: "0/16B3748"})

			if e.Operation != tt.wantOp {
				t.Errorf("expected operation %s, got %s", tt.wantOp, e.Operation)
			}
			if (e.Before != nil) != tt.wantBefore {
				t.Errorf("expected before present = %v, got %v", tt.wantBefore, e.Before)
			}
			if (e.After != nil) != tt.wantAfter {
				t.Errorf("expected after present = %v, got %v", tt.wantAfter, e.After)
			}
			if e.LSN != "0/16B3748" {
				t.Errorf("expected commit position as LSN, got %q", e.LSN)
			}
			if e.ID == "" {
				t.Error("expected event ID")
			}
		})
	}
}

func newTestReader(t *testing.T) *Reader {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ConnectionURL = "postgres://localhost/db"
	cfg.Tables = []string{"items"}
	cfg.EventBufferSize = 4
	r, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return r
}

func TestReader_FiltersTables(t *testing.T) {
	r := newTestReader(t)
	ctx := context.Background()

	other := &wal.Event{Data: &wal.Data{Action: "I", Schema: "public", Table: "audit",
		Identity: []wal.Column{{Name: "id", Value: 1}}}, CommitPosition: "0/1"}
	mine := &wal.Event{Data: &wal.Data{Action: "I", Schema: "public", Table: "items",
		Identity: []wal.Column{{Name: "id", Value: 1}}}, CommitPosition: "0/2"}
	keepAlive := &wal.Event{CommitPosition: "0/3"}

	for _, ev := range []*wal.Event{other, mine, keepAlive, nil} {
		if err := r.processWALEvent(ctx, ev); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if len(r.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(r.events))
	}
	if e := <-r.events; e.Table != "items" {
		t.Errorf("expected items event, got %s", e.Table)
	}
	if r.LastLSN() != "0/2" {
		t.Errorf("expected last LSN 0/2, got %q", r.LastLSN())
	}
}

func TestReader_BlockedSendHonoursContext(t *testing.T) {
	r := newTestReader(t)
	ev := &wal.Event{Data: &wal.Data{Action: "I", Schema: "public", Table: "items"}}
	for i := 0; i < cap(r.events); i++ {
		if err := r.processWALEvent(context.Background(), ev); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := r.processWALEvent(ctx, ev); err == nil {
		t.Error("expected context error when the buffer is full")
	}
}

func TestReader_StopBeforeStart(t *testing.T) {
	r := newTestReader(t)
	if err := r.Stop(context.Background()); err != ErrNotStarted {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}
