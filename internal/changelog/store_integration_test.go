//go:build integration

package changelog

import (
	"context"
	"testing"
	"time"

	"github.com/janovincze/shapesync/internal/shape"
	"github.com/janovincze/shapesync/internal/testutil"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	pool := testutil.SetupPool(t)
	if err := EnsureSchema(context.Background(), pool); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	// Idempotent.
	if err := EnsureSchema(context.Background(), pool); err != nil {
		t.Fatalf("ensure schema twice: %v", err)
	}
	return NewStore(pool, nil)
}

func entry(key string, op shape.Operation, name string) Entry {
	e := Entry{Table: "items", Key: key, Operation: op}
	if op != shape.OperationDelete {
		e.Value = shape.Row{"id": key, "name": name}
	}
	return e
}

func TestStore_AppendAndRead(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	offsets, err := s.Append(ctx, []Entry{
		entry("k1", shape.OperationInsert, "A"),
		entry("k2", shape.OperationInsert, "B"),
		entry("k1", shape.OperationUpdate, "A2"),
		entry("k2", shape.OperationDelete, ""),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(offsets) != 4 || offsets[3] <= offsets[0] {
		t.Fatalf("expected 4 increasing offsets, got %v", offsets)
	}

	raw, err := s.ReadLog(ctx, "items", shape.BeforeStart, 0)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(raw) != 4 {
		t.Errorf("expected 4 raw entries, got %d", len(raw))
	}

	snapshot, err := s.ReadCompacted(ctx, "items", shape.BeforeStart, 0)
	if err != nil {
		t.Fatalf("read compacted: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].Key != "k1" || snapshot[0].Value["name"] != "A2" {
		t.Errorf("expected only the latest k1, got %+v", snapshot)
	}

	page, err := s.ReadCompacted(ctx, "items", offsets[0], 0)
	if err != nil {
		t.Fatalf("read compacted page: %v", err)
	}
	if len(page) != 2 || page[1].Operation != shape.OperationDelete {
		t.Errorf("expected later pages to keep deletes, got %+v", page)
	}

	head, err := s.Head(ctx, "items")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head != offsets[3] {
		t.Errorf("expected head %d, got %d", offsets[3], head)
	}
}

func TestStore_HandleAndRotate(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	h1, err := s.Handle(ctx, "items")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	again, _ := s.Handle(ctx, "items")
	if again.Handle != h1.Handle {
		t.Error("expected handle to be stable")
	}

	if _, err := s.Append(ctx, []Entry{entry("k1", shape.OperationInsert, "A")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	h2, err := s.Rotate(ctx, "items")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if h2.Handle == h1.Handle {
		t.Error("expected a new handle after rotate")
	}
	if head, _ := s.Head(ctx, "items"); head != 0 {
		t.Errorf("expected empty log after rotate, got head %d", head)
	}
}

func TestStore_Compact(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if _, err := s.Handle(ctx, "items"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	offsets, err := s.Append(ctx, []Entry{
		entry("k1", shape.OperationInsert, "A"),
		entry("k1", shape.OperationUpdate, "A2"),
		entry("k2", shape.OperationInsert, "B"),
		entry("k2", shape.OperationDelete, ""),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	removed, err := s.Compact(ctx, "items", -time.Minute)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if removed != 3 {
		t.Errorf("expected 3 removed entries, got %d", removed)
	}

	raw, _ := s.ReadLog(ctx, "items", shape.BeforeStart, 0)
	if len(raw) != 1 || raw[0].Key != "k1" {
		t.Errorf("expected only the latest k1 to survive, got %+v", raw)
	}

	h, _ := s.Handle(ctx, "items")
	if h.CompactedThrough != offsets[3] {
		t.Errorf("expected compacted_through %d, got %d", offsets[3], h.CompactedThrough)
	}
	if !h.Expired(offsets[0]) {
		t.Error("expected cursors before the removed tombstone to expire")
	}
}

func TestStore_Seed(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_, err := s.db.Exec(ctx, `CREATE TABLE items (id TEXT PRIMARY KEY, name TEXT);
		INSERT INTO items VALUES ('k1', 'A'), ('k2', 'B')`)
	if err != nil {
		t.Fatalf("create source table: %v", err)
	}

	n, err := s.Seed(ctx, "items", []string{"id"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 seeded rows, got %d", n)
	}

	if n, _ := s.Seed(ctx, "items", []string{"id"}); n != 0 {
		t.Errorf("expected a second seed to be a no-op, got %d", n)
	}

	snapshot, _ := s.ReadCompacted(ctx, "items", shape.BeforeStart, 0)
	if len(snapshot) != 2 || snapshot[0].Value["name"] == nil {
		t.Errorf("expected seeded rows in the snapshot, got %+v", snapshot)
	}
}

func TestListener_RelaysNotifications(t *testing.T) {
	pool := testutil.SetupPool(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	s := NewStore(pool, nil)
	b := NewBroadcaster()
	go NewListener(pool, b, nil).Run(ctx)

	// Give LISTEN a moment to register.
	time.Sleep(200 * time.Millisecond)
	changed := b.Changed("items")

	if _, err := s.Append(ctx, []Entry{entry("k1", shape.OperationInsert, "A")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if !Wait(ctx, changed, 5*time.Second) {
		t.Error("expected listener to relay the append")
	}
}
