//go:build integration

package repositories

import (
	"context"
	"errors"
	"testing"

	"github.com/janovincze/shapesync/internal/api/models"
	"github.com/janovincze/shapesync/internal/shape"
	"github.com/janovincze/shapesync/internal/testutil"
)

func TestItemRepository(t *testing.T) {
	ctx := context.Background()
	r := NewItemRepository(testutil.SetupDB(t))
	if err := r.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	item, err := r.Create(ctx, "k1", &models.CreateItemRequest{Title: "A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if item.ID != "k1" || item.CreatedAt.IsZero() {
		t.Errorf("unexpected item: %+v", item)
	}
	if _, err := r.Create(ctx, "k1", &models.CreateItemRequest{Title: "B"}); !errors.Is(err, ErrItemExists) {
		t.Errorf("expected ErrItemExists, got %v", err)
	}
	if _, err := r.Create(ctx, "k2", &models.CreateItemRequest{Title: "B"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	items, err := r.List(ctx)
	if err != nil || len(items) != 2 {
		t.Fatalf("expected 2 items, got %d, %v", len(items), err)
	}

	if err := r.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.Delete(ctx, "k1"); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("expected ErrItemNotFound, got %v", err)
	}

	n, err := r.DeleteAll(ctx)
	if err != nil || n != 1 {
		t.Errorf("expected 1 cleared item, got %d, %v", n, err)
	}
}

func TestRowRepository(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupDB(t)
	if _, err := db.ExecContext(ctx, `CREATE TABLE orders (tenant TEXT, id INT, note TEXT, PRIMARY KEY (tenant, id))`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	r := NewRowRepository(db)
	keys := []string{"tenant", "id"}

	stored, err := r.Insert(ctx, "orders", shape.Row{"tenant": "t1", "id": float64(1), "note": "first"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if stored["note"] != "first" {
		t.Errorf("expected stored row to be returned, got %v", stored)
	}
	if _, err := r.Insert(ctx, "orders", shape.Row{"tenant": "t1", "id": float64(1)}); !errors.Is(err, ErrRowExists) {
		t.Errorf("expected ErrRowExists, got %v", err)
	}
	if _, err := r.Insert(ctx, "orders", shape.Row{"bogus": 1}); !errors.Is(err, ErrUnknownColumns) {
		t.Errorf("expected ErrUnknownColumns, got %v", err)
	}

	rows, err := r.List(ctx, "orders", keys, 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected 1 row, got %v, %v", rows, err)
	}

	if err := r.Delete(ctx, "orders", keys, "t1"); !errors.Is(err, ErrKeyArity) {
		t.Errorf("expected ErrKeyArity, got %v", err)
	}
	if err := r.Delete(ctx, "orders", keys, "t1/1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.Delete(ctx, "orders", keys, "t1/1"); !errors.Is(err, ErrRowNotFound) {
		t.Errorf("expected ErrRowNotFound, got %v", err)
	}
}
