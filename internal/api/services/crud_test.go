package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/janovincze/shapesync/internal/api/models"
	"github.com/janovincze/shapesync/internal/api/repositories"
	"github.com/janovincze/shapesync/internal/shape"
)

type fakeItems struct {
	items map[string]models.Item
	err   error
}

func newFakeItems() *fakeItems {
	return &fakeItems{items: make(map[string]models.Item)}
}

func (f *fakeItems) Create(_ context.Context, id string, req *models.CreateItemRequest) (*models.Item, error) {
	if f.err != nil {
		return nil, f.err
	}
	if _, ok := f.items[id]; ok {
		return nil, repositories.ErrItemExists
	}
	item := models.Item{ID: id, Title: req.Title, Done: req.Done, CreatedAt: time.Now()}
	f.items[id] = item
	return &item, nil
}

func (f *fakeItems) List(context.Context) ([]models.Item, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Item
	for _, it := range f.items {
		out = append(out, it)
	}
	return out, nil
}

func (f *fakeItems) Delete(_ context.Context, id string) error {
	if _, ok := f.items[id]; !ok {
		return repositories.ErrItemNotFound
	}
	delete(f.items, id)
	return nil
}

func (f *fakeItems) DeleteAll(context.Context) (int64, error) {
	n := int64(len(f.items))
	f.items = make(map[string]models.Item)
	return n, nil
}

func TestItemService_Create(t *testing.T) {
	ctx := context.Background()
	s := NewItemService(newFakeItems(), nil)

	item, err := s.Create(ctx, &models.CreateItemRequest{Title: "buy milk"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item.ID == "" {
		t.Error("expected a generated id")
	}

	if _, err := s.Create(ctx, &models.CreateItemRequest{ID: item.ID, Title: "again"}); err == nil {
		t.Error("expected conflict")
	} else {
		var ce *ConflictError
		if !errors.As(err, &ce) {
			t.Errorf("expected ConflictError, got %T", err)
		}
	}

	_, err = s.Create(ctx, &models.CreateItemRequest{})
	var ve *ValidationError
	if !errors.As(err, &ve) || len(ve.Errors) != 1 || ve.Errors[0].Field != "title" {
		t.Errorf("expected title validation error, got %v", err)
	}
}

func TestItemService_ListDeleteClear(t *testing.T) {
	ctx := context.Background()
	repo := newFakeItems()
	s := NewItemService(repo, nil)

	items, err := s.List(ctx)
	if err != nil || items == nil || len(items) != 0 {
		t.Errorf("expected empty non-nil list, got %v, %v", items, err)
	}

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Create(ctx, &models.CreateItemRequest{ID: id, Title: id}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	var nf *NotFoundError
	if err := s.Delete(ctx, "a"); !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %v", err)
	}

	n, err := s.Clear(ctx)
	if err != nil || n != 2 {
		t.Errorf("expected 2 cleared, got %d, %v", n, err)
	}

	repo.err = errors.New("connection reset")
	if _, err := s.List(ctx); err == nil {
		t.Error("expected repository error to propagate")
	}
}

type fakeRows struct {
	rows      map[string]shape.Row
	insertErr error
	lastKeys  []string
}

func (f *fakeRows) List(_ context.Context, _ string, keys []string, _ int) ([]shape.Row, error) {
	f.lastKeys = keys
	var out []shape.Row
	for _, r := range f.rows {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRows) Insert(_ context.Context, _ string, row shape.Row) (shape.Row, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	key, _ := shape.RowKey([]string{"id"}, row)
	f.rows[key] = row
	return row, nil
}

func (f *fakeRows) Delete(_ context.Context, _ string, _ []string, key string) error {
	if _, ok := f.rows[key]; !ok {
		return repositories.ErrRowNotFound
	}
	delete(f.rows, key)
	return nil
}

func TestRowService(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRows{rows: make(map[string]shape.Row)}
	keys := func(table string) []string {
		if table == "orders" {
			return []string{"tenant", "id"}
		}
		return []string{"id"}
	}
	s := NewRowService(repo, []string{"items", "orders"}, keys, nil)

	var nf *NotFoundError
	if _, err := s.List(ctx, "secrets"); !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError for unconfigured table, got %v", err)
	}

	if _, err := s.Insert(ctx, "items", shape.Row{"id": "k1", "name": "A"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var ve *ValidationError
	if _, err := s.Insert(ctx, "items", shape.Row{"name": "no key"}); !errors.As(err, &ve) {
		t.Errorf("expected ValidationError for missing key, got %v", err)
	}
	if _, err := s.Insert(ctx, "items", shape.Row{}); !errors.As(err, &ve) {
		t.Errorf("expected ValidationError for empty row, got %v", err)
	}

	repo.insertErr = repositories.ErrRowExists
	var ce *ConflictError
	if _, err := s.Insert(ctx, "items", shape.Row{"id": "k1"}); !errors.As(err, &ce) {
		t.Errorf("expected ConflictError, got %v", err)
	}
	repo.insertErr = nil

	if _, err := s.List(ctx, "orders"); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(repo.lastKeys) != 2 {
		t.Errorf("expected configured key columns, got %v", repo.lastKeys)
	}

	if err := s.Delete(ctx, "items", ""); !errors.As(err, &ve) {
		t.Errorf("expected ValidationError for empty key, got %v", err)
	}
	if err := s.Delete(ctx, "items", "k1"); err != nil {
		t.Errorf("delete: %v", err)
	}
	if err := s.Delete(ctx, "items", "k1"); !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}
