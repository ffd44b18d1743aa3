package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/janovincze/shapesync/internal/api/models"
)

// Item repository errors.
var (
	ErrItemNotFound = errors.New("item not found")
	ErrItemExists   = errors.New("item with this id already exists")
)

const itemsDDL = `
CREATE TABLE IF NOT EXISTS items (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	done       BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE items REPLICA IDENTITY FULL;
`

// ItemRepository handles database operations for the items table.
type ItemRepository struct {
	db *sql.DB
}

// NewItemRepository creates a new ItemRepository.
func NewItemRepository(db *sql.DB) *ItemRepository {
	return &ItemRepository{db: db}
}

// EnsureSchema creates the items table when missing.
func (r *ItemRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, itemsDDL); err != nil {
		return fmt.Errorf("failed to create items table: %w", err)
	}
	return nil
}

// Create inserts an item.
func (r *ItemRepository) Create(ctx context.Context, id string, req *models.CreateItemRequest) (*models.Item, error) {
	query := `
		INSERT INTO items (id, title, done)
		VALUES ($1, $2, $3)
		RETURNING id, title, done, created_at
	`

	var item models.Item
	err := r.db.QueryRowContext(ctx, query, id, req.Title, req.Done).Scan(
		&item.ID,
		&item.Title,
		&item.Done,
		&item.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrItemExists
		}
		return nil, fmt.Errorf("failed to create item: %w", err)
	}
	return &item, nil
}

// List returns every item, oldest first.
func (r *ItemRepository) List(ctx context.Context) ([]models.Item, error) {
	query := `SELECT id, title, done, created_at FROM items ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	items := []models.Item{}
	for rows.Next() {
		var (
			item    models.Item
			created time.Time
		)
		if err := rows.Scan(&item.ID, &item.Title, &item.Done, &created); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		item.CreatedAt = created
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}
	return items, nil
}

// Delete removes one item.
func (r *ItemRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// DeleteAll removes every item and reports how many were removed.
func (r *ItemRepository) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM items`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear items: %w", err)
	}
	return result.RowsAffected()
}
