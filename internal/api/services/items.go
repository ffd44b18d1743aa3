// Package services provides business logic for the shape and CRUD APIs.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/janovincze/shapesync/internal/api/models"
	"github.com/janovincze/shapesync/internal/api/repositories"
)

// ItemStore persists items. *repositories.ItemRepository implements it.
type ItemStore interface {
	Create(ctx context.Context, id string, req *models.CreateItemRequest) (*models.Item, error)
	List(ctx context.Context) ([]models.Item, error)
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) (int64, error)
}

// ItemService provides business logic for item operations.
type ItemService struct {
	repo   ItemStore
	logger *slog.Logger
}

// NewItemService creates a new ItemService.
func NewItemService(repo ItemStore, logger *slog.Logger) *ItemService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ItemService{
		repo:   repo,
		logger: logger.With("component", "item-service"),
	}
}

// Create creates an item, generating its ID when the request has none.
func (s *ItemService) Create(ctx context.Context, req *models.CreateItemRequest) (*models.Item, error) {
	if errs := req.Validate(); len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	item, err := s.repo.Create(ctx, id, req)
	if err != nil {
		if errors.Is(err, repositories.ErrItemExists) {
			return nil, &ConflictError{Message: "item with this id already exists"}
		}
		s.logger.Error("failed to create item", "error", err)
		return nil, fmt.Errorf("failed to create item: %w", err)
	}

	s.logger.Info("item created", "id", item.ID)
	return item, nil
}

// List returns every item.
func (s *ItemService) List(ctx context.Context) ([]models.Item, error) {
	items, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	if items == nil {
		items = []models.Item{}
	}
	return items, nil
}

// Delete deletes one item.
func (s *ItemService) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, repositories.ErrItemNotFound) {
			return &NotFoundError{Resource: "item", ID: id}
		}
		return fmt.Errorf("failed to delete item: %w", err)
	}
	s.logger.Info("item deleted", "id", id)
	return nil
}

// Clear deletes every item.
func (s *ItemService) Clear(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to clear items: %w", err)
	}
	s.logger.Info("items cleared", "deleted", n)
	return n, nil
}
