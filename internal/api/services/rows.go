package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/janovincze/shapesync/internal/api/repositories"
	"github.com/janovincze/shapesync/internal/shape"
)

// RowStore reads and writes configured tables. *repositories.RowRepository
// implements it.
type RowStore interface {
	List(ctx context.Context, table string, keyColumns []string, limit int) ([]shape.Row, error)
	Insert(ctx context.Context, table string, row shape.Row) (shape.Row, error)
	Delete(ctx context.Context, table string, keyColumns []string, key string) error
}

// RowService exposes the configured shape tables for plain CRUD. Writes made
// here reach shape subscribers through replication like any other write.
type RowService struct {
	repo   RowStore
	tables map[string]struct{}
	keys   func(table string) []string
	limit  int
	logger *slog.Logger
}

// NewRowService creates a RowService over tables. keys may be nil, in which
// case every table is keyed by id.
func NewRowService(repo RowStore, tables []string, keys func(string) []string, logger *slog.Logger) *RowService {
	if logger == nil {
		logger = slog.Default()
	}
	if keys == nil {
		keys = func(string) []string { return []string{"id"} }
	}
	set := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		set[t] = struct{}{}
	}
	return &RowService{
		repo:   repo,
		tables: set,
		keys:   keys,
		limit:  1000,
		logger: logger.With("component", "row-service"),
	}
}

func (s *RowService) table(slug string) error {
	if _, ok := s.tables[slug]; !ok {
		return &NotFoundError{Resource: "shape", ID: slug}
	}
	return nil
}

// List returns the rows of a table.
func (s *RowService) List(ctx context.Context, slug string) ([]shape.Row, error) {
	if err := s.table(slug); err != nil {
		return nil, err
	}
	rows, err := s.repo.List(ctx, slug, s.keys(slug), s.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list rows: %w", err)
	}
	return rows, nil
}

// Insert inserts row into a table. Every key column must be present.
func (s *RowService) Insert(ctx context.Context, slug string, row shape.Row) (shape.Row, error) {
	if err := s.table(slug); err != nil {
		return nil, err
	}
	if len(row) == 0 {
		return nil, &ValidationError{Errors: fieldError("body", "row must have at least one column")}
	}
	if _, err := shape.RowKey(s.keys(slug), row); err != nil {
		return nil, &ValidationError{Errors: fieldError("key", err.Error())}
	}

	stored, err := s.repo.Insert(ctx, slug, row)
	switch {
	case err == nil:
	case errors.Is(err, repositories.ErrRowExists):
		return nil, &ConflictError{Message: "row with this key already exists"}
	case errors.Is(err, repositories.ErrInvalidColumn), errors.Is(err, repositories.ErrUnknownColumns):
		return nil, &ValidationError{Errors: fieldError("body", err.Error())}
	default:
		s.logger.Error("failed to insert row", "table", slug, "error", err)
		return nil, fmt.Errorf("failed to insert row: %w", err)
	}

	s.logger.Debug("row inserted", "table", slug)
	return stored, nil
}

// Delete deletes the row with the given key.
func (s *RowService) Delete(ctx context.Context, slug, key string) error {
	if err := s.table(slug); err != nil {
		return err
	}
	if key == "" {
		return &ValidationError{Errors: fieldError("key", "key is required")}
	}

	err := s.repo.Delete(ctx, slug, s.keys(slug), key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repositories.ErrRowNotFound):
		return &NotFoundError{Resource: "row", ID: key}
	case errors.Is(err, repositories.ErrKeyArity):
		return &ValidationError{Errors: fieldError("key", err.Error())}
	default:
		return fmt.Errorf("failed to delete row: %w", err)
	}
}
