package services

import (
	"fmt"

	"github.com/janovincze/shapesync/internal/api/models"
)

// ValidationError is returned for invalid input.
type ValidationError struct {
	Errors []models.FieldError
}

func (e *ValidationError) Error() string {
	return "validation error"
}

// NotFoundError is returned when a resource does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError is returned when a write collides with existing data.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

func fieldError(field, message string) []models.FieldError {
	return []models.FieldError{{Field: field, Message: message}}
}
