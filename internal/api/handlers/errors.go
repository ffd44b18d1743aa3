// Package handlers provides HTTP handlers for the shape and CRUD APIs.
package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/janovincze/shapesync/internal/api/models"
	"github.com/janovincze/shapesync/internal/api/services"
)

// respondWithServiceError maps service errors onto problem responses.
func respondWithServiceError(c *gin.Context, err error) {
	var validationErr *services.ValidationError
	var notFoundErr *services.NotFoundError
	var conflictErr *services.ConflictError

	path := c.Request.URL.Path
	switch {
	case errors.As(err, &validationErr):
		models.RespondWithError(c, models.NewValidationError(path, validationErr.Errors))
	case errors.As(err, &notFoundErr):
		models.RespondWithError(c, models.NewNotFoundError(path, notFoundErr.Error()))
	case errors.As(err, &conflictErr):
		models.RespondWithError(c, models.NewConflictError(path, conflictErr.Message))
	default:
		models.RespondWithError(c, models.NewInternalError(path, "an unexpected error occurred"))
	}
}
