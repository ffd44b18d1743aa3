// Package models provides API request and response types.
package models

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ProblemDetails is an RFC 7807 problem response.
type ProblemDetails struct {
	Type     string       `json:"type"`
	Title    string       `json:"title"`
	Status   int          `json:"status"`
	Detail   string       `json:"detail,omitempty"`
	Instance string       `json:"instance,omitempty"`
	Errors   []FieldError `json:"errors,omitempty"`
}

// FieldError is a validation error for one request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (p *ProblemDetails) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// Problem type URIs.
const (
	ErrorTypeValidation  = "https://shapesync.dev/errors/validation-error"
	ErrorTypeNotFound    = "https://shapesync.dev/errors/not-found"
	ErrorTypeInternal    = "https://shapesync.dev/errors/internal-error"
	ErrorTypeBadRequest  = "https://shapesync.dev/errors/bad-request"
	ErrorTypeRateLimited = "https://shapesync.dev/errors/rate-limited"
	ErrorTypeConflict    = "https://shapesync.dev/errors/conflict"
)

func newProblem(typ, title string, status int, instance, detail string) *ProblemDetails {
	return &ProblemDetails{Type: typ, Title: title, Status: status, Detail: detail, Instance: instance}
}

// NewValidationError creates a 400 problem listing the invalid fields.
func NewValidationError(instance string, errors []FieldError) *ProblemDetails {
	p := newProblem(ErrorTypeValidation, "Validation Error", http.StatusBadRequest, instance,
		"The request contains invalid fields")
	p.Errors = errors
	return p
}

// NewNotFoundError creates a 404 problem.
func NewNotFoundError(instance, detail string) *ProblemDetails {
	return newProblem(ErrorTypeNotFound, "Not Found", http.StatusNotFound, instance, detail)
}

// NewInternalError creates a 500 problem.
func NewInternalError(instance, detail string) *ProblemDetails {
	return newProblem(ErrorTypeInternal, "Internal Server Error", http.StatusInternalServerError, instance, detail)
}

// NewBadRequestError creates a 400 problem without field errors.
func NewBadRequestError(instance, detail string) *ProblemDetails {
	return newProblem(ErrorTypeBadRequest, "Bad Request", http.StatusBadRequest, instance, detail)
}

// NewRateLimitedError creates a 429 problem.
func NewRateLimitedError(instance string) *ProblemDetails {
	return newProblem(ErrorTypeRateLimited, "Too Many Requests", http.StatusTooManyRequests, instance,
		"Rate limit exceeded. Please try again later.")
}

// NewConflictError creates a 409 problem.
func NewConflictError(instance, detail string) *ProblemDetails {
	return newProblem(ErrorTypeConflict, "Conflict", http.StatusConflict, instance, detail)
}

// RespondWithError writes p as application/problem+json.
func RespondWithError(c *gin.Context, p *ProblemDetails) {
	c.Header("Content-Type", "application/problem+json")
	c.JSON(p.Status, p)
}
