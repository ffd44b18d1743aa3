package models

import "time"

// VersionResponse contains version information.
type VersionResponse struct {
	Version    string `json:"version"`
	APIVersion string `json:"api_version"`
	GoVersion  string `json:"go_version,omitempty"`
}

// ConfigResponse is the safe subset of the server configuration.
type ConfigResponse struct {
	Environment     string   `json:"environment"`
	BaseURL         string   `json:"base_url"`
	Shapes          []string `json:"shapes"`
	PageSize        int      `json:"page_size"`
	LongPollTimeout string   `json:"long_poll_timeout"`
	MetricsEnabled  bool     `json:"metrics_enabled"`
}

// ListResponse is a list of items with its length.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// Item is a row of the demo items table.
type Item struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateItemRequest creates an item. ID is generated when empty so clients
// can pick it ahead of time for optimistic matching.
type CreateItemRequest struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

// Validate returns the request's field errors.
func (r *CreateItemRequest) Validate() []FieldError {
	var errs []FieldError
	if r.Title == "" {
		errs = append(errs, FieldError{Field: "title", Message: "title is required"})
	} else if len(r.Title) > 255 {
		errs = append(errs, FieldError{Field: "title", Message: "title must be at most 255 characters"})
	}
	if len(r.ID) > 64 {
		errs = append(errs, FieldError{Field: "id", Message: "id must be at most 64 characters"})
	}
	return errs
}

// DeleteResponse reports how many rows a delete removed.
type DeleteResponse struct {
	Deleted int64 `json:"deleted"`
}
