package shape

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed stream or shape.
	ErrClosed = errors.New("shape: closed")

	// ErrMissingTable is returned when a definition has no table.
	ErrMissingTable = errors.New("shape: table is required")

	// ErrInvalidIdentifier is returned for table or column names that are not plain identifiers.
	ErrInvalidIdentifier = errors.New("shape: invalid identifier")

	// ErrMissingPrimaryKey is returned when no key columns are known for a table.
	ErrMissingPrimaryKey = errors.New("shape: primary key is required")

	// ErrInvalidOffset is returned when an offset cannot be parsed.
	ErrInvalidOffset = errors.New("shape: invalid offset")
)

// ConnectionError is a transient transport failure. The stream retries it
// with backoff and callers are not interrupted.
type ConnectionError struct {
	// StatusCode is the HTTP status, or zero when no response was received.
	StatusCode int
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("shape: connection error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("shape: connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsRetryable marks connection errors as retryable.
func (e *ConnectionError) IsRetryable() bool {
	return true
}

// ShapeExpiredError reports that the server no longer accepts the cursor.
// The stream discards its cursor and resnapshots.
type ShapeExpiredError struct {
	// Handle is the handle the server issued in place of the expired one.
	Handle string
}

func (e *ShapeExpiredError) Error() string {
	return fmt.Sprintf("shape: cursor expired, new handle %q", e.Handle)
}

// SchemaMismatchError is a terminal decode failure. The affected shape stops.
type SchemaMismatchError struct {
	Reason string
	Err    error
}

func (e *SchemaMismatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("shape: schema mismatch: %s: %v", e.Reason, e.Err)
	}
	return "shape: schema mismatch: " + e.Reason
}

func (e *SchemaMismatchError) Unwrap() error {
	return e.Err
}

// IsRetryable marks schema mismatches as terminal.
func (e *SchemaMismatchError) IsRetryable() bool {
	return false
}

// TimeoutError is returned when a watched change does not arrive in time.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("shape: no matching change within %s", e.After)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
