// Package source defines where captured row changes come from.
package source

import (
	"context"

	"github.com/janovincze/shapesync/internal/cdc"
)

// Source streams row changes for the shape tables it was configured with.
type Source interface {
	// Start begins replication. Events arrive on the first channel until ctx
	// is cancelled or Stop is called; a fatal replication error is sent on the
	// second.
	Start(ctx context.Context) (<-chan cdc.Event, <-chan error)

	// Stop closes the replication connection.
	Stop(ctx context.Context) error

	// LastLSN is the commit position of the most recent event, or "".
	LastLSN() string

	Name() string
}

// Config is shared by every source.
type Config struct {
	Name string

	// StartLSN resumes replication from a checkpoint; empty means the slot's
	// confirmed position.
	StartLSN string
}
