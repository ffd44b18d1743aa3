// Package checkpoint persists how far the CDC pipeline has written into the
// shape log, so a restarted worker resumes from the last flushed LSN.
package checkpoint

import (
	"context"

	"github.com/janovincze/shapesync/internal/cdc"
)

// Manager saves and loads checkpoints.
type Manager interface {
	Save(ctx context.Context, checkpoint cdc.Checkpoint) error

	// Load returns nil, nil when the source has no checkpoint yet.
	Load(ctx context.Context, sourceID string) (*cdc.Checkpoint, error)

	Delete(ctx context.Context, sourceID string) error
	Close() error
}
