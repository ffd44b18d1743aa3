// Package postgres reads row changes from PostgreSQL logical replication using
// pgstream.
package postgres

import (
	"fmt"
	"time"

	"github.com/janovincze/shapesync/internal/cdc"
	"github.com/janovincze/shapesync/internal/cdc/source"
	"github.com/janovincze/shapesync/internal/shape"
)

// Config configures the replication reader.
type Config struct {
	source.Config

	ConnectionURL   string
	SlotName        string
	PublicationName string

	// Tables are the shape tables to replicate ("items" or "schema.items").
	// Changes to any other table are dropped.
	Tables []string

	ReconnectInterval time.Duration

	// EventBufferSize bounds how far replication can run ahead of the
	// changelog writer.
	EventBufferSize int
}

// DefaultConfig returns the defaults used by shapesync-worker.
func DefaultConfig() Config {
	return Config{
		Config:            source.Config{Name: "postgres"},
		SlotName:          "shapesync_slot",
		PublicationName:   "shapesync_pub",
		ReconnectInterval: 5 * time.Second,
		EventBufferSize:   1000,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ConnectionURL == "" {
		return ErrMissingConnectionURL
	}
	if c.SlotName == "" {
		return ErrMissingSlotName
	}
	if c.PublicationName == "" {
		return ErrMissingPublicationName
	}
	if len(c.Tables) == 0 {
		return ErrNoTables
	}
	for _, t := range c.Tables {
		if !shape.ValidTableName(t) {
			return fmt.Errorf("%w: table %q", shape.ErrInvalidIdentifier, t)
		}
	}
	return nil
}

// includeTables returns Tables as fully qualified names for pgstream.
func (c *Config) includeTables() []string {
	out := make([]string, 0, len(c.Tables))
	for _, t := range c.Tables {
		schema, table := cdc.ParseTableName(t)
		out = append(out, schema+"."+table)
	}
	return out
}
