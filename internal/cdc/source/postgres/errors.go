package postgres

import "errors"

var (
	ErrMissingConnectionURL   = errors.New("postgres: connection URL is required")
	ErrMissingSlotName        = errors.New("postgres: replication slot name is required")
	ErrMissingPublicationName = errors.New("postgres: publication name is required")
	ErrNoTables               = errors.New("postgres: at least one shape table is required")

	ErrAlreadyStarted = errors.New("postgres: source already started")
	ErrNotStarted     = errors.New("postgres: source not started")

	ErrConnectionFailed  = errors.New("postgres: connection failed")
	ErrReplicationFailed = errors.New("postgres: replication failed")
)
