package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xataio/pgstream/pkg/wal"
	pglistener "github.com/xataio/pgstream/pkg/wal/listener/postgres"
	pgreplication "github.com/xataio/pgstream/pkg/wal/replication/postgres"

	"github.com/janovincze/shapesync/internal/cdc"
	"github.com/janovincze/shapesync/internal/cdc/source"
	"github.com/janovincze/shapesync/internal/retry"
)

// Reader streams row changes for the configured shape tables from a logical
// replication slot. A dropped replication connection is re-established with
// backoff; only a cancelled context or Stop ends the stream.
type Reader struct {
	config  Config
	logger  *slog.Logger
	retryer *retry.Retryer
	tables  map[string]struct{}

	events chan cdc.Event
	errors chan error

	mu       sync.RWMutex
	started  bool
	lastLSN  string
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Reader.
func New(cfg Config, logger *slog.Logger) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	policy := retry.ReconnectPolicy()
	if cfg.ReconnectInterval > 0 {
		policy.InitialInterval = cfg.ReconnectInterval
	}

	tables := make(map[string]struct{}, len(cfg.Tables))
	for _, t := range cfg.Tables {
		schema, table := cdc.ParseTableName(t)
		e := cdc.Event{Schema: schema, Table: table}
		tables[e.ShapeTable()] = struct{}{}
	}

	return &Reader{
		config:  cfg,
		logger:  logger.With("component", "postgres-reader", "source", cfg.Name),
		retryer: retry.New(policy, "postgres-reader", logger),
		tables:  tables,
		events:  make(chan cdc.Event, cfg.EventBufferSize),
		errors:  make(chan error, 1),
		done:    make(chan struct{}),
	}, nil
}

// Start begins replication in the background.
func (r *Reader) Start(ctx context.Context) (<-chan cdc.Event, <-chan error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		r.errors <- ErrAlreadyStarted
		return r.events, r.errors
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	go r.run(ctx)

	return r.events, r.errors
}

// Stop cancels replication and waits for the reader to exit or ctx to end.
func (r *Reader) Stop(ctx context.Context) error {
	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	r.stopOnce.Do(r.cancel)
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastLSN returns the commit position of the last event handed out.
func (r *Reader) LastLSN() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastLSN
}

// Name returns the source name.
func (r *Reader) Name() string {
	return r.config.Name
}

func (r *Reader) run(ctx context.Context) {
	defer close(r.done)
	defer close(r.events)

	r.logger.Info("starting replication",
		"slot", r.config.SlotName,
		"publication", r.config.PublicationName,
		"tables", r.config.Tables,
	)

	err := r.retryer.Execute(ctx, r.replicate)
	if err == nil || ctx.Err() != nil {
		r.logger.Info("reader stopped")
		return
	}
	r.logger.Error("replication failed", "error", err)
	r.errors <- fmt.Errorf("%w: %v", ErrReplicationFailed, err)
}

// replicate runs one replication session. It returns when the session ends.
func (r *Reader) replicate(ctx context.Context) error {
	handler, err := pgreplication.NewHandler(ctx, pgreplication.Config{
		PostgresURL:         r.config.ConnectionURL,
		ReplicationSlotName: r.config.SlotName,
		IncludeTables:       r.config.includeTables(),
	})
	if err != nil {
		r.logger.Warn("failed to connect for replication", "error", err)
		return retry.Transient(fmt.Errorf("%w: %v", ErrConnectionFailed, err))
	}
	defer handler.Close()

	l := pglistener.New(handler, r.processWALEvent)
	defer l.Close()

	r.logger.Info("replication connected")
	if err := l.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("replication session ended", "error", err)
		return retry.Transient(err)
	}
	return ctx.Err()
}

func (r *Reader) processWALEvent(ctx context.Context, event *wal.Event) error {
	if event == nil || event.Data == nil {
		return nil
	}

	e := convertEvent(event)
	if _, ok := r.tables[e.ShapeTable()]; !ok {
		return nil
	}

	select {
	case r.events <- e:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	r.lastLSN = e.LSN
	r.mu.Unlock()
	return nil
}

func convertEvent(event *wal.Event) cdc.Event {
	data := event.Data

	ts, err := data.GetTimestamp()
	if err != nil {
		ts = time.Now()
	}

	e := cdc.Event{
		ID:        uuid.New().String(),
		LSN:       string(event.CommitPosition),
		Timestamp: ts,
		Schema:    data.Schema,
		Table:     data.Table,
		Operation: convertAction(data.Action),
	}
	if e.LSN == "" {
		e.LSN = data.LSN
	}
	for _, col := range data.Identity {
		e.KeyColumns = append(e.KeyColumns, col.Name)
	}

	switch e.Operation {
	case cdc.OperationInsert:
		e.After = columnsToMap(data.Columns)
	case cdc.OperationUpdate:
		e.Before = columnsToMap(data.Identity)
		e.After = columnsToMap(data.Columns)
	case cdc.OperationDelete:
		e.Before = columnsToMap(data.Identity)
	}
	return e
}

func convertAction(action string) cdc.Operation {
	switch action {
	case "I":
		return cdc.OperationInsert
	case "U":
		return cdc.OperationUpdate
	case "D":
		return cdc.OperationDelete
	case "T":
		return cdc.OperationTruncate
	}
	return cdc.Operation(action)
}

func columnsToMap(columns []wal.Column) map[string]any {
	if len(columns) == 0 {
		return nil
	}
	m := make(map[string]any, len(columns))
	for _, col := range columns {
		m[col.Name] = col.Value
	}
	return m
}

var _ source.Source = (*Reader)(nil)
