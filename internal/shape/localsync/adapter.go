// Package localsync mirrors a materialized shape into a local SQL table,
// one transaction per shape notification.
package localsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/janovincze/shapesync/internal/metrics"
	"github.com/janovincze/shapesync/internal/shape"
	"github.com/janovincze/shapesync/internal/shape/view"
)

// ErrShapeStopped is reported when the mirrored shape hit a terminal error.
var ErrShapeStopped = errors.New("localsync: shape stopped")

// Source is the materialized shape being mirrored. *view.Shape implements it.
type Source interface {
	ValueSync() map[string]shape.Row
	Subscribe(fn func(view.Notification)) *shape.Subscription
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// OnError registers fn for every failed batch.
func OnError(fn func(error)) Option {
	return func(a *Adapter) { a.onError = fn }
}

// Adapter applies shape notifications to a local table. All writes to the
// table, synced or local, go through the same lock and transaction discipline.
type Adapter struct {
	src     Source
	store   Store
	table   Table
	logger  *slog.Logger
	onError func(error)
	errs    chan error

	ctx    context.Context
	cancel context.CancelFunc
	sub    *shape.Subscription

	mu      sync.Mutex
	pending []view.Notification
	// resync replaces the table with the shape's current rows on the next
	// flush. Set after a failed transaction.
	resync bool
}

// Attach seeds table from src and keeps it in sync until Detach. An empty
// table is seeded with bulk statements; otherwise rows are upserted one by
// one, which is idempotent on the primary key.
func Attach(ctx context.Context, src Source, store Store, table Table, opts ...Option) (*Adapter, error) {
	if err := table.validate(); err != nil {
		return nil, fmt.Errorf("invalid local table: %w", err)
	}

	a := &Adapter{
		src:   src,
		store: store,
		table: table,
		errs:  make(chan error, 16),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("component", "localsync", "table", table.Name)
	a.ctx, a.cancel = context.WithCancel(context.Background())

	// Notifications arriving during the seed wait for the lock and are
	// applied after it.
	a.mu.Lock()
	a.sub = src.Subscribe(a.handle)
	err := a.seed(ctx, src.ValueSync())
	a.mu.Unlock()

	if err != nil {
		a.Detach()
		return nil, err
	}
	return a, nil
}

func (a *Adapter) seed(ctx context.Context, snapshot map[string]shape.Row) error {
	rows := sortedRows(snapshot)

	return a.store.Transaction(ctx, func(exec Executor) error {
		n, err := a.table.count(ctx, exec)
		if err != nil {
			return err
		}

		if n == 0 {
			for start := 0; start < len(rows); start += bulkChunk {
				end := min(start+bulkChunk, len(rows))
				if err := a.table.upsert(ctx, exec, rows[start:end]); err != nil {
					return err
				}
			}
			a.logger.Info("seeded local table", "mode", "bulk", "rows", len(rows))
			return nil
		}

		for _, row := range rows {
			if err := a.table.upsert(ctx, exec, []shape.Row{row}); err != nil {
				return err
			}
		}
		a.logger.Info("seeded local table", "mode", "upsert", "rows", len(rows), "existing", n)
		return nil
	})
}

func (a *Adapter) handle(n view.Notification) {
	if n.Err != nil {
		a.report(fmt.Errorf("%w: %w", ErrShapeStopped, n.Err))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// A pending resync reads the shape's rows, which already include n.
	if !a.resync {
		a.pending = append(a.pending, n)
	}
	if err := a.flushLocked(a.ctx); err != nil {
		a.report(err)
	}
}

// Flush retries a resync left over from a failed transaction.
func (a *Adapter) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked(ctx)
}

// Pending returns the number of batches waiting to be applied. A failed
// transaction collapses into one pending resync, so it is at most 1 between
// notifications.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resync {
		return 1
	}
	return len(a.pending)
}

// flushLocked applies the pending notifications in one transaction, or
// replaces the table contents when a resync is due. On failure the pending
// notifications are dropped in favour of a resync.
func (a *Adapter) flushLocked(ctx context.Context) error {
	if !a.resync && len(a.pending) == 0 {
		return nil
	}

	var err error
	if a.resync {
		err = a.store.Transaction(ctx, func(exec Executor) error {
			return a.reseed(ctx, exec)
		})
	} else {
		err = a.store.Transaction(ctx, func(exec Executor) error {
			for _, n := range a.pending {
				if err := a.apply(ctx, exec, n); err != nil {
					return err
				}
			}
			return nil
		})
	}
	a.pending = nil
	if err != nil {
		a.resync = true
		metrics.LocalSyncBatchesTotal.WithLabelValues(a.table.Name, "failure").Inc()
		return fmt.Errorf("failed to apply batch, table will be resynced: %w", err)
	}

	if a.resync {
		a.logger.Info("resynced local table")
	}
	a.resync = false
	metrics.LocalSyncBatchesTotal.WithLabelValues(a.table.Name, "success").Inc()
	return nil
}

// reseed clears the table and bulk-loads the shape's current rows.
func (a *Adapter) reseed(ctx context.Context, exec Executor) error {
	if err := a.table.clear(ctx, exec); err != nil {
		return err
	}
	rows := sortedRows(a.src.ValueSync())
	for start := 0; start < len(rows); start += bulkChunk {
		end := min(start+bulkChunk, len(rows))
		if err := a.table.upsert(ctx, exec, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) apply(ctx context.Context, exec Executor, n view.Notification) error {
	if n.Reset {
		if err := a.table.clear(ctx, exec); err != nil {
			return err
		}
	}
	for _, c := range n.Changes {
		var err error
		switch c.Kind {
		case view.ChangeUpsert:
			err = a.table.upsert(ctx, exec, []shape.Row{c.Row})
		case view.ChangeDelete:
			err = a.table.delete(ctx, exec, c.Key, c.Row)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Write runs fn in a transaction under the adapter's table lock, so local
// writes never interleave with synced batches.
func (a *Adapter) Write(ctx context.Context, fn func(Executor) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.Transaction(ctx, fn)
}

// Errors returns failed batch errors. Errors are dropped when the channel is full.
func (a *Adapter) Errors() <-chan error {
	return a.errs
}

func (a *Adapter) report(err error) {
	a.logger.Error("local sync failed", "error", err)
	if a.onError != nil {
		a.onError(err)
	}
	select {
	case a.errs <- err:
	default:
	}
}

// Detach stops applying notifications. The local table keeps its rows.
func (a *Adapter) Detach() {
	if a.sub != nil {
		a.sub.Unsubscribe()
	}
	a.cancel()
}

func sortedRows(m map[string]shape.Row) []shape.Row {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]shape.Row, len(keys))
	for i, k := range keys {
		rows[i] = m[k]
	}
	return rows
}
