package changelog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/janovincze/shapesync/internal/retry"
	"github.com/janovincze/shapesync/internal/shape"
)

// Listener relays NOTIFY payloads on NotifyChannel to a Broadcaster. It holds
// one pooled connection while running and reconnects with backoff.
type Listener struct {
	pool        *pgxpool.Pool
	broadcaster *Broadcaster
	retryer     *retry.Retryer
	logger      *slog.Logger
}

// NewListener creates a listener.
func NewListener(pool *pgxpool.Pool, b *Broadcaster, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "changelog-listener")
	return &Listener{
		pool:        pool,
		broadcaster: b,
		retryer:     retry.New(retry.ReconnectPolicy(), "changelog-listener", logger),
		logger:      logger,
	}
}

// Run listens until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		err := l.retryer.Execute(ctx, l.listen)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			l.logger.Error("listener stopped", "error", err)
			return err
		}
	}
	return nil
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return &shape.ConnectionError{Err: fmt.Errorf("acquire conn: %w", err)}
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return &shape.ConnectionError{Err: fmt.Errorf("listen: %w", err)}
	}
	l.logger.Info("listening for log appends", "channel", NotifyChannel)

	// Appends made while disconnected were not announced.
	l.broadcaster.NotifyAll()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &shape.ConnectionError{Err: fmt.Errorf("wait: %w", err)}
		}
		l.broadcaster.Notify(n.Payload)
	}
}
