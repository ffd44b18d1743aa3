package changelog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Compacter compacts one table's log. *Store implements it.
type Compacter interface {
	Compact(ctx context.Context, table string, retention time.Duration) (int64, error)
}

// Compactor runs compaction for a set of tables on a cron schedule.
type Compactor struct {
	store     Compacter
	tables    []string
	retention time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// NewCompactor validates schedule (standard five-field cron syntax) and
// returns a stopped compactor.
func NewCompactor(store Compacter, tables []string, schedule string, retention time.Duration, logger *slog.Logger) (*Compactor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Compactor{
		store:     store,
		tables:    tables,
		retention: retention,
		timeout:   5 * time.Minute,
		logger:    logger.With("component", "changelog-compactor"),
		cron:      cron.New(),
	}

	if _, err := c.cron.AddFunc(schedule, c.tick); err != nil {
		return nil, fmt.Errorf("invalid compaction schedule %q: %w", schedule, err)
	}
	return c, nil
}

// Start starts the schedule.
func (c *Compactor) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.cron.Start()
	c.logger.Info("compactor started", "tables", c.tables, "retention", c.retention)
}

// Stop stops the schedule and waits for a running compaction to finish.
func (c *Compactor) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	<-c.cron.Stop().Done()
	c.logger.Info("compactor stopped")
}

func (c *Compactor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	c.RunOnce(ctx)
}

// RunOnce compacts every table now. Failures are logged per table.
func (c *Compactor) RunOnce(ctx context.Context) int64 {
	var total int64
	for _, table := range c.tables {
		start := time.Now()
		n, err := c.store.Compact(ctx, table, c.retention)
		if err != nil {
			c.logger.Error("compaction failed", "table", table, "error", err)
			continue
		}
		total += n
		c.logger.Debug("compacted shape log", "table", table, "removed", n, "duration", time.Since(start))
	}
	return total
}
