// Package pipeline moves captured row changes into the shape log.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/janovincze/shapesync/internal/cdc"
	"github.com/janovincze/shapesync/internal/cdc/checkpoint"
	"github.com/janovincze/shapesync/internal/cdc/source"
	"github.com/janovincze/shapesync/internal/changelog"
	"github.com/janovincze/shapesync/internal/metrics"
	"github.com/janovincze/shapesync/internal/retry"
	"github.com/janovincze/shapesync/internal/shape"
)

// ErrAlreadyRunning is returned by Run when the pipeline is already running.
var ErrAlreadyRunning = errors.New("pipeline already running")

// Appender is the part of the changelog the pipeline writes to.
// *changelog.Store implements it.
type Appender interface {
	Append(ctx context.Context, entries []changelog.Entry) ([]shape.Offset, error)
	Rotate(ctx context.Context, table string) (changelog.HandleInfo, error)
}

// Config controls batching, checkpointing and write retries.
type Config struct {
	// KeyColumns overrides the replica identity per shape table.
	KeyColumns map[string][]string

	// BatchSize caps how many buffered events are appended in one
	// transaction.
	BatchSize int

	CheckpointInterval time.Duration
	Retry              retry.Policy
}

// DefaultConfig returns the defaults used by shapesync-worker.
func DefaultConfig() Config {
	return Config{
		BatchSize:          100,
		CheckpointInterval: 10 * time.Second,
		Retry:              retry.DefaultPolicy(),
	}
}

// Stats are counters since the pipeline was created.
type Stats struct {
	EventsProcessed   int64
	EntriesAppended   int64
	EventsSkipped     int64
	Rotations         int64
	LastEventTime     time.Time
	LastCheckpointLSN string
	LastCheckpointAt  time.Time
	Errors            int64
}

// Pipeline reads events from a source, converts them to log entries and
// appends them to the changelog. A checkpoint only ever covers events whose
// entries have been committed.
type Pipeline struct {
	source     source.Source
	appender   Appender
	checkpoint checkpoint.Manager
	config     Config
	logger     *slog.Logger
	retryer    *retry.Retryer
	state      *StateMachine

	mu      sync.RWMutex
	running bool
	lastLSN string
	stats   Stats
}

// New creates a pipeline. cp may be nil to disable checkpointing.
func New(src source.Source, appender Appender, cp checkpoint.Manager, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}

	p := &Pipeline{
		source:     src,
		appender:   appender,
		checkpoint: cp,
		config:     cfg,
		logger:     logger.With("component", "pipeline", "source", src.Name()),
		retryer:    retry.New(cfg.Retry, "pipeline", logger),
		state:      NewStateMachine(),
	}
	p.state.AddListener(func(from, to State) {
		metrics.CDCPipelineState.WithLabelValues(src.Name()).Set(float64(to))
		p.logger.Info("pipeline state changed", "from", from, "to", to)
	})
	return p
}

// Run consumes the source until ctx is cancelled, the source ends, or a
// batch cannot be written after retries.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	if err := p.state.Transition(StateStarting); err != nil {
		return err
	}

	if p.checkpoint != nil {
		if err := p.restoreCheckpoint(ctx); err != nil {
			p.logger.Warn("failed to restore checkpoint", "error", err)
		}
	}

	events, errs := p.source.Start(ctx)

	var checkpointCh <-chan time.Time
	if p.checkpoint != nil && p.config.CheckpointInterval > 0 {
		ticker := time.NewTicker(p.config.CheckpointInterval)
		defer ticker.Stop()
		checkpointCh = ticker.C
	}

	_ = p.state.Transition(StateRunning)

	for {
		select {
		case <-ctx.Done():
			return p.stop(nil)

		case err := <-errs:
			if err == nil {
				continue
			}
			p.recordError("source")
			p.logger.Error("source error", "error", err)
			return p.fail(fmt.Errorf("source error: %w", err))

		case event, ok := <-events:
			if !ok {
				p.logger.Info("event channel closed")
				return p.stop(nil)
			}
			batch := p.drain(event, events)
			if err := p.processBatch(ctx, batch); err != nil {
				if ctx.Err() != nil {
					return p.stop(nil)
				}
				return p.fail(err)
			}

		case <-checkpointCh:
			if err := p.saveCheckpoint(ctx); err != nil {
				p.logger.Error("failed to save checkpoint", "error", err)
			}
		}
	}
}

// drain collects first plus whatever is already buffered, up to BatchSize.
func (p *Pipeline) drain(first cdc.Event, events <-chan cdc.Event) []cdc.Event {
	batch := []cdc.Event{first}
	for len(batch) < p.config.BatchSize {
		select {
		case e, ok := <-events:
			if !ok {
				return batch
			}
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

// processBatch appends the batch's entries in order. A TRUNCATE splits the
// batch: entries before it are appended, then the table's log is rotated.
func (p *Pipeline) processBatch(ctx context.Context, batch []cdc.Event) error {
	var (
		pending []changelog.Entry
		lastLSN string
	)

	for _, event := range batch {
		metrics.CDCEventsTotal.WithLabelValues(p.source.Name(), event.ShapeTable(), string(event.Operation)).Inc()

		if event.Operation == cdc.OperationTruncate {
			if err := p.append(ctx, pending); err != nil {
				return err
			}
			pending = nil
			if err := p.rotate(ctx, event.ShapeTable()); err != nil {
				return err
			}
			lastLSN = event.LSN
			continue
		}

		entries, err := event.Entries(p.config.KeyColumns[event.ShapeTable()])
		if err != nil {
			p.recordError("convert")
			p.logger.Warn("skipping event", "table", event.ShapeTable(), "lsn", event.LSN, "error", err)
			p.mu.Lock()
			p.stats.EventsSkipped++
			p.mu.Unlock()
			lastLSN = event.LSN
			continue
		}
		pending = append(pending, entries...)
		lastLSN = event.LSN
	}

	if err := p.append(ctx, pending); err != nil {
		return err
	}

	p.mu.Lock()
	p.lastLSN = lastLSN
	p.stats.EventsProcessed += int64(len(batch))
	p.stats.LastEventTime = time.Now()
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) append(ctx context.Context, entries []changelog.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	err := p.withRetry(ctx, func(ctx context.Context) error {
		_, err := p.appender.Append(ctx, entries)
		return err
	})
	if err != nil {
		p.recordError("append")
		return fmt.Errorf("append %d entries: %w", len(entries), err)
	}
	p.mu.Lock()
	p.stats.EntriesAppended += int64(len(entries))
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) rotate(ctx context.Context, table string) error {
	var handle changelog.HandleInfo
	err := p.withRetry(ctx, func(ctx context.Context) error {
		h, err := p.appender.Rotate(ctx, table)
		handle = h
		return err
	})
	if err != nil {
		p.recordError("rotate")
		return fmt.Errorf("rotate %s: %w", table, err)
	}
	p.logger.Info("table truncated, shape log rotated", "table", table, "handle", handle.Handle)
	p.mu.Lock()
	p.stats.Rotations++
	p.mu.Unlock()
	return nil
}

// withRetry runs op under the retry policy, reporting StateRetrying while
// attempts are failing.
func (p *Pipeline) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	err := p.retryer.Execute(ctx, func(ctx context.Context) error {
		attempt++
		if attempt == 2 {
			_ = p.state.Transition(StateRetrying)
		}
		return op(ctx)
	})
	if err == nil && attempt > 1 {
		_ = p.state.Transition(StateRunning)
	}
	return err
}

func (p *Pipeline) stop(err error) error {
	_ = p.state.Transition(StateStopping)

	if p.checkpoint != nil {
		if cerr := p.saveCheckpoint(context.Background()); cerr != nil {
			p.logger.Error("failed to save final checkpoint", "error", cerr)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := p.source.Stop(stopCtx); serr != nil && err == nil {
		p.logger.Warn("failed to stop source", "error", serr)
	}

	_ = p.state.Transition(StateStopped)
	return err
}

func (p *Pipeline) fail(err error) error {
	if p.checkpoint != nil {
		if cerr := p.saveCheckpoint(context.Background()); cerr != nil {
			p.logger.Error("failed to save final checkpoint", "error", cerr)
		}
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = p.source.Stop(stopCtx)

	_ = p.state.Transition(StateFailed)
	return err
}

func (p *Pipeline) recordError(stage string) {
	metrics.CDCErrorsTotal.WithLabelValues(p.source.Name(), stage).Inc()
	p.mu.Lock()
	p.stats.Errors++
	p.mu.Unlock()
}

func (p *Pipeline) saveCheckpoint(ctx context.Context) error {
	p.mu.RLock()
	lsn := p.lastLSN
	saved := p.stats.LastCheckpointLSN
	p.mu.RUnlock()

	if lsn == "" || lsn == saved {
		return nil
	}

	if err := p.checkpoint.Save(ctx, cdc.Checkpoint{
		SourceID:    p.source.Name(),
		LSN:         lsn,
		CommittedAt: time.Now(),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.stats.LastCheckpointLSN = lsn
	p.stats.LastCheckpointAt = time.Now()
	p.mu.Unlock()

	p.logger.Debug("checkpoint saved", "lsn", lsn)
	return nil
}

func (p *Pipeline) restoreCheckpoint(ctx context.Context) error {
	cp, err := p.checkpoint.Load(ctx, p.source.Name())
	if err != nil {
		return err
	}
	if cp == nil {
		p.logger.Info("no checkpoint found, replication starts at the slot position")
		return nil
	}

	p.mu.Lock()
	p.lastLSN = cp.LSN
	p.stats.LastCheckpointLSN = cp.LSN
	p.stats.LastCheckpointAt = cp.CommittedAt
	p.mu.Unlock()

	p.logger.Info("restored checkpoint", "lsn", cp.LSN, "committed_at", cp.CommittedAt)
	return nil
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return p.state.State()
}

// IsRunning reports whether Run is consuming events.
func (p *Pipeline) IsRunning() bool {
	return p.state.IsRunning()
}
