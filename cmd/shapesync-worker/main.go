// Package main provides the entry point for the shapesync worker.
// The worker captures row changes from PostgreSQL logical replication,
// appends them to the shape log and compacts the log on a schedule.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/janovincze/shapesync/internal/cdc/checkpoint"
	"github.com/janovincze/shapesync/internal/cdc/pipeline"
	"github.com/janovincze/shapesync/internal/cdc/source"
	"github.com/janovincze/shapesync/internal/cdc/source/postgres"
	"github.com/janovincze/shapesync/internal/changelog"
	"github.com/janovincze/shapesync/internal/config"
	"github.com/janovincze/shapesync/internal/health"
	"github.com/janovincze/shapesync/internal/metrics"
	"github.com/janovincze/shapesync/internal/retry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ResolveSecrets(ctx, logger); err != nil {
		logger.Error("failed to resolve secrets", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting shapesync worker",
		"version", cfg.Version,
		"environment", cfg.Environment,
		"tables", cfg.Shapes.Tables,
	)

	if cfg.Metrics.Enabled {
		metrics.Register()
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL())
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	defer pool.Close()

	if err := changelog.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure changelog schema: %w", err)
	}
	store := changelog.NewStore(pool, logger)

	if cfg.Shapes.SeedOnStart {
		for _, table := range cfg.Shapes.Tables {
			n, err := store.Seed(ctx, table, cfg.Shapes.Keys(table))
			if err != nil {
				return fmt.Errorf("seed %s: %w", table, err)
			}
			if n > 0 {
				logger.Info("seeded shape log", "table", table, "rows", n)
			}
		}
	}

	readerCfg := postgres.Config{
		Config:            source.Config{Name: cfg.Source.Name},
		ConnectionURL:     cfg.Database.URL(),
		SlotName:          cfg.Source.SlotName,
		PublicationName:   cfg.Source.PublicationName,
		Tables:            cfg.Shapes.Tables,
		ReconnectInterval: cfg.Source.ReconnectInterval,
		EventBufferSize:   cfg.Source.EventBufferSize,
	}
	reader, err := postgres.New(readerCfg, logger)
	if err != nil {
		return fmt.Errorf("create source reader: %w", err)
	}

	var checkpointMgr checkpoint.Manager
	if cfg.Source.CheckpointEnabled {
		mgr, err := checkpoint.NewPostgresManager(ctx, checkpoint.PostgresConfig{
			DSN:          cfg.Database.DSN(),
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		}, logger)
		if err != nil {
			return fmt.Errorf("create checkpoint manager: %w", err)
		}
		defer mgr.Close()
		checkpointMgr = mgr
	}

	p := pipeline.New(reader, store, checkpointMgr, pipeline.Config{
		KeyColumns:         cfg.Shapes.KeyColumns,
		BatchSize:          cfg.Source.BatchSize,
		CheckpointInterval: cfg.Source.CheckpointInterval,
		Retry: retry.Policy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			Multiplier:      cfg.Retry.Multiplier,
			Jitter:          true,
		},
	}, logger)

	if cfg.Compaction.Enabled {
		compactor, err := changelog.NewCompactor(store, cfg.Shapes.Tables,
			cfg.Compaction.Schedule, cfg.Compaction.Retention, logger)
		if err != nil {
			return fmt.Errorf("create compactor: %w", err)
		}
		compactor.Start()
		defer compactor.Stop()
	}

	healthManager := health.NewManager(cfg.Worker.HealthTimeout, logger)
	healthManager.Register(health.NewPingChecker("changelog", pool.Ping))
	healthManager.Register(health.NewFuncChecker("pipeline", func(context.Context) (health.Status, string, error) {
		switch state := p.State(); state {
		case pipeline.StateRunning:
			return health.StatusHealthy, state.String(), nil
		case pipeline.StateStarting, pipeline.StateRetrying:
			return health.StatusDegraded, state.String(), nil
		default:
			return health.StatusUnhealthy, state.String(), nil
		}
	}))

	healthServer := health.NewServer(cfg.Worker.HealthListenAddr, healthManager, cfg.Metrics.Enabled, logger)
	go func() {
		if err := healthServer.Start(); err != nil {
			logger.Error("health server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := healthServer.Stop(shutdownCtx); err != nil {
			logger.Warn("health server shutdown failed", "error", err)
		}
	}()

	logger.Info("shape pipeline configured",
		"replication_slot", cfg.Source.SlotName,
		"publication", cfg.Source.PublicationName,
		"checkpoint_enabled", cfg.Source.CheckpointEnabled,
		"checkpoint_interval", cfg.Source.CheckpointInterval,
		"compaction_enabled", cfg.Compaction.Enabled,
	)

	if err := p.Run(ctx); err != nil {
		return fmt.Errorf("pipeline error: %w", err)
	}

	logger.Info("worker stopped gracefully")
	return nil
}
