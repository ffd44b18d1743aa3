// Package main provides the entry point for the shapesync API service.
// The API serves shape logs over HTTP long-polling and websockets, and exposes
// the write endpoints clients use for optimistic mutations.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/janovincze/shapesync/internal/api"
	"github.com/janovincze/shapesync/internal/api/live"
	"github.com/janovincze/shapesync/internal/api/repositories"
	"github.com/janovincze/shapesync/internal/api/services"
	"github.com/janovincze/shapesync/internal/changelog"
	"github.com/janovincze/shapesync/internal/config"
	"github.com/janovincze/shapesync/internal/health"
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
		logger.Error("api failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting shapesync API",
		"version", cfg.Version,
		"environment", cfg.Environment,
		"tables", cfg.Shapes.Tables,
	)

	pool, err := pgxpool.New(ctx, cfg.Database.URL())
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	defer pool.Close()

	if err := changelog.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure changelog schema: %w", err)
	}
	store := changelog.NewStore(pool, logger)
	broadcaster := changelog.NewBroadcaster()

	// Appends happen in the worker, so wake-ups arrive over LISTEN/NOTIFY.
	go func() {
		if err := changelog.NewListener(pool, broadcaster, logger).Run(ctx); err != nil {
			logger.Error("changelog listener stopped", "error", err)
		}
	}()

	db, err := sql.Open("pgx", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	items := repositories.NewItemRepository(db)
	if err := items.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure items schema: %w", err)
	}

	shapeService := services.NewShapeService(store, broadcaster, services.ShapeServiceConfig{
		Tables:          cfg.Shapes.Tables,
		KeyColumns:      cfg.Shapes.Keys,
		PageSize:        cfg.API.PageSize,
		LongPollTimeout: cfg.API.LongPollTimeout,
	}, logger)

	healthManager := health.NewManager(5*time.Second, logger)
	healthManager.Register(health.NewPingChecker("database", db.PingContext))
	healthManager.Register(health.NewPingChecker("changelog", pool.Ping))

	server := api.NewServer(api.ServerConfig{
		Config:        cfg,
		Logger:        logger,
		HealthManager: healthManager,
		ShapeService:  shapeService,
		LiveHub:       live.NewHub(store, broadcaster, cfg.API.CORSOrigins, logger),
		ItemService:   services.NewItemService(items, logger),
		RowService:    services.NewRowService(repositories.NewRowRepository(db), cfg.Shapes.Tables, cfg.Shapes.Keys, logger),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("API stopped gracefully")
		return nil
	case err := <-errCh:
		return err
	}
}
