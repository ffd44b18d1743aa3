// Package main provides the entry point for the shapesync CLI.
// The CLI mirrors shapes into a local SQLite database and performs writes
// that wait for their change to come back through the shape.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/janovincze/shapesync/internal/config"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return nil
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "version", "-v", "--version":
		fmt.Printf("shapesync version %s\n", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	case "sync", "dump", "insert":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		return fmt.Errorf("unknown command: %s", cmd)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "sync":
		return cmdSync(ctx, cfg, logger, args)
	case "dump":
		return cmdDump(ctx, cfg, logger, args)
	default:
		return cmdInsert(ctx, cfg, logger, args)
	}
}

func printUsage() {
	fmt.Println(`shapesync CLI - shape sync client

Usage:
  shapesync <command> [options]

Commands:
  version     Show version information
  sync        Mirror a shape into a local SQLite table until interrupted
  dump        Print the current rows of a shape as JSON lines
  insert      Insert a row and wait for it to arrive through the shape
  help        Show this help message

Examples:
  shapesync sync items -where done=false -db items.db
  shapesync dump orders -key tenant_id,id -columns total
  shapesync insert items '{"id":"k1","title":"buy milk"}'

Use "shapesync <command> -h" for the options of a command.`)
}
