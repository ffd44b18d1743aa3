package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/janovincze/shapesync/internal/config"
	"github.com/janovincze/shapesync/internal/retry"
	"github.com/janovincze/shapesync/internal/shape"
	"github.com/janovincze/shapesync/internal/shape/localsync"
	"github.com/janovincze/shapesync/internal/shape/match"
	"github.com/janovincze/shapesync/internal/shape/registry"
	"github.com/janovincze/shapesync/internal/shape/stream"
	"github.com/janovincze/shapesync/internal/shape/view"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// whereFlag collects repeated -where col=value filters.
type whereFlag map[string]string

func (w whereFlag) String() string {
	parts := make([]string, 0, len(w))
	for col, v := range w {
		parts = append(parts, col+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (w whereFlag) Set(value string) error {
	col, v, ok := strings.Cut(value, "=")
	if !ok || col == "" {
		return fmt.Errorf("expected col=value, got %q", value)
	}
	w[col] = v
	return nil
}

// shapeFlags are the options shared by every command that opens a shape.
type shapeFlags struct {
	baseURL string
	where   whereFlag
	columns string
	keys    string
}

func newShapeFlags(fs *flag.FlagSet, cfg *config.Config) *shapeFlags {
	f := &shapeFlags{where: whereFlag{}}
	fs.StringVar(&f.baseURL, "url", cfg.Client.BaseURL, "base URL of the shapesync API")
	fs.Var(f.where, "where", "equality filter col=value (repeatable)")
	fs.StringVar(&f.columns, "columns", "", "comma-separated columns to sync (default all)")
	fs.StringVar(&f.keys, "key", "id", "comma-separated primary key columns")
	return f
}

func (f *shapeFlags) definition(table string) (shape.Definition, error) {
	def := shape.Definition{
		Table:      table,
		Where:      map[string]string(f.where),
		Columns:    splitList(f.columns),
		PrimaryKey: splitList(f.keys),
	}
	if err := def.Validate(); err != nil {
		return shape.Definition{}, err
	}
	return def, nil
}

func newRegistry(cfg *config.Config, baseURL string, logger *slog.Logger) *registry.Registry {
	policy := retry.ReconnectPolicy()
	if cfg.Retry.MaxInterval > 0 {
		policy.MaxInterval = cfg.Retry.MaxInterval
	}
	return registry.New(registry.StreamFactory(
		stream.WithBaseURL(baseURL),
		stream.WithRetryPolicy(policy),
		stream.WithLogger(logger),
	), logger)
}

// openShape returns the shared Shape for def and a channel that yields once
// the shape has loaded or stopped.
func openShape(ctx context.Context, reg *registry.Registry, def shape.Definition, onChange func(view.Notification)) (*view.Shape, <-chan error, error) {
	sh, err := reg.Acquire(ctx, def)
	if err != nil {
		return nil, nil, err
	}

	ready := make(chan error, 1)
	var once sync.Once
	sh.Subscribe(func(n view.Notification) {
		if n.Err != nil || n.UpToDate {
			once.Do(func() { ready <- n.Err })
		}
		if onChange != nil {
			onChange(n)
		}
	})
	if !sh.IsLoading() {
		once.Do(func() { ready <- sh.Err() })
	}
	return sh, ready, nil
}

func waitLoaded(ctx context.Context, ready <-chan error) error {
	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func cmdSync(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	sf := newShapeFlags(fs, cfg)
	dbPath := fs.String("db", cfg.Client.LocalDB, "local SQLite database")
	if err := parseWithTable(fs, args); err != nil {
		return err
	}
	def, err := sf.definition(fs.Arg(0))
	if err != nil {
		return err
	}

	reg := newRegistry(cfg, sf.baseURL, logger)
	defer reg.Reset()

	sh, ready, err := openShape(ctx, reg, def, func(n view.Notification) {
		if n.Err == nil && (len(n.Changes) > 0 || n.Reset) {
			logger.Info("shape changed", "table", def.Table, "changes", len(n.Changes), "reset", n.Reset)
		}
	})
	if err != nil {
		return err
	}
	defer reg.Release(sh)

	if err := waitLoaded(ctx, ready); err != nil {
		return fmt.Errorf("load shape: %w", err)
	}

	store, err := localsync.OpenSQLite(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	table := localsync.Table{
		Name:       strings.ReplaceAll(def.Table, ".", "_"),
		PrimaryKey: def.PrimaryKey,
		Columns:    def.Columns,
	}
	if len(table.Columns) == 0 {
		table.Columns = columnsOf(sh.ValueSync(), def.PrimaryKey)
	}
	if len(table.Columns) == 0 {
		return fmt.Errorf("shape %s is empty; pass -columns to create the local table", def.Table)
	}
	if err := localsync.EnsureTable(ctx, store, table); err != nil {
		return err
	}

	adapter, err := localsync.Attach(ctx, sh, store, table, localsync.WithLogger(logger))
	if err != nil {
		return err
	}
	defer adapter.Detach()

	logger.Info("syncing shape", "table", def.Table, "db", *dbPath, "rows", len(sh.ValueSync()))

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := adapter.Flush(flushCtx); err != nil {
				logger.Warn("failed to flush pending changes", "pending", adapter.Pending(), "error", err)
			}
			return nil
		case err := <-adapter.Errors():
			if errors.Is(err, localsync.ErrShapeStopped) {
				return err
			}
			logger.Warn("local sync batch failed", "pending", adapter.Pending(), "error", err)
		}
	}
}

func cmdDump(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	sf := newShapeFlags(fs, cfg)
	if err := parseWithTable(fs, args); err != nil {
		return err
	}
	def, err := sf.definition(fs.Arg(0))
	if err != nil {
		return err
	}

	reg := newRegistry(cfg, sf.baseURL, logger)
	defer reg.Reset()

	sh, ready, err := openShape(ctx, reg, def, nil)
	if err != nil {
		return err
	}
	defer reg.Release(sh)

	if err := waitLoaded(ctx, ready); err != nil {
		return fmt.Errorf("load shape: %w", err)
	}
	return writeRows(os.Stdout, sh.ValueSync())
}

func cmdInsert(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("insert", flag.ContinueOnError)
	baseURL := fs.String("url", cfg.Client.BaseURL, "base URL of the shapesync API")
	keys := fs.String("key", "id", "comma-separated primary key columns")
	timeout := fs.Duration("timeout", cfg.Client.Timeout, "how long to wait for the change to arrive")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: shapesync insert [options] <table> <json>")
	}
	table := fs.Arg(0)

	var row shape.Row
	if err := json.Unmarshal([]byte(fs.Arg(1)), &row); err != nil {
		return fmt.Errorf("invalid row: %w", err)
	}
	def := shape.Definition{Table: table, PrimaryKey: splitList(*keys)}
	if err := def.Validate(); err != nil {
		return err
	}
	key, err := shape.RowKey(def.PrimaryKey, row)
	if err != nil {
		return err
	}

	reg := newRegistry(cfg, *baseURL, logger)
	defer reg.Reset()

	s, err := reg.GetOrCreateStream(ctx, def)
	if err != nil {
		return err
	}

	start := time.Now()
	msg, err := match.Stream(ctx, s, []shape.Operation{shape.OperationInsert}, match.Key(key), *timeout,
		func(ctx context.Context) error {
			return postRow(ctx, *baseURL, table, row)
		})
	if err != nil {
		return err
	}

	logger.Info("insert confirmed", "table", table, "key", key, "offset", msg.Headers.Offset, "elapsed", time.Since(start))
	return writeRows(os.Stdout, map[string]shape.Row{key: msg.Value})
}

func postRow(ctx context.Context, baseURL, table string, row shape.Row) error {
	body, err := json.Marshal(row)
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/api/v1/shapes/" + url.PathEscape(table)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("insert request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("insert rejected: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}
	return nil
}

func parseWithTable(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: shapesync %s [options] <table>", fs.Name())
	}
	return nil
}

// columnsOf returns the non-key columns present in rows, sorted.
func columnsOf(rows map[string]shape.Row, keys []string) []string {
	set := make(map[string]struct{})
	for _, row := range rows {
		for col := range row {
			set[col] = struct{}{}
		}
	}
	for _, k := range keys {
		delete(set, k)
	}
	cols := make([]string, 0, len(set))
	for col := range set {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// writeRows prints rows as JSON lines in key order.
func writeRows(w io.Writer, rows map[string]shape.Row) error {
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	enc := json.NewEncoder(w)
	for _, k := range keys {
		if err := enc.Encode(rows[k]); err != nil {
			return err
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
