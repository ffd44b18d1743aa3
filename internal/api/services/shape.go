package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/janovincze/shapesync/internal/changelog"
	"github.com/janovincze/shapesync/internal/metrics"
	"github.com/janovincze/shapesync/internal/shape"
)

// ShapeLog is the read side of the shape log. *changelog.Store implements it.
type ShapeLog interface {
	Handle(ctx context.Context, table string) (changelog.HandleInfo, error)
	Head(ctx context.Context, table string) (shape.Offset, error)
	ReadLog(ctx context.Context, table string, after shape.Offset, limit int) ([]changelog.Entry, error)
	ReadCompacted(ctx context.Context, table string, after shape.Offset, limit int) ([]changelog.Entry, error)
}

// ChangeNotifier signals when a table's log advances. *changelog.Broadcaster
// implements it.
type ChangeNotifier interface {
	Changed(table string) <-chan struct{}
}

// ShapeRequest is one parsed shape request.
type ShapeRequest struct {
	Definition shape.Definition
	Cursor     shape.Cursor
	Live       bool
	Limit      int
}

// ShapeResponse is the answer to a ShapeRequest. MustRefetch responses carry
// the current handle and a single must-refetch control message.
type ShapeResponse struct {
	Handle      string
	NextOffset  shape.Offset
	Messages    []shape.Message
	MustRefetch bool
}

// ShapeServiceConfig configures a ShapeService.
type ShapeServiceConfig struct {
	Tables          []string
	KeyColumns      func(table string) []string
	PageSize        int
	LongPollTimeout time.Duration
}

// ShapeService answers shape requests from the shape log.
type ShapeService struct {
	log      ShapeLog
	notifier ChangeNotifier
	tables   map[string]struct{}
	keys     func(table string) []string
	pageSize int
	longPoll time.Duration
	logger   *slog.Logger
}

// NewShapeService creates a ShapeService.
func NewShapeService(log ShapeLog, notifier ChangeNotifier, cfg ShapeServiceConfig, logger *slog.Logger) *ShapeService {
	if logger == nil {
		logger = slog.Default()
	}
	tables := make(map[string]struct{}, len(cfg.Tables))
	for _, t := range cfg.Tables {
		tables[t] = struct{}{}
	}
	keys := cfg.KeyColumns
	if keys == nil {
		keys = func(string) []string { return []string{"id"} }
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.LongPollTimeout <= 0 {
		cfg.LongPollTimeout = 20 * time.Second
	}
	return &ShapeService{
		log:      log,
		notifier: notifier,
		tables:   tables,
		keys:     keys,
		pageSize: cfg.PageSize,
		longPoll: cfg.LongPollTimeout,
		logger:   logger.With("component", "shape-service"),
	}
}

// Allowed reports whether table may be served.
func (s *ShapeService) Allowed(table string) bool {
	_, ok := s.tables[table]
	return ok
}

// Serve answers one request.
func (s *ShapeService) Serve(ctx context.Context, req ShapeRequest) (*ShapeResponse, error) {
	table := req.Definition.Table
	if !s.Allowed(table) {
		return nil, &NotFoundError{Resource: "shape", ID: table}
	}
	if req.Cursor.Offset < shape.BeforeStart {
		return nil, &ValidationError{Errors: fieldError("offset", "must be -1 or a log offset")}
	}
	if req.Limit <= 0 || req.Limit > s.pageSize {
		req.Limit = s.pageSize
	}

	info, err := s.log.Handle(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to load shape handle: %w", err)
	}

	if s.expired(req.Cursor, info) {
		s.logger.Debug("cursor cannot be served incrementally",
			"table", table, "handle", req.Cursor.Handle, "offset", req.Cursor.Offset,
			"current_handle", info.Handle, "compacted_through", info.CompactedThrough)
		metrics.ShapeRequestsTotal.WithLabelValues(table, mode(req), "must_refetch").Inc()
		return &ShapeResponse{
			Handle:      info.Handle,
			NextOffset:  shape.BeforeStart,
			Messages:    []shape.Message{shape.ControlMessage(shape.ControlMustRefetch)},
			MustRefetch: true,
		}, nil
	}

	var resp *ShapeResponse
	if req.Live {
		resp, err = s.serveLive(ctx, req, info)
	} else {
		resp, err = s.serveSnapshot(ctx, req, info)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		metrics.ShapeRequestsTotal.WithLabelValues(table, mode(req), "error").Inc()
		return nil, err
	}
	status := "ok"
	if resp.MustRefetch {
		status = "must_refetch"
	}
	metrics.ShapeRequestsTotal.WithLabelValues(table, mode(req), status).Inc()
	return resp, nil
}

// expired reports whether the cursor belongs to another log generation or
// points into a compacted range. An initial cursor is never expired.
func (s *ShapeService) expired(c shape.Cursor, info changelog.HandleInfo) bool {
	if c.Initial() {
		return false
	}
	if c.Handle != info.Handle {
		return true
	}
	return info.Expired(c.Offset)
}

// serveSnapshot returns one page of the compacted log. The page that reaches
// the head ends with up-to-date.
func (s *ShapeService) serveSnapshot(ctx context.Context, req ShapeRequest, info changelog.HandleInfo) (*ShapeResponse, error) {
	table := req.Definition.Table

	head, err := s.log.Head(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read log head: %w", err)
	}
	entries, err := s.log.ReadCompacted(ctx, table, req.Cursor.Offset, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read shape snapshot: %w", err)
	}

	resp := &ShapeResponse{Handle: info.Handle, NextOffset: req.Cursor.Offset}
	keys := s.keys(table)
	for _, e := range entries {
		resp.NextOffset = e.Offset
		if m, ok := s.toMessage(req, e, keys, true); ok {
			resp.Messages = append(resp.Messages, m)
		}
	}

	if len(entries) < req.Limit {
		if head > resp.NextOffset {
			resp.NextOffset = head
		}
		resp.Messages = append(resp.Messages, shape.ControlMessage(shape.ControlUpToDate))
	}
	return resp, nil
}

// serveLive returns raw log entries after the cursor, waiting up to the
// long-poll timeout when there are none.
func (s *ShapeService) serveLive(ctx context.Context, req ShapeRequest, info changelog.HandleInfo) (*ShapeResponse, error) {
	table := req.Definition.Table

	changed := s.notifier.Changed(table)
	entries, err := s.log.ReadLog(ctx, table, req.Cursor.Offset, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read shape log: %w", err)
	}

	if len(entries) == 0 {
		metrics.LongPollWaits.WithLabelValues(table).Inc()
		advanced := changelog.Wait(ctx, changed, s.longPoll)
		metrics.LongPollWaits.WithLabelValues(table).Dec()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if advanced {
			current, err := s.log.Handle(ctx, table)
			if err != nil {
				return nil, fmt.Errorf("failed to load shape handle: %w", err)
			}
			if current.Handle != info.Handle {
				return &ShapeResponse{
					Handle:      current.Handle,
					NextOffset:  shape.BeforeStart,
					Messages:    []shape.Message{shape.ControlMessage(shape.ControlMustRefetch)},
					MustRefetch: true,
				}, nil
			}
			if entries, err = s.log.ReadLog(ctx, table, req.Cursor.Offset, req.Limit); err != nil {
				return nil, fmt.Errorf("failed to read shape log: %w", err)
			}
		}
	}

	resp := &ShapeResponse{Handle: info.Handle, NextOffset: req.Cursor.Offset}
	keys := s.keys(table)
	for _, e := range entries {
		resp.NextOffset = e.Offset
		if m, ok := s.toMessage(req, e, keys, false); ok {
			resp.Messages = append(resp.Messages, m)
		}
	}
	resp.Messages = append(resp.Messages, shape.ControlMessage(shape.ControlUpToDate))
	return resp, nil
}

// toMessage renders an entry for the request's shape. A row that does not
// match the filter becomes a delete, except in the first snapshot page where
// the client cannot hold it yet.
func (s *ShapeService) toMessage(req ShapeRequest, e changelog.Entry, keys []string, snapshot bool) (shape.Message, bool) {
	def := req.Definition
	if e.Operation == shape.OperationDelete {
		return e.Message(), true
	}
	if !def.Matches(e.Value) {
		if snapshot && req.Cursor.Initial() {
			return shape.Message{}, false
		}
		return shape.Message{Key: e.Key, Headers: shape.Headers{Operation: shape.OperationDelete, Offset: e.Offset}}, true
	}

	m := e.Message()
	m.Value = def.Project(e.Value, keys)
	if snapshot {
		m.Headers.Operation = shape.OperationInsert
	}
	return m, true
}

func mode(req ShapeRequest) string {
	if req.Live {
		return "live"
	}
	return "snapshot"
}
