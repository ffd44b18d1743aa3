// Package stream implements the client side of the shape protocol: a
// long-lived, resumable pull of one shape's change log.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/janovincze/shapesync/internal/metrics"
	"github.com/janovincze/shapesync/internal/retry"
	"github.com/janovincze/shapesync/internal/shape"
)

// ErrMissingBaseURL is returned by Open when no endpoint is configured.
var ErrMissingBaseURL = errors.New("stream: base URL is required")

// Option configures a Stream.
type Option func(*Stream)

// WithBaseURL sets the base URL of the shape endpoint.
func WithBaseURL(u string) Option {
	return func(s *Stream) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Stream) { s.client = c }
}

// WithRetryPolicy sets the reconnect policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Stream) { s.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) { s.logger = l }
}

// WithResume resumes from a previously observed cursor instead of snapshotting.
func WithResume(c shape.Cursor) Option {
	return func(s *Stream) {
		s.cursor = c
		s.live = !c.Initial()
	}
}

// WithPageSize sets the number of messages requested per response.
func WithPageSize(n int) Option {
	return func(s *Stream) { s.pageSize = n }
}

// Stream pulls one shape's change log and delivers it, in order, to its
// subscribers. The pull loop starts with the first subscriber.
type Stream struct {
	def      shape.Definition
	baseURL  string
	client   *http.Client
	policy   retry.Policy
	logger   *slog.Logger
	pageSize int
	retryer  *retry.Retryer

	subscribers shape.Subscribers[shape.Batch]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	cursor  shape.Cursor
	live    bool
	started bool
	closed  bool
	err     error
}

// Open validates def and returns an idle stream.
func Open(def shape.Definition, opts ...Option) (*Stream, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape definition: %w", err)
	}

	s := &Stream{
		def:      def,
		client:   http.DefaultClient,
		policy:   retry.ReconnectPolicy(),
		pageSize: shape.DefaultPageSize,
		cursor:   shape.Cursor{Offset: shape.BeforeStart},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "shape-stream", "table", def.Table)
	s.retryer = retry.New(s.policy, "shape-stream", s.logger)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	return s, nil
}

// Definition returns the shape definition.
func (s *Stream) Definition() shape.Definition {
	return s.def
}

// Cursor returns the position of the last received response.
func (s *Stream) Cursor() shape.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// IsLive reports whether the initial snapshot has completed.
func (s *Stream) IsLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Err returns the terminal error, if the stream stopped on one.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the pull loop has exited or the stream was closed
// before it started.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Subscribe registers fn for every batch received from now on and starts the
// pull loop if it is not running. Batches are delivered from a single
// goroutine in stream order.
func (s *Stream) Subscribe(fn func(shape.Batch)) *shape.Subscription {
	sub := s.subscribers.Add(fn)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub.Unsubscribe()
		return sub
	}
	if !s.started {
		s.started = true
		go s.run()
	}
	return sub
}

// SubscriberCount returns the number of attached subscribers.
func (s *Stream) SubscriberCount() int {
	return s.subscribers.Len()
}

// Close stops the pull loop and releases the connection. Responses that
// resolve after Close are discarded. Close is idempotent and does not wait
// for the loop to exit; use Done for that.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	s.cancel()
	s.subscribers.Clear()
	if !started {
		close(s.done)
	}

	s.logger.Debug("shape stream closed")
	return nil
}

func (s *Stream) run() {
	defer close(s.done)

	s.logger.Info("starting shape stream", "offset", s.Cursor().Offset)

	for {
		var msgs []shape.Message
		err := s.retryer.Execute(s.ctx, func(ctx context.Context) error {
			var fetchErr error
			msgs, fetchErr = s.fetch(ctx)
			return fetchErr
		})

		if s.ctx.Err() != nil {
			return
		}

		if err != nil {
			var expired *shape.ShapeExpiredError
			if errors.As(err, &expired) {
				s.logger.Info("shape expired, resnapshotting", "handle", expired.Handle)
				metrics.ClientRefetchesTotal.WithLabelValues(s.def.Table).Inc()
				s.resetCursor(expired.Handle)
				s.subscribers.Notify(shape.Batch{Messages: []shape.Message{shape.ControlMessage(shape.ControlMustRefetch)}})
				continue
			}

			s.logger.Error("shape stream stopped", "error", err)
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			s.subscribers.Notify(shape.Batch{Err: err})
			return
		}

		if len(msgs) > 0 {
			s.subscribers.Notify(shape.Batch{Messages: msgs})
		}
	}
}

func (s *Stream) resetCursor(handle string) {
	s.mu.Lock()
	s.cursor = shape.Cursor{Handle: handle, Offset: shape.BeforeStart}
	s.live = false
	s.mu.Unlock()
}

func (s *Stream) requestURL() string {
	s.mu.Lock()
	cursor, live := s.cursor, s.live
	s.mu.Unlock()

	q := s.def.Query()
	q.Set("offset", cursor.Offset.String())
	if cursor.Handle != "" {
		q.Set("handle", cursor.Handle)
	}
	if live {
		q.Set("live", "true")
	}
	q.Set("limit", strconv.Itoa(s.pageSize))

	return s.baseURL + shape.PathPrefix + url.PathEscape(s.def.Table) + "?" + q.Encode()
}

// fetch performs one request and advances the cursor on success.
func (s *Stream) fetch(ctx context.Context) ([]shape.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.requestURL(), nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("shape request failed", "error", err)
		return nil, &shape.ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &shape.ConnectionError{StatusCode: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil, retry.Permanent(&shape.ShapeExpiredError{Handle: resp.Header.Get(shape.HeaderHandle)})
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		s.logger.Warn("shape request rejected", "status", resp.StatusCode)
		return nil, &shape.ConnectionError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, &shape.SchemaMismatchError{
			Reason: fmt.Sprintf("request rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	msgs, err := shape.DecodeMessages(body)
	if err != nil {
		return nil, err
	}
	next, err := shape.ParseOffset(resp.Header.Get(shape.HeaderOffset))
	if err != nil {
		return nil, &shape.SchemaMismatchError{Reason: "invalid offset header", Err: err}
	}

	// A response that resolves after Close must not move the cursor.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.advance(resp.Header.Get(shape.HeaderHandle), next, msgs)
	return msgs, nil
}

func (s *Stream) advance(handle string, next shape.Offset, msgs []shape.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if handle != "" {
		s.cursor.Handle = handle
	}
	s.cursor.Offset = next

	for _, m := range msgs {
		switch m.Headers.Control {
		case shape.ControlUpToDate:
			if !s.live {
				s.logger.Info("shape snapshot complete", "offset", next)
			}
			s.live = true
		case shape.ControlMustRefetch:
			s.cursor.Offset = shape.BeforeStart
			s.live = false
		case "":
			metrics.ClientMessagesTotal.WithLabelValues(s.def.Table, string(m.Headers.Operation)).Inc()
		}
	}
}
