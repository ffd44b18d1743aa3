// Package registry shares streams and shapes between callers. A Registry is
// an explicit object owned by the application; there is no package state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/janovincze/shapesync/internal/shape"
	"github.com/janovincze/shapesync/internal/shape/stream"
	"github.com/janovincze/shapesync/internal/shape/view"
)

// Stream is the part of *stream.Stream the registry needs.
type Stream interface {
	view.Source
	Definition() shape.Definition
	Close() error
}

// Factory creates the stream for a definition.
type Factory func(ctx context.Context, def shape.Definition) (Stream, error)

// StreamFactory returns a Factory that opens HTTP streams with opts.
func StreamFactory(opts ...stream.Option) Factory {
	return func(_ context.Context, def shape.Definition) (Stream, error) {
		return stream.Open(def, opts...)
	}
}

// ErrEvicted is returned when a stream was closed and evicted before a Shape
// could be taken on it.
var ErrEvicted = errors.New("registry: stream evicted")

type streamEntry struct {
	ready  chan struct{}
	stream Stream
	err    error
}

type shapeEntry struct {
	shape *view.Shape
	key   string
	refs  int
}

// Registry caches one stream per shape definition and one Shape per stream.
type Registry struct {
	factory Factory
	logger  *slog.Logger

	mu      sync.Mutex
	streams map[string]*streamEntry
	shapes  map[Stream]*shapeEntry
}

// New creates an empty registry.
func New(factory Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factory: factory,
		logger:  logger.With("component", "shape-registry"),
		streams: make(map[string]*streamEntry),
		shapes:  make(map[Stream]*shapeEntry),
	}
}

// GetOrCreateStream returns the cached stream for def, creating it if needed.
// Concurrent callers for the same definition share a single creation.
func (r *Registry) GetOrCreateStream(ctx context.Context, def shape.Definition) (Stream, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape definition: %w", err)
	}
	key := def.Key()

	for {
		r.mu.Lock()
		e, ok := r.streams[key]
		if !ok {
			e = &streamEntry{ready: make(chan struct{})}
			r.streams[key] = e
			r.mu.Unlock()
			return r.create(ctx, key, def, e)
		}
		r.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err == nil {
			return e.stream, nil
		}
		// The creating caller gave up on its own context; try again with ours.
		if isContextErr(e.err) && ctx.Err() == nil {
			continue
		}
		return nil, fmt.Errorf("create stream: %w", e.err)
	}
}

func (r *Registry) create(ctx context.Context, key string, def shape.Definition, e *streamEntry) (Stream, error) {
	s, err := r.factory(ctx, def)

	r.mu.Lock()
	e.stream, e.err = s, err
	if err != nil && r.streams[key] == e {
		delete(r.streams, key)
	}
	r.mu.Unlock()
	close(e.ready)

	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	r.logger.Debug("stream created", "key", key)
	return s, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// GetOrCreateShape returns the Shape materialized from s and takes a
// reference on it. The registry owns s from here on and closes it when the
// Shape is evicted. It fails with ErrEvicted when s is no longer cached,
// for example because another caller released it after GetOrCreateStream.
func (r *Registry) GetOrCreateShape(s Stream) (*view.Shape, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquireLocked(s)
}

// Acquire returns the shared Shape for def with a reference taken, creating
// the stream if needed. Unlike GetOrCreateStream followed by
// GetOrCreateShape, it cannot lose the stream to a concurrent eviction.
func (r *Registry) Acquire(ctx context.Context, def shape.Definition) (*view.Shape, error) {
	for {
		s, err := r.GetOrCreateStream(ctx, def)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		sh, err := r.acquireLocked(s)
		r.mu.Unlock()
		if errors.Is(err, ErrEvicted) {
			continue
		}
		return sh, err
	}
}

func (r *Registry) acquireLocked(s Stream) (*view.Shape, error) {
	if e, ok := r.shapes[s]; ok {
		e.refs++
		return e.shape, nil
	}

	key := s.Definition().Key()
	if se, ok := r.streams[key]; !ok || se.stream != s {
		return nil, ErrEvicted
	}

	sh := view.Materialize(s, view.WithLogger(r.logger))
	r.shapes[s] = &shapeEntry{shape: sh, key: key, refs: 1}
	sh.OnIdle(func() { r.idle(s) })
	return sh, nil
}

// Release drops a reference taken by GetOrCreateShape. The Shape and its
// stream are evicted once no references and no subscribers remain.
func (r *Registry) Release(sh *view.Shape) {
	r.mu.Lock()
	var owner Stream
	for s, e := range r.shapes {
		if e.shape == sh {
			owner = s
			break
		}
	}
	if owner == nil {
		r.mu.Unlock()
		return
	}

	e := r.shapes[owner]
	if e.refs > 0 {
		e.refs--
	}
	evict := e.refs == 0 && sh.SubscriberCount() == 0
	if evict {
		r.forget(owner, e)
	}
	r.mu.Unlock()

	if evict {
		r.close(owner, sh)
	}
}

func (r *Registry) idle(s Stream) {
	r.mu.Lock()
	e, ok := r.shapes[s]
	evict := ok && e.refs == 0
	if evict {
		r.forget(s, e)
	}
	r.mu.Unlock()

	if evict {
		r.close(s, e.shape)
	}
}

// forget removes s from both maps. Callers hold r.mu.
func (r *Registry) forget(s Stream, e *shapeEntry) {
	delete(r.shapes, s)
	if se, ok := r.streams[e.key]; ok && se.stream == s {
		delete(r.streams, e.key)
	}
}

func (r *Registry) close(s Stream, sh *view.Shape) {
	sh.Detach()
	if err := s.Close(); err != nil {
		r.logger.Warn("failed to close stream", "error", err)
	}
	r.logger.Debug("shape evicted", "table", s.Definition().Table)
}

// Len returns the number of cached streams, including ones being created.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// Reset closes every cached stream and forgets all entries. Creations still in
// flight complete for their callers but are not cached.
func (r *Registry) Reset() {
	r.mu.Lock()
	streams := r.streams
	shapes := r.shapes
	r.streams = make(map[string]*streamEntry)
	r.shapes = make(map[Stream]*shapeEntry)
	r.mu.Unlock()

	open := make(map[Stream]struct{}, len(streams)+len(shapes))
	for s, e := range shapes {
		e.shape.Detach()
		open[s] = struct{}{}
	}
	for _, e := range streams {
		select {
		case <-e.ready:
			if e.stream != nil {
				open[e.stream] = struct{}{}
			}
		default:
		}
	}
	for s := range open {
		if err := s.Close(); err != nil {
			r.logger.Warn("failed to close stream", "error", err)
		}
	}
	r.logger.Info("registry reset", "streams", len(streams))
}
