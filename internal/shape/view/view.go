// Package view materializes a shape stream into an in-memory row map.
package view

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/janovincze/shapesync/internal/shape"
)

// Source is the stream a Shape folds. *stream.Stream implements it.
type Source interface {
	Subscribe(fn func(shape.Batch)) *shape.Subscription
}

// ChangeKind is the effect of a message on the row map.
type ChangeKind int

const (
	// ChangeUpsert means the row was inserted or updated.
	ChangeUpsert ChangeKind = iota
	// ChangeDelete means the row was removed.
	ChangeDelete
)

func (k ChangeKind) String() string {
	if k == ChangeDelete {
		return "delete"
	}
	return "upsert"
}

// RowChange is one effective mutation of the row map. Row holds the full row
// after an upsert and the removed row for a delete.
type RowChange struct {
	Kind ChangeKind
	Key  string
	Row  shape.Row
}

// Notification describes one committed mutation of the view.
type Notification struct {
	// Reset means all rows were discarded before Changes apply.
	Reset bool

	// Changes are the effective row changes, in application order.
	Changes []RowChange

	// UpToDate is set when the view finished loading with this notification.
	UpToDate bool

	// Err is the terminal error. No notification follows it.
	Err error
}

// Option configures a Shape.
type Option func(*Shape)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Shape) { s.logger = l }
}

// WithClock sets the clock used for LastSyncedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Shape) { s.now = now }
}

// Shape is the materialized view of one stream. It holds a non-owning
// reference to the stream and never closes it.
type Shape struct {
	logger    *slog.Logger
	now       func() time.Time
	listeners shape.Subscribers[Notification]
	sourceSub *shape.Subscription

	mu         sync.RWMutex
	rows       map[string]shape.Row
	offsets    map[string]shape.Offset
	tombstones map[string]struct{}
	loading    bool
	lastSynced time.Time
	err        error
}

// Materialize subscribes to src and starts folding its messages.
func Materialize(src Source, opts ...Option) *Shape {
	s := &Shape{
		now:     time.Now,
		rows:    make(map[string]shape.Row),
		offsets:    make(map[string]shape.Offset),
		tombstones: make(map[string]struct{}),
		loading:    true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "shape-view")

	s.sourceSub = src.Subscribe(s.apply)
	return s
}

// Subscribe registers fn for every committed mutation.
func (s *Shape) Subscribe(fn func(Notification)) *shape.Subscription {
	return s.listeners.Add(fn)
}

// SubscriberCount returns the number of attached subscribers.
func (s *Shape) SubscriberCount() int {
	return s.listeners.Len()
}

// OnIdle registers fn to run when the last subscriber unsubscribes.
func (s *Shape) OnIdle(fn func()) {
	s.listeners.OnEmpty(fn)
}

// Detach stops folding the source. The stream itself stays open.
func (s *Shape) Detach() {
	s.sourceSub.Unsubscribe()
}

// ValueSync returns a deep copy of the current rows. While the view is
// loading the published state is empty.
func (s *Shape) ValueSync() map[string]shape.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]shape.Row, len(s.rows))
	if s.loading {
		return out
	}
	for k, row := range s.rows {
		out[k] = row.Clone()
	}
	return out
}

// IsLoading reports whether the view is waiting for an up-to-date signal.
func (s *Shape) IsLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// LastSyncedAt returns when the last up-to-date signal was applied.
func (s *Shape) LastSyncedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSynced
}

// Err returns the terminal error, if any.
func (s *Shape) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Shape) apply(b shape.Batch) {
	n, ok := s.fold(b)
	if !ok {
		return
	}
	s.listeners.Notify(n)
	if n.Err != nil {
		s.sourceSub.Unsubscribe()
		s.listeners.Clear()
	}
}

// fold applies a batch under the lock and returns the notification to
// publish, if any.
func (s *Shape) fold(b shape.Batch) (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return Notification{}, false
	}
	if b.Err != nil {
		s.err = b.Err
		s.logger.Error("shape stopped on terminal error", "error", b.Err)
		return Notification{Err: b.Err}, true
	}

	var n Notification
	completed := false

	for _, m := range b.Messages {
		switch m.Headers.Control {
		case shape.ControlMustRefetch:
			s.rows = make(map[string]shape.Row)
			s.offsets = make(map[string]shape.Offset)
			s.tombstones = make(map[string]struct{})
			s.loading = true
			n.Reset = true
			n.Changes = nil
			completed = false
			continue
		case shape.ControlUpToDate:
			s.lastSynced = s.now()
			if s.loading {
				s.loading = false
				completed = true
			}
			s.pruneTombstones()
			continue
		}

		if change, changed := s.applyMessage(m); changed && !s.loading {
			n.Changes = append(n.Changes, change)
		}
	}

	if completed {
		// Loading rows are published in one notification.
		n.Changes = s.snapshotChanges()
		n.UpToDate = true
		return n, true
	}
	return n, n.Reset || len(n.Changes) > 0
}

// applyMessage folds one data message into the row map.
func (s *Shape) applyMessage(m shape.Message) (RowChange, bool) {
	if prev, seen := s.offsets[m.Key]; seen && m.Headers.Offset != 0 && m.Headers.Offset < prev {
		// Last write wins by stream offset.
		return RowChange{}, false
	}
	if m.Headers.Offset != 0 {
		s.offsets[m.Key] = m.Headers.Offset
	}
	delete(s.tombstones, m.Key)

	switch m.Headers.Operation {
	case shape.OperationInsert, shape.OperationUpdate:
		row, exists := s.rows[m.Key]
		if !exists {
			row = make(shape.Row, len(m.Value))
		}
		for col, v := range m.Value.Clone() {
			row[col] = v
		}
		s.rows[m.Key] = row
		return RowChange{Kind: ChangeUpsert, Key: m.Key, Row: row.Clone()}, true

	case shape.OperationDelete:
		old, exists := s.rows[m.Key]
		if !exists {
			return RowChange{}, false
		}
		delete(s.rows, m.Key)
		if _, ok := s.offsets[m.Key]; ok {
			s.tombstones[m.Key] = struct{}{}
		}
		return RowChange{Kind: ChangeDelete, Key: m.Key, Row: old}, true
	}
	return RowChange{}, false
}

// pruneTombstones forgets the offsets of deleted keys. After an up-to-date
// the stream only delivers offsets past everything already folded. Callers
// hold s.mu.
func (s *Shape) pruneTombstones() {
	for k := range s.tombstones {
		delete(s.offsets, k)
	}
	clear(s.tombstones)
}

// TrackedOffsets returns the number of keys whose last offset is retained.
func (s *Shape) TrackedOffsets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.offsets)
}

func (s *Shape) snapshotChanges() []RowChange {
	keys := make([]string, 0, len(s.rows))
	for k := range s.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	changes := make([]RowChange, 0, len(keys))
	for _, k := range keys {
		changes = append(changes, RowChange{Kind: ChangeUpsert, Key: k, Row: s.rows[k].Clone()})
	}
	return changes
}
