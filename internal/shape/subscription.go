package shape

import (
	"sync"
	"sync/atomic"
)

const (
	subscriptionIdle int32 = iota
	subscriptionRunning
	subscriptionStopped
)

// Subscription is the handle returned by Subscribe. Once Unsubscribe returns,
// no new invocation of the callback starts; an invocation already running is
// allowed to finish. Unsubscribe may be called from inside the callback.
type Subscription struct {
	state  atomic.Int32
	once   sync.Once
	detach func()
}

// Unsubscribe removes the callback. It is idempotent.
func (s *Subscription) Unsubscribe() {
	s.state.Store(subscriptionStopped)
	s.once.Do(func() {
		if s.detach != nil {
			s.detach()
		}
	})
}

// Active reports whether the subscription still receives notifications.
func (s *Subscription) Active() bool {
	return s.state.Load() != subscriptionStopped
}

func (s *Subscription) begin() bool {
	return s.state.CompareAndSwap(subscriptionIdle, subscriptionRunning)
}

func (s *Subscription) end() {
	s.state.CompareAndSwap(subscriptionRunning, subscriptionIdle)
}

type subscriber[T any] struct {
	sub *Subscription
	fn  func(T)
}

// Subscribers is an ordered dispatch list of subscription handles.
type Subscribers[T any] struct {
	dispatchMu sync.Mutex

	mu      sync.Mutex
	entries []*subscriber[T]
	onEmpty func()
}

// OnEmpty registers fn to run whenever an unsubscribe leaves the list empty.
func (l *Subscribers[T]) OnEmpty(fn func()) {
	l.mu.Lock()
	l.onEmpty = fn
	l.mu.Unlock()
}

// Add registers fn and returns its handle.
func (l *Subscribers[T]) Add(fn func(T)) *Subscription {
	entry := &subscriber[T]{fn: fn}
	entry.sub = &Subscription{detach: func() { l.remove(entry) }}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	return entry.sub
}

func (l *Subscribers[T]) remove(entry *subscriber[T]) {
	l.mu.Lock()
	for i, e := range l.entries {
		if e == entry {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			break
		}
	}
	empty := len(l.entries) == 0
	onEmpty := l.onEmpty
	l.mu.Unlock()

	if empty && onEmpty != nil {
		onEmpty()
	}
}

// Notify invokes every active subscriber in registration order. Calls to
// Notify are serialized.
func (l *Subscribers[T]) Notify(v T) {
	l.dispatchMu.Lock()
	defer l.dispatchMu.Unlock()

	l.mu.Lock()
	entries := make([]*subscriber[T], len(l.entries))
	copy(entries, l.entries)
	l.mu.Unlock()

	for _, e := range entries {
		if !e.sub.begin() {
			continue
		}
		invoke(e, v)
	}
}

func invoke[T any](e *subscriber[T], v T) {
	defer e.sub.end()
	e.fn(v)
}

// Len returns the number of registered subscribers.
func (l *Subscribers[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear unsubscribes every subscriber without running the OnEmpty hook.
func (l *Subscribers[T]) Clear() {
	l.mu.Lock()
	entries := l.entries
	l.entries = nil
	l.mu.Unlock()

	for _, e := range entries {
		e.sub.state.Store(subscriptionStopped)
		e.sub.once.Do(func() {})
	}
}
