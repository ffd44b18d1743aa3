// Package match waits for the change message that confirms an optimistic
// local write.
package match

import (
	"context"
	"sync"
	"time"

	"github.com/janovincze/shapesync/internal/shape"
)

// Source is a stream of change batches. *stream.Stream implements it.
type Source interface {
	Subscribe(fn func(shape.Batch)) *shape.Subscription
}

// Func decides whether a message is the one being waited for.
type Func func(shape.Message) bool

// Key matches messages for one row key.
func Key(key string) Func {
	return func(m shape.Message) bool { return m.Key == key }
}

// Watcher holds a temporary listener on a stream. The listener is registered
// when Watch returns.
type Watcher struct {
	sub    *shape.Subscription
	result chan outcome
	once   sync.Once
}

type outcome struct {
	msg shape.Message
	err error
}

// Watch registers a listener for the first data message whose operation is in
// ops (any operation when ops is empty) and for which fn returns true.
func Watch(src Source, ops []shape.Operation, fn Func) *Watcher {
	w := &Watcher{result: make(chan outcome, 1)}

	accept := make(map[shape.Operation]bool, len(ops))
	for _, op := range ops {
		accept[op] = true
	}

	w.sub = src.Subscribe(func(b shape.Batch) {
		if b.Err != nil {
			w.resolve(outcome{err: b.Err})
			return
		}
		for _, m := range b.Messages {
			if m.IsControl() {
				continue
			}
			if len(accept) > 0 && !accept[m.Headers.Operation] {
				continue
			}
			if fn != nil && !fn(m) {
				continue
			}
			w.resolve(outcome{msg: m})
			return
		}
	})
	return w
}

func (w *Watcher) resolve(o outcome) {
	w.once.Do(func() { w.result <- o })
}

// Wait blocks until a matching message arrives, the stream fails, timeout
// elapses or ctx is done. A timeout yields *shape.TimeoutError. The listener
// is removed on every path.
func (w *Watcher) Wait(ctx context.Context, timeout time.Duration) (shape.Message, error) {
	defer w.Cancel()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case o := <-w.result:
		return o.msg, o.err
	case <-expired:
		return shape.Message{}, &shape.TimeoutError{After: timeout}
	case <-ctx.Done():
		return shape.Message{}, ctx.Err()
	}
}

// Cancel removes the listener without waiting.
func (w *Watcher) Cancel() {
	w.sub.Unsubscribe()
}

// Stream registers a watcher, runs write and waits for the matching message.
// The listener exists before write starts, so a change that arrives before
// write returns is still observed. If write fails the watcher is cancelled.
func Stream(ctx context.Context, src Source, ops []shape.Operation, fn Func, timeout time.Duration, write func(context.Context) error) (shape.Message, error) {
	w := Watch(src, ops, fn)
	if write != nil {
		if err := write(ctx); err != nil {
			w.Cancel()
			return shape.Message{}, err
		}
	}
	return w.Wait(ctx, timeout)
}
