package changelog

import (
	"context"
	"sync"
	"time"
)

// Broadcaster wakes waiters when a table's log advances. Each table has a
// channel that is closed on the next advance and then replaced.
type Broadcaster struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{chans: make(map[string]chan struct{})}
}

// Changed returns a channel that is closed the next time table advances.
// Take it before reading the log so an advance between the read and the
// wait is not missed.
func (b *Broadcaster) Changed(table string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.chans[table]
	if !ok {
		ch = make(chan struct{})
		b.chans[table] = ch
	}
	return ch
}

// Notify wakes everyone waiting on table.
func (b *Broadcaster) Notify(table string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.chans[table]; ok {
		close(ch)
		delete(b.chans, table)
	}
}

// NotifyAll wakes every waiter, e.g. after notifications may have been lost.
func (b *Broadcaster) NotifyAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for table, ch := range b.chans {
		close(ch)
		delete(b.chans, table)
	}
}

// Wait blocks until changed is closed, timeout elapses or ctx is done. It
// reports whether the log advanced.
func Wait(ctx context.Context, changed <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-changed:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
