package match

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/janovincze/shapesync/internal/shape"
)

type fakeSource struct {
	subs shape.Subscribers[shape.Batch]
}

func (f *fakeSource) Subscribe(fn func(shape.Batch)) *shape.Subscription {
	return f.subs.Add(fn)
}

func (f *fakeSource) push(msgs ...shape.Message) {
	f.subs.Notify(shape.Batch{Messages: msgs})
}

func msg(key string, op shape.Operation) shape.Message {
	return shape.Message{Key: key, Value: shape.Row{"id": key}, Headers: shape.Headers{Operation: op, Offset: 1}}
}

func TestStream_MatchArrivesBeforeWriteReturns(t *testing.T) {
	src := &fakeSource{}

	got, err := Stream(context.Background(), src, []shape.Operation{shape.OperationInsert}, Key("k3"), time.Second,
		func(context.Context) error {
			// The change lands before the write's own response.
			src.push(msg("k1", shape.OperationInsert), msg("k3", shape.OperationInsert))
			return nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Key != "k3" {
		t.Errorf("expected k3, got %q", got.Key)
	}
	if src.subs.Len() != 0 {
		t.Error("expected listener to be removed after match")
	}
}

func TestWatcher_FiltersOperations(t *testing.T) {
	src := &fakeSource{}
	w := Watch(src, []shape.Operation{shape.OperationDelete}, Key("k1"))

	src.push(shape.ControlMessage(shape.ControlUpToDate), msg("k1", shape.OperationUpdate))
	src.push(msg("k1", shape.OperationDelete))

	got, err := w.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Headers.Operation != shape.OperationDelete {
		t.Errorf("expected delete, got %s", got.Headers.Operation)
	}
}

func TestWatcher_Timeout(t *testing.T) {
	src := &fakeSource{}
	w := Watch(src, nil, Key("never"))

	_, err := w.Wait(context.Background(), 20*time.Millisecond)
	if !shape.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if src.subs.Len() != 0 {
		t.Error("expected listener to be removed after timeout")
	}
}

func TestWatcher_ContextCancelled(t *testing.T) {
	src := &fakeSource{}
	w := Watch(src, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Wait(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if src.subs.Len() != 0 {
		t.Error("expected listener to be removed after cancel")
	}
}

func TestWatcher_StreamError(t *testing.T) {
	src := &fakeSource{}
	w := Watch(src, nil, nil)

	boom := &shape.SchemaMismatchError{Reason: "bad"}
	src.subs.Notify(shape.Batch{Err: boom})

	if _, err := w.Wait(context.Background(), time.Second); !errors.Is(err, boom) {
		t.Errorf("expected stream error, got %v", err)
	}
}

func TestStream_WriteFailure(t *testing.T) {
	src := &fakeSource{}
	boom := errors.New("write rejected")

	_, err := Stream(context.Background(), src, nil, nil, time.Second, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("expected write error, got %v", err)
	}
	if src.subs.Len() != 0 {
		t.Error("expected listener to be removed after a failed write")
	}
}
