package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts:     maxAttempts,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Multiplier:      2.0,
		Jitter:          false,
	}
}

func TestRetryer_EventualSuccess(t *testing.T) {
	r := New(fastPolicy(3), "test", nil)
	calls := 0

	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	r := New(fastPolicy(3), "test", nil)
	calls := 0

	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("persistent error")
	})

	var retryErr *Error
	if !errors.As(err, &retryErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if retryErr.Attempts != 3 || calls != 3 {
		t.Errorf("expected 3 attempts, got %d (calls %d)", retryErr.Attempts, calls)
	}
}

func TestRetryer_UnlimitedUntilCancelled(t *testing.T) {
	r := New(fastPolicy(0), "test", nil)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := r.Execute(ctx, func(ctx context.Context) error {
		calls++
		if calls == 10 {
			cancel()
		}
		return Transient(errors.New("connection refused"))
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 10 {
		t.Errorf("expected 10 calls, got %d", calls)
	}
}

func TestRetryer_PermanentError(t *testing.T) {
	r := New(fastPolicy(5), "test", nil)
	calls := 0

	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(errors.New("bad payload"))
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryer_Backoff(t *testing.T) {
	r := New(Policy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
	}, "test", nil)

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{12, time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			if got := r.Backoff(tt.attempt); got != tt.expected {
				t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
			}
		})
	}
}

func TestRetryer_BackoffJitterBounds(t *testing.T) {
	r := New(Policy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}, "test", nil)

	for i := 0; i < 100; i++ {
		got := r.Backoff(1)
		if got < 75*time.Millisecond || got > 125*time.Millisecond {
			t.Fatalf("jittered backoff %v outside ±25%%", got)
		}
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleep was not interrupted")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(errors.New("plain")) {
		t.Error("expected plain errors to be retryable")
	}
	if IsRetryable(context.DeadlineExceeded) {
		t.Error("expected deadline exceeded to be terminal")
	}
	if IsRetryable(fmt.Errorf("wrapped: %w", Permanent(errors.New("x")))) {
		t.Error("expected wrapped permanent error to be terminal")
	}
}

func TestDo(t *testing.T) {
	r := New(fastPolicy(3), "test", nil)
	calls := 0

	v, err := Do(context.Background(), r, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("flaky")
		}
		return 42, nil
	})

	if err != nil || v != 42 {
		t.Errorf("expected 42, got %d (%v)", v, err)
	}
}
