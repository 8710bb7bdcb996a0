package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/batchd/internal/storage"
	"pkt.systems/batchd/internal/storage/retry"
)

type fakeClock struct {
	waits []time.Duration
	now   time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.waits = append(f.waits, d)
	f.now = f.Now().Add(d)
	ch <- f.now
	return ch
}

type stubLocks struct {
	acquireErrs  []error
	acquireCalls int
	releaseErrs  []error
	releaseCalls int
	closed       bool
}

func (s *stubLocks) TryAcquire(_ context.Context, key, token string, ttl time.Duration) (storage.LockRecord, bool, error) {
	s.acquireCalls++
	if idx := s.acquireCalls - 1; idx < len(s.acquireErrs) && s.acquireErrs[idx] != nil {
		return storage.LockRecord{}, false, s.acquireErrs[idx]
	}
	now := time.Unix(0, 0)
	return storage.LockRecord{Key: key, Token: token, CreatedAt: now, ExpiresAt: now.Add(ttl)}, true, nil
}

func (s *stubLocks) Release(context.Context, string, string) (bool, error) {
	s.releaseCalls++
	if idx := s.releaseCalls - 1; idx < len(s.releaseErrs) && s.releaseErrs[idx] != nil {
		return false, s.releaseErrs[idx]
	}
	return true, nil
}

func (s *stubLocks) Close() error {
	s.closed = true
	return nil
}

func TestTryAcquireRetriesTransientErrors(t *testing.T) {
	inner := &stubLocks{acquireErrs: []error{
		storage.NewTransientError(errors.New("connection reset")),
		storage.NewTransientError(errors.New("connection reset")),
	}}
	clk := &fakeClock{}
	store := retry.Wrap(inner, pslog.NoopLogger(), clk, retry.Config{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		Multiplier:  3,
		MaxDelay:    20 * time.Millisecond,
	})
	rec, ok, err := store.TryAcquire(context.Background(), "k", "t", time.Second)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !ok || rec.Token != "t" {
		t.Fatalf("expected acquired record, got %v %+v", ok, rec)
	}
	if inner.acquireCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.acquireCalls)
	}
	if len(clk.waits) != 2 || clk.waits[0] != 10*time.Millisecond || clk.waits[1] != 20*time.Millisecond {
		t.Fatalf("unexpected backoff schedule %v", clk.waits)
	}
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	permanent := errors.New("access denied")
	inner := &stubLocks{acquireErrs: []error{permanent}}
	clk := &fakeClock{}
	store := retry.Wrap(inner, nil, clk, retry.Config{MaxAttempts: 5})
	if _, _, err := store.TryAcquire(context.Background(), "k", "t", time.Second); !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if inner.acquireCalls != 1 {
		t.Fatalf("expected a single attempt, got %d", inner.acquireCalls)
	}
	if len(clk.waits) != 0 {
		t.Fatalf("expected no backoff, got %v", clk.waits)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	transient := storage.NewTransientError(errors.New("timeout"))
	inner := &stubLocks{releaseErrs: []error{transient, transient, transient}}
	store := retry.Wrap(inner, nil, &fakeClock{}, retry.Config{MaxAttempts: 3})
	released, err := store.Release(context.Background(), "k", "t")
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if released {
		t.Fatal("expected release to report false on error")
	}
	if inner.releaseCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.releaseCalls)
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	inner := &stubLocks{acquireErrs: []error{storage.NewTransientError(errors.New("reset"))}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := retry.Wrap(inner, nil, blockingClock{}, retry.Config{MaxAttempts: 3})
	if _, _, err := store.TryAcquire(ctx, "k", "t", time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if inner.acquireCalls != 1 {
		t.Fatalf("expected a single attempt, got %d", inner.acquireCalls)
	}
}

func TestCloseDelegates(t *testing.T) {
	inner := &stubLocks{}
	store := retry.Wrap(inner, nil, nil, retry.Config{})
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !inner.closed {
		t.Fatal("expected inner store to be closed")
	}
}

type blockingClock struct{}

func (blockingClock) Now() time.Time                       { return time.Unix(0, 0) }
func (blockingClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }
