package locks

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/storage"
	"pkt.systems/batchd/internal/storage/memory"
)

func newTestManager(t *testing.T) (*Manager, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New(memory.WithClock(clk))
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store, WithClock(clk)), clk
}

func TestAcquireContentionReturnsHolderCreatedAt(t *testing.T) {
	m, clk := newTestManager(t)
	ctx := context.Background()
	first, err := m.Acquire(ctx, "x", 5)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !first.Acquired || first.Token == "" {
		t.Fatalf("expected acquired lock with token, got %+v", first)
	}
	if first.RetryAfter() != 0 {
		t.Fatalf("expected no retry-after on success, got %d", first.RetryAfter())
	}
	clk.Advance(1500 * time.Millisecond)
	second, err := m.Acquire(ctx, "x", 5)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second.Acquired {
		t.Fatal("expected second acquire to fail")
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("expected holder created_at %v, got %v", first.CreatedAt, second.CreatedAt)
	}
	if second.Token != "" {
		t.Fatalf("expected no token for a refused acquire, got %q", second.Token)
	}
	if got := second.RetryAfter(); got != 4 {
		t.Fatalf("expected retry after 4s, got %d", got)
	}
	clk.Advance(3500 * time.Millisecond)
	third, err := m.Acquire(ctx, "x", 5)
	if err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if !third.Acquired {
		t.Fatal("expected acquire after ttl")
	}
}

func TestAcquireValidatesInput(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Acquire(context.Background(), "x", 0); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL, got %v", err)
	}
	if _, err := m.Acquire(context.Background(), "x", -3); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL, got %v", err)
	}
	if _, err := m.Acquire(context.Background(), "  ", 5); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

type failingStore struct{ err error }

func (f failingStore) TryAcquire(context.Context, string, string, time.Duration) (storage.LockRecord, bool, error) {
	return storage.LockRecord{}, false, f.err
}
func (f failingStore) Release(context.Context, string, string) (bool, error) { return false, f.err }
func (f failingStore) Close() error                                          { return nil }

func TestAcquireFailsClosedOnStoreError(t *testing.T) {
	boom := errors.New("connection refused")
	m := NewManager(failingStore{err: boom})
	res, err := m.Acquire(context.Background(), Key("createConfirmationCodes", "u1"), 90)
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
	if res.Acquired {
		t.Fatal("expected fail-closed result")
	}
}

func TestReleaseHonoursToken(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	res, err := m.Acquire(ctx, "y", 60)
	if err != nil || !res.Acquired {
		t.Fatalf("expected acquire, got %+v %v", res, err)
	}
	if ok, err := m.Release(ctx, "y", "someone-else"); err != nil || ok {
		t.Fatalf("expected foreign release to be refused, got %v %v", ok, err)
	}
	if ok, err := m.Release(ctx, "y", res.Token); err != nil || !ok {
		t.Fatalf("expected release, got %v %v", ok, err)
	}
	again, err := m.Acquire(ctx, "y", 60)
	if err != nil || !again.Acquired {
		t.Fatalf("expected acquire after release, got %+v %v", again, err)
	}
}

func TestKey(t *testing.T) {
	if got := Key("createConfirmationCodes", "42"); got != "createConfirmationCodes:42" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestRetryAfterRoundsUp(t *testing.T) {
	now := time.Unix(100, 0)
	res := Result{CheckedAt: now, ExpiresAt: now.Add(89*time.Second + time.Millisecond)}
	if got := res.RetryAfter(); got != 90 {
		t.Fatalf("expected 90, got %d", got)
	}
	res.ExpiresAt = now
	if got := res.RetryAfter(); got != 1 {
		t.Fatalf("expected floor of 1, got %d", got)
	}
}
