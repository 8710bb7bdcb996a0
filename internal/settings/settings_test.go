package settings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/storage/memory"
)

func TestDefaultsApplyBeforePull(t *testing.T) {
	s := New(memory.New())
	if got := s.FlushInterval(); got != time.Second {
		t.Fatalf("expected 1s default, got %s", got)
	}
}

func TestPullOverlaysTable(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if err := store.PutSetting(ctx, KeyFlushInterval, "250"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutSetting(ctx, "FEATURE_NAME", `"batch"`); err != nil {
		t.Fatalf("put: %v", err)
	}
	s := New(store)
	if err := s.Pull(ctx); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if got := s.FlushInterval(); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", got)
	}
	if v, ok := s.String("FEATURE_NAME"); !ok || v != "batch" {
		t.Fatalf("expected unknown key to be readable, got %q %v", v, ok)
	}
}

func TestIntAcceptsQuotedNumbers(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_ = store.PutSetting(ctx, KeyFlushInterval, `"1500"`)
	_ = store.PutSetting(ctx, "BROKEN", `"soon"`)
	s := New(store)
	if err := s.Pull(ctx); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if got := s.FlushInterval(); got != 1500*time.Millisecond {
		t.Fatalf("expected 1500ms, got %s", got)
	}
	if got := s.Int("BROKEN", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	if got := s.Int("MISSING", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
}

func TestNonPositiveFlushIntervalFallsBack(t *testing.T) {
	store := memory.New()
	_ = store.PutSetting(context.Background(), KeyFlushInterval, "0")
	s := New(store)
	_ = s.Pull(context.Background())
	if got := s.FlushInterval(); got != time.Second {
		t.Fatalf("expected default, got %s", got)
	}
}

type flakyStore struct {
	mu   sync.Mutex
	rows map[string]string
	err  error
}

func (f *flakyStore) LoadSettings(context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]string, len(f.rows))
	for k, v := range f.rows {
		out[k] = v
	}
	return out, nil
}

func (f *flakyStore) PutSetting(_ context.Context, key, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[key] = data
	return nil
}

func (f *flakyStore) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func TestFailedPullKeepsLastGoodValues(t *testing.T) {
	store := &flakyStore{rows: map[string]string{KeyFlushInterval: "300"}}
	s := New(store)
	if err := s.Pull(context.Background()); err != nil {
		t.Fatalf("pull: %v", err)
	}
	boom := errors.New("db down")
	store.fail(boom)
	if err := s.Pull(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected pull error, got %v", err)
	}
	if got := s.FlushInterval(); got != 300*time.Millisecond {
		t.Fatalf("expected last good 300ms, got %s", got)
	}
}

func TestStartReloadsPeriodically(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	store := &flakyStore{rows: map[string]string{}}
	s := New(store, WithClock(clk), WithPullInterval(time.Minute))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	if !clk.BlockUntil(1, 2*time.Second) {
		t.Fatal("pull loop did not arm")
	}
	_ = store.PutSetting(context.Background(), KeyFlushInterval, "2000")
	clk.Advance(time.Minute)
	if !clk.BlockUntil(1, 2*time.Second) {
		t.Fatal("pull loop did not re-arm")
	}
	if got := s.FlushInterval(); got != 2*time.Second {
		t.Fatalf("expected reloaded 2s, got %s", got)
	}
	s.Stop()
	s.Stop()
}
