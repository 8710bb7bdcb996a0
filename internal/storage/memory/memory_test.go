package memory

import (
	"context"
	"testing"
	"time"

	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/storage"
	"pkt.systems/batchd/internal/storage/storagetest"
)

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, clk clock.Clock) storagetest.Backend {
		return New(WithClock(clk))
	})
}

func TestLockExpiresWithRealClock(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()
	if _, ok, err := store.TryAcquire(ctx, "k", "a", 50*time.Millisecond); err != nil || !ok {
		t.Fatalf("expected first acquire, got %v %v", ok, err)
	}
	if _, ok, _ := store.TryAcquire(ctx, "k", "b", 50*time.Millisecond); ok {
		t.Fatal("expected contention")
	}
	time.Sleep(80 * time.Millisecond)
	rec, ok, err := store.TryAcquire(ctx, "k", "c", 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected acquire after expiry, got %v %v", ok, err)
	}
	if rec.Token != "c" {
		t.Fatalf("expected token c, got %q", rec.Token)
	}
}

func TestBulkInsertStampsCreatedAt(t *testing.T) {
	clk := clock.NewManual(storagetest.Epoch)
	store := New(WithClock(clk))
	defer store.Close()
	ctx := context.Background()
	if _, err := store.BulkInsert(ctx, []storage.Operation{{ID: "a", Type: storage.OperationUpsert}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := store.GetOperation(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CreatedAt.Equal(storagetest.Epoch) {
		t.Fatalf("expected created_at %v, got %v", storagetest.Epoch, got.CreatedAt)
	}
}
