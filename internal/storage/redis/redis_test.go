package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/batchd/internal/ids"
	"pkt.systems/batchd/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("BATCHD_TEST_REDIS_URL")
	if url == "" {
		t.Skip("BATCHD_TEST_REDIS_URL not set")
	}
	store, err := Open(context.Background(), url, WithPrefix("batchd-test:"+ids.NewXID()+":"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisLockLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	first, ok, err := store.TryAcquire(ctx, "createConfirmationCodes:u1", "t1", 300*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected first acquire, got %v %v", ok, err)
	}
	holder, ok, err := store.TryAcquire(ctx, "createConfirmationCodes:u1", "t2", 300*time.Millisecond)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("expected contention")
	}
	if holder.Token != "t1" || !holder.CreatedAt.Equal(first.CreatedAt.Truncate(time.Microsecond)) {
		t.Fatalf("expected holder %+v, got %+v", first, holder)
	}
	if released, err := store.Release(ctx, "createConfirmationCodes:u1", "t2"); err != nil || released {
		t.Fatalf("expected foreign release to be refused, got %v %v", released, err)
	}
	time.Sleep(400 * time.Millisecond)
	if _, ok, err := store.TryAcquire(ctx, "createConfirmationCodes:u1", "t3", time.Minute); err != nil || !ok {
		t.Fatalf("expected acquire after expiry, got %v %v", ok, err)
	}
	if released, err := store.Release(ctx, "createConfirmationCodes:u1", "t3"); err != nil || !released {
		t.Fatalf("expected owner release, got %v %v", released, err)
	}
}

func TestOpenRejectsBadURL(t *testing.T) {
	if _, err := Open(context.Background(), "http://localhost:6379"); err == nil {
		t.Fatal("expected error for non-redis url")
	}
}

func TestTryAcquireRejectsNonPositiveTTL(t *testing.T) {
	store := New(goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"}))
	defer store.Close()
	if _, _, err := store.TryAcquire(context.Background(), "k", "t", 0); err == nil {
		t.Fatal("expected ttl error")
	}
}

func TestIsRetryable(t *testing.T) {
	if !isRetryable(context.DeadlineExceeded) {
		t.Fatal("expected deadline to be retryable")
	}
	if isRetryable(goredis.ErrClosed) {
		t.Fatal("expected closed client to be permanent")
	}
	if !storage.IsTransient(wrapError(errors.New("dial tcp: connection refused"), "redis: setnx")) {
		t.Fatal("expected connection refused to be transient")
	}
	if storage.IsTransient(wrapError(errors.New("WRONGTYPE Operation against a key"), "redis: get")) {
		t.Fatal("expected WRONGTYPE to be permanent")
	}
}
