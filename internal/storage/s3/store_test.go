package s3

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"

	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/storage"
)

func TestS3LockLifecycle(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	cfg.Clock = clk
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	key := "createConfirmationCodes:u1"

	first, ok, err := store.TryAcquire(ctx, key, "t1", 90*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	clk.Advance(10 * time.Second)
	holder, ok, err := store.TryAcquire(ctx, key, "t2", 90*time.Second)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("expected contention")
	}
	if holder.Token != "t1" || !holder.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("expected holder %+v, got %+v", first, holder)
	}
	if released, err := store.Release(ctx, key, "t2"); err != nil || released {
		t.Fatalf("expected foreign release to be refused, got %v %v", released, err)
	}

	clk.Advance(90 * time.Second)
	replaced, ok, err := store.TryAcquire(ctx, key, "t3", 90*time.Second)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if !ok || replaced.Token != "t3" {
		t.Fatalf("expected t3 to replace expired holder, got %v %+v", ok, replaced)
	}
	if released, err := store.Release(ctx, key, "t3"); err != nil || !released {
		t.Fatalf("expected owner release, got %v %v", released, err)
	}
	if released, err := store.Release(ctx, key, "t3"); err != nil || released {
		t.Fatalf("expected release of missing lock to report false, got %v %v", released, err)
	}
	if _, ok, err := store.TryAcquire(ctx, key, "t4", time.Second); err != nil || !ok {
		t.Fatalf("expected acquire after release, got %v %v", ok, err)
	}
}

func TestS3ObjectKeyEscapesLockKey(t *testing.T) {
	store, err := New(Config{Bucket: "b", Prefix: "/batchd/", Endpoint: "localhost:9000", Insecure: true})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	got := store.objectKey("createConfirmationCodes:u/1")
	if got != "batchd/locks/createConfirmationCodes:u%2F1.json" {
		t.Fatalf("unexpected object key %q", got)
	}
}

func TestFromURL(t *testing.T) {
	cfg, err := FromURL("s3://locks-bucket/batchd?endpoint=localhost:9000&insecure=1&path-style=true&region=eu-north-1")
	if err != nil {
		t.Fatalf("from url: %v", err)
	}
	if cfg.Bucket != "locks-bucket" || cfg.Prefix != "batchd" || cfg.Endpoint != "localhost:9000" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if !cfg.Insecure || !cfg.ForcePathStyle || cfg.Region != "eu-north-1" {
		t.Fatalf("unexpected flags %+v", cfg)
	}
	if _, err := FromURL("s3:///nobucket"); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	bucket := "batchd-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	endpoint := strings.TrimPrefix(server.URL, "http://")
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	cfg := Config{
		Endpoint:       endpoint,
		Region:         "us-east-1",
		Bucket:         bucket,
		Insecure:       true,
		ForcePathStyle: true,
	}
	return server, cfg
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsRetryableNetworkErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "dns temporary", err: &net.DNSError{IsTemporary: true}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "io EOF", err: io.EOF, expected: true},
		{name: "slow down", err: minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable}, expected: true},
		{name: "precondition", err: minio.ErrorResponse{StatusCode: http.StatusPreconditionFailed}, expected: false},
		{name: "non retryable", err: errors.New("boom"), expected: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.expected {
				t.Fatalf("expected %v, got %v for %T", tc.expected, got, tc.err)
			}
		})
	}
}

func TestWrapErrorMarksTransient(t *testing.T) {
	store := &Store{}
	err := store.wrapError(syscall.ECONNREFUSED, "s3: put lock")
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("expected wrapped ECONNREFUSED, got %v", err)
	}
	if storage.IsTransient(store.wrapError(errors.New("denied"), "")) {
		t.Fatal("expected plain error to stay permanent")
	}
}
