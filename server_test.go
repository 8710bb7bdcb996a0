package batchd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/batchd/api"
	"pkt.systems/batchd/internal/core"
	"pkt.systems/batchd/internal/storage"
	"pkt.systems/batchd/internal/storage/memory"
	"pkt.systems/batchd/internal/storage/sqlstore"
	"pkt.systems/batchd/internal/worker"
)

func testConfig() Config {
	return Config{
		Store:              "mem://",
		Listen:             "127.0.0.1:0",
		WorkerPollInterval: 10 * time.Millisecond,
	}
}

func startTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, func(context.Context) error) {
	t.Helper()
	srv, stop, err := StartServer(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = stop(context.Background()) })
	return srv, stop
}

func postOperation(t *testing.T, srv *Server, req api.CreateOperationRequest) {
	t.Helper()
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post("http://"+srv.ListenerAddr().String()+"/v1/operations", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var env api.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || !env.Status {
		t.Fatalf("expected create success, got %d %+v", resp.StatusCode, env)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestServerRunsOperationEndToEnd(t *testing.T) {
	store := memory.New()
	srv, _ := startTestServer(t, testConfig(), WithOperationStore(store))
	postOperation(t, srv, api.CreateOperationRequest{
		ID:            "op-1",
		OperationType: "UPSERT",
		Payload:       json.RawMessage(`{"collection":"users","key":"u1","data":{"name":"ada"}}`),
	})
	if _, err := srv.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	ctx := context.Background()
	waitFor(t, 5*time.Second, func() bool {
		op, err := store.GetOperation(ctx, "op-1")
		return err == nil && op.Status == storage.StatusDone
	})
	rec, err := store.GetRecord(ctx, "users", "u1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if string(rec.Data) != `{"name":"ada"}` {
		t.Fatalf("unexpected record data %s", rec.Data)
	}
}

func TestShutdownFlushesBuffer(t *testing.T) {
	store := memory.New()
	srv, stop := startTestServer(t, testConfig(), WithOperationStore(store))
	postOperation(t, srv, api.CreateOperationRequest{
		ID:            "late",
		OperationType: "DELETE",
		Payload:       json.RawMessage(`{"collection":"users","key":"u1"}`),
	})
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	op, err := store.GetOperation(context.Background(), "late")
	if err != nil {
		t.Fatalf("expected final flush to persist the buffered row: %v", err)
	}
	if op.Status != storage.StatusUnprocessed {
		t.Fatalf("expected UNPROCESSED, got %s", op.Status)
	}
}

func TestShutdownWithoutStartIsIdempotent(t *testing.T) {
	srv, err := NewServer(testConfig())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx := context.Background()
	if err := srv.Core().CreateOperation(ctx, core.CreateOperationCommand{ID: "a", Type: "INSERT", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if err := srv.Start(); err != http.ErrServerClosed {
		t.Fatalf("expected ErrServerClosed after shutdown, got %v", err)
	}
}

func TestServerPersistsToSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "batchd.db")
	cfg := testConfig()
	cfg.Store = "sqlite://" + path
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Core().CreateOperation(ctx, core.CreateOperationCommand{ID: "sq-1", Type: "INSERT", Payload: json.RawMessage(`{"collection":"c","key":"k","data":1}`)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	store, err := sqlstore.Open(ctx, "sqlite://"+path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	op, err := store.GetOperation(ctx, "sq-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.Type != storage.OperationInsert || op.Status != storage.StatusUnprocessed {
		t.Fatalf("unexpected row %+v", op)
	}
}

func TestServerLocksLiveInBackendByDefault(t *testing.T) {
	store := memory.New()
	srv, err := NewServer(testConfig(), WithOperationStore(store))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()
	ctx := context.Background()
	cmd := core.AcquireLockCommand{Operation: "createConfirmationCodes", Subject: "u1", TTLSeconds: 90}
	if _, err := srv.Core().AcquireLock(ctx, cmd); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, ok, err := store.TryAcquire(ctx, "createConfirmationCodes:u1", "other", time.Minute); err != nil || ok {
		t.Fatalf("expected lock to be held in the injected store, ok=%v err=%v", ok, err)
	}
}

func TestShutdownFlushesWhileHandlerIsSlow(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "batchd.db")
	cfg := testConfig()
	cfg.Store = "sqlite://" + path
	cfg.ShutdownTimeout = 5 * time.Second

	started, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	d := worker.NewDispatcher()
	d.Register(storage.OperationInsert, worker.HandlerFunc(func(context.Context, json.RawMessage) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}))
	t.Cleanup(func() { close(release) })

	srv, stop := startTestServer(t, cfg, WithDispatcher(d))
	postOperation(t, srv, api.CreateOperationRequest{
		ID:            "slow",
		OperationType: "INSERT",
		Payload:       json.RawMessage(`{"collection":"c","key":"a","data":1}`),
	})
	if _, err := srv.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not start")
	}
	postOperation(t, srv, api.CreateOperationRequest{
		ID:            "late",
		OperationType: "INSERT",
		Payload:       json.RawMessage(`{"collection":"c","key":"b","data":2}`),
	})

	shutdownCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := stop(shutdownCtx); err == nil {
		t.Fatal("expected worker wait to report the deadline")
	}

	store, err := sqlstore.Open(ctx, "sqlite://"+path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	op, err := store.GetOperation(ctx, "late")
	if err != nil {
		t.Fatalf("expected buffered row to survive shutdown, got %v", err)
	}
	if op.Status != storage.StatusUnprocessed {
		t.Fatalf("expected UNPROCESSED, got %s", op.Status)
	}
}
