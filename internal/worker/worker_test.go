package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/storage"
	"pkt.systems/batchd/internal/storage/memory"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*memory.Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(epoch)
	store := memory.New(memory.WithClock(clk))
	t.Cleanup(func() { _ = store.Close() })
	return store, clk
}

func seed(t *testing.T, store storage.OperationInserter, ops ...storage.Operation) {
	t.Helper()
	if _, err := store.BulkInsert(context.Background(), ops); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func payload(collection, key, data string) json.RawMessage {
	p := RecordPayload{Collection: collection, Key: key}
	if data != "" {
		p.Data = json.RawMessage(data)
	}
	raw, _ := json.Marshal(p)
	return raw
}

func TestRunOnceExecutesAndMarksDone(t *testing.T) {
	store, clk := newStore(t)
	seed(t, store, storage.Operation{ID: "a", Type: storage.OperationInsert, Payload: payload("users", "1", `{"name":"ada"}`)})
	w := New(store, NewRecordDispatcher(store), Config{}, WithClock(clk))

	stats, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.Selected != 1 || stats.Claimed != 1 || stats.Done != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	op, err := store.GetOperation(context.Background(), "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.Status != storage.StatusDone || op.Error != nil {
		t.Fatalf("expected DONE without error, got %s %v", op.Status, op.Error)
	}
	rec, err := store.GetRecord(context.Background(), "users", "1")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if string(rec.Data) != `{"name":"ada"}` {
		t.Fatalf("unexpected record data %s", rec.Data)
	}
}

func TestFailingRowsDoNotAbortSiblings(t *testing.T) {
	store, clk := newStore(t)
	d := NewRecordDispatcher(store)
	d.Register(storage.OperationType("EXPLODE"), HandlerFunc(func(context.Context, json.RawMessage) error {
		panic("kaboom")
	}))
	seed(t, store,
		storage.Operation{ID: "good", Type: storage.OperationUpsert, Payload: payload("c", "k", `1`), CreatedAt: epoch},
		storage.Operation{ID: "bad", Type: storage.OperationUpdate, Payload: payload("c", "missing", `2`), CreatedAt: epoch.Add(time.Millisecond)},
		storage.Operation{ID: "panics", Type: storage.OperationType("EXPLODE"), CreatedAt: epoch.Add(2 * time.Millisecond)},
	)
	w := New(store, d, Config{Concurrency: 3}, WithClock(clk))
	stats, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.Done != 1 || stats.Failed != 2 {
		t.Fatalf("expected 1 done and 2 failed, got %+v", stats)
	}
	ctx := context.Background()
	good, _ := store.GetOperation(ctx, "good")
	if good.Status != storage.StatusDone {
		t.Fatalf("expected good DONE, got %s", good.Status)
	}
	bad, _ := store.GetOperation(ctx, "bad")
	if bad.Status != storage.StatusError || bad.Error == nil || !strings.Contains(*bad.Error, "not found") {
		t.Fatalf("expected bad ERROR with not found, got %s %v", bad.Status, bad.Error)
	}
	boom, _ := store.GetOperation(ctx, "panics")
	if boom.Status != storage.StatusError || boom.Error == nil || *boom.Error != "panic: kaboom" {
		t.Fatalf("expected recovered panic, got %s %v", boom.Status, boom.Error)
	}
}

func TestUnknownTypeRecordsError(t *testing.T) {
	store, clk := newStore(t)
	seed(t, store, storage.Operation{ID: "a", Type: storage.OperationUpsert})
	w := New(store, NewDispatcher(), Config{}, WithClock(clk))
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	op, _ := store.GetOperation(context.Background(), "a")
	if op.Error == nil || *op.Error != `unknown operation type "UPSERT"` {
		t.Fatalf("unexpected error %v", op.Error)
	}
}

type competingStore struct {
	storage.OperationStore
}

func (c competingStore) MarkProcessing(ctx context.Context, ids []string) ([]string, error) {
	if _, err := c.OperationStore.MarkProcessing(ctx, ids[:1]); err != nil {
		return nil, err
	}
	return c.OperationStore.MarkProcessing(ctx, ids)
}

func TestRowsClaimedByCompetitorAreSkipped(t *testing.T) {
	store, clk := newStore(t)
	seed(t, store,
		storage.Operation{ID: "a", Type: storage.OperationDelete, CreatedAt: epoch},
		storage.Operation{ID: "b", Type: storage.OperationUpsert, Payload: payload("c", "b", `true`), CreatedAt: epoch.Add(time.Second)},
	)
	w := New(competingStore{store}, NewRecordDispatcher(store), Config{ReclaimAfter: -1}, WithClock(clk))
	stats, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.Selected != 2 || stats.Claimed != 1 {
		t.Fatalf("expected 2 selected and 1 claimed, got %+v", stats)
	}
	a, _ := store.GetOperation(context.Background(), "a")
	if a.Status != storage.StatusProcessing {
		t.Fatalf("expected competitor's row to stay PROCESSING, got %s", a.Status)
	}
}

func TestSecondClaimReturnsNothing(t *testing.T) {
	store, _ := newStore(t)
	seed(t, store, storage.Operation{ID: "a", Type: storage.OperationDelete})
	ctx := context.Background()
	if got, _ := store.MarkProcessing(ctx, []string{"a"}); len(got) != 1 {
		t.Fatalf("expected first claim to win, got %v", got)
	}
	if got, _ := store.MarkProcessing(ctx, []string{"a"}); len(got) != 0 {
		t.Fatalf("expected second claim to get nothing, got %v", got)
	}
}

func TestReclaimRequeuesStaleRows(t *testing.T) {
	store, clk := newStore(t)
	seed(t, store, storage.Operation{ID: "stuck", Type: storage.OperationUpsert, Payload: payload("c", "s", `1`)})
	ctx := context.Background()
	if _, err := store.MarkProcessing(ctx, []string{"stuck"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	w := New(store, NewRecordDispatcher(store), Config{ReclaimAfter: 5 * time.Minute}, WithClock(clk))

	clk.Advance(time.Minute)
	stats, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.Reclaimed != 0 || stats.Selected != 0 {
		t.Fatalf("expected fresh PROCESSING row to be left alone, got %+v", stats)
	}

	clk.Advance(5 * time.Minute)
	stats, err = w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.Reclaimed != 1 || stats.Done != 1 {
		t.Fatalf("expected reclaimed row to run, got %+v", stats)
	}
}

type brokenStore struct {
	storage.OperationStore
	selectErr  error
	outcomeErr error
}

func (b brokenStore) SelectUnprocessed(ctx context.Context, limit int) ([]storage.Operation, error) {
	if b.selectErr != nil {
		return nil, b.selectErr
	}
	return b.OperationStore.SelectUnprocessed(ctx, limit)
}

func (b brokenStore) UpdateOutcomes(ctx context.Context, outcomes []storage.Outcome) (int, error) {
	if b.outcomeErr != nil {
		return 0, b.outcomeErr
	}
	return b.OperationStore.UpdateOutcomes(ctx, outcomes)
}

func TestOutcomeFailureAbandonsBatch(t *testing.T) {
	store, clk := newStore(t)
	seed(t, store, storage.Operation{ID: "a", Type: storage.OperationDelete, Payload: payload("c", "a", "")})
	boom := errors.New("tx aborted")
	w := New(brokenStore{OperationStore: store, outcomeErr: boom}, NewRecordDispatcher(store), Config{}, WithClock(clk))
	if _, err := w.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected outcome error, got %v", err)
	}
	op, _ := store.GetOperation(context.Background(), "a")
	if op.Status != storage.StatusProcessing {
		t.Fatalf("expected row left PROCESSING for reclaim, got %s", op.Status)
	}
}

func TestRunBacksOffOnInfrastructureError(t *testing.T) {
	store, clk := newStore(t)
	w := New(brokenStore{OperationStore: store, selectErr: errors.New("db down")}, NewDispatcher(), Config{PollInterval: time.Second}, WithClock(clk))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	if !clk.BlockUntil(1, 2*time.Second) {
		t.Fatal("worker did not sleep after a failed poll")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean exit, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestDecodeRecordPayloadValidates(t *testing.T) {
	if _, err := DecodeRecordPayload(nil, false); err == nil {
		t.Fatal("expected error for empty payload")
	}
	if _, err := DecodeRecordPayload(json.RawMessage(`{"collection":"c"}`), false); err == nil {
		t.Fatal("expected error for missing key")
	}
	if _, err := DecodeRecordPayload(json.RawMessage(`{"collection":"c","key":"k"}`), true); err == nil {
		t.Fatal("expected error for missing data")
	}
	if _, err := DecodeRecordPayload(json.RawMessage(`{"collection":"c","key":"k","data":{"a":1}}`), true); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}
}
