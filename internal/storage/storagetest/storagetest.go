// Package storagetest holds the behavioural contract every batchd store
// backend must satisfy. Backends call Run from their own tests.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/storage"
)

// Backend is the union of store interfaces exercised by Run.
type Backend interface {
	storage.OperationStore
	storage.RecordStore
	storage.ServiceStore
	storage.SettingsStore
	storage.LockStore
}

// Factory builds a fresh, empty backend driven by clk.
type Factory func(t *testing.T, clk clock.Clock) Backend

// Epoch is the start time of the manual clock handed to factories.
var Epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Run executes the shared contract against backends built by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(*testing.T, Backend, *clock.Manual)
	}{
		{"BulkInsertSkipsDuplicates", testBulkInsertSkipsDuplicates},
		{"SelectUnprocessedOrdering", testSelectUnprocessedOrdering},
		{"MarkProcessingClaimsOnce", testMarkProcessingClaimsOnce},
		{"UpdateOutcomes", testUpdateOutcomes},
		{"UpdateOutcomesAtomic", testUpdateOutcomesAtomic},
		{"UpdateOutcomesTerminal", testUpdateOutcomesTerminal},
		{"ReclaimStale", testReclaimStale},
		{"TouchProcessing", testTouchProcessing},
		{"GetOperationNotFound", testGetOperationNotFound},
		{"Records", testRecords},
		{"Services", testServices},
		{"LeastLoaded", testLeastLoaded},
		{"Settings", testSettings},
		{"Locks", testLocks},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.NewManual(Epoch)
			backend := factory(t, clk)
			t.Cleanup(func() { _ = backend.Close() })
			tc.fn(t, backend, clk)
		})
	}
}

func op(id string, created time.Time) storage.Operation {
	return storage.Operation{
		ID:        id,
		Type:      storage.OperationInsert,
		Payload:   json.RawMessage(`{"collection":"users","key":"` + id + `","data":{"n":1}}`),
		Status:    storage.StatusUnprocessed,
		CreatedAt: created,
	}
}

func ids(ops []storage.Operation) []string {
	out := make([]string, 0, len(ops))
	for _, o := range ops {
		out = append(out, o.ID)
	}
	return out
}

func mustInsert(t *testing.T, b Backend, ops ...storage.Operation) {
	t.Helper()
	if _, err := b.BulkInsert(context.Background(), ops); err != nil {
		t.Fatalf("bulk insert: %v", err)
	}
}

func mustStatus(t *testing.T, b Backend, id string, want storage.OperationStatus) storage.Operation {
	t.Helper()
	got, err := b.GetOperation(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	if got.Status != want {
		t.Fatalf("expected %s to be %s, got %s", id, want, got.Status)
	}
	return got
}

func testBulkInsertSkipsDuplicates(t *testing.T, b Backend, _ *clock.Manual) {
	ctx := context.Background()
	n, err := b.BulkInsert(ctx, []storage.Operation{op("a", Epoch), op("b", Epoch)})
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 inserted, got %d", n)
	}
	dup := op("a", Epoch.Add(time.Second))
	dup.Payload = json.RawMessage(`{"collection":"users","key":"other"}`)
	n, err = b.BulkInsert(ctx, []storage.Operation{dup, op("c", Epoch)})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 inserted, got %d", n)
	}
	got := mustStatus(t, b, "a", storage.StatusUnprocessed)
	if string(got.Payload) != string(op("a", Epoch).Payload) {
		t.Fatalf("expected original payload to survive, got %s", got.Payload)
	}
	if got.Error != nil {
		t.Fatalf("expected nil error, got %q", *got.Error)
	}
	if n, err := b.BulkInsert(ctx, nil); err != nil || n != 0 {
		t.Fatalf("expected empty insert to be a no-op, got %d %v", n, err)
	}
}

func testSelectUnprocessedOrdering(t *testing.T, b Backend, _ *clock.Manual) {
	ctx := context.Background()
	mustInsert(t, b,
		op("late", Epoch.Add(3*time.Second)),
		op("early", Epoch.Add(1*time.Second)),
		op("middle", Epoch.Add(2*time.Second)),
	)
	got, err := b.SelectUnprocessed(ctx, 2)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].ID != "early" || got[1].ID != "middle" {
		t.Fatalf("expected [early middle], got %v", ids(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Fatalf("rows out of order: %v", ids(got))
		}
	}
	if !got[0].CreatedAt.Equal(Epoch.Add(time.Second)) {
		t.Fatalf("expected created_at %v, got %v", Epoch.Add(time.Second), got[0].CreatedAt)
	}
}

func testMarkProcessingClaimsOnce(t *testing.T, b Backend, _ *clock.Manual) {
	ctx := context.Background()
	mustInsert(t, b, op("a", Epoch), op("b", Epoch.Add(time.Second)), op("c", Epoch.Add(2*time.Second)))
	claimed, err := b.MarkProcessing(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	sort.Strings(claimed)
	if len(claimed) != 2 || claimed[0] != "a" || claimed[1] != "b" {
		t.Fatalf("expected [a b] claimed, got %v", claimed)
	}
	rest, err := b.SelectUnprocessed(ctx, 10)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "c" {
		t.Fatalf("expected only c unprocessed, got %v", ids(rest))
	}
	again, err := b.MarkProcessing(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if len(again) != 1 || again[0] != "c" {
		t.Fatalf("expected competitor to claim only c, got %v", again)
	}
	mustStatus(t, b, "a", storage.StatusProcessing)
}

func testUpdateOutcomes(t *testing.T, b Backend, _ *clock.Manual) {
	ctx := context.Background()
	mustInsert(t, b, op("a", Epoch), op("b", Epoch))
	if _, err := b.MarkProcessing(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	n, err := b.UpdateOutcomes(ctx, []storage.Outcome{
		storage.Done("a"),
		storage.Failed("b", errors.New("record users/b already exists")),
	})
	if err != nil {
		t.Fatalf("update outcomes: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 applied, got %d", n)
	}
	a := mustStatus(t, b, "a", storage.StatusDone)
	if a.Error != nil {
		t.Fatalf("expected nil error for a, got %q", *a.Error)
	}
	failed := mustStatus(t, b, "b", storage.StatusError)
	if failed.Error == nil || *failed.Error != "record users/b already exists" {
		t.Fatalf("unexpected error for b: %v", failed.Error)
	}
	if _, err := b.UpdateOutcomes(ctx, []storage.Outcome{{ID: "a", Status: storage.StatusProcessing}}); !errors.Is(err, storage.ErrNonTerminalOutcome) {
		t.Fatalf("expected ErrNonTerminalOutcome, got %v", err)
	}
}

func testUpdateOutcomesAtomic(t *testing.T, b Backend, _ *clock.Manual) {
	ctx := context.Background()
	mustInsert(t, b, op("a", Epoch))
	if _, err := b.MarkProcessing(ctx, []string{"a"}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	_, err := b.UpdateOutcomes(ctx, []storage.Outcome{storage.Done("a"), storage.Done("missing")})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	mustStatus(t, b, "a", storage.StatusProcessing)
}

func testUpdateOutcomesTerminal(t *testing.T, b Backend, _ *clock.Manual) {
	ctx := context.Background()
	mustInsert(t, b, op("a", Epoch), op("b", Epoch), op("c", Epoch))
	if _, err := b.MarkProcessing(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if _, err := b.UpdateOutcomes(ctx, []storage.Outcome{storage.Done("a")}); err != nil {
		t.Fatalf("update outcomes: %v", err)
	}
	n, err := b.UpdateOutcomes(ctx, []storage.Outcome{
		storage.Failed("a", errors.New("late duplicate")),
		storage.Done("b"),
		storage.Done("c"),
	})
	if err != nil {
		t.Fatalf("expected finished and unclaimed rows to be skipped, got %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 applied, got %d", n)
	}
	a := mustStatus(t, b, "a", storage.StatusDone)
	if a.Error != nil {
		t.Fatalf("expected DONE row to keep a nil error, got %q", *a.Error)
	}
	mustStatus(t, b, "b", storage.StatusDone)
	mustStatus(t, b, "c", storage.StatusUnprocessed)
}

func testTouchProcessing(t *testing.T, b Backend, clk *clock.Manual) {
	ctx := context.Background()
	mustInsert(t, b, op("running", Epoch), op("queued", Epoch))
	if _, err := b.MarkProcessing(ctx, []string{"running"}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	clk.Advance(4 * time.Minute)
	n, err := b.TouchProcessing(ctx, []string{"running", "queued", "missing"})
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 touched, got %d", n)
	}
	clk.Advance(4 * time.Minute)
	reclaimed, err := b.ReclaimStale(ctx, clk.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("expected touched row to survive reclaim, got %d reclaimed", reclaimed)
	}
	mustStatus(t, b, "running", storage.StatusProcessing)
}

func testReclaimStale(t *testing.T, b Backend, clk *clock.Manual) {
	ctx := context.Background()
	mustInsert(t, b, op("stuck", Epoch), op("fresh", Epoch))
	if _, err := b.MarkProcessing(ctx, []string{"stuck"}); err != nil {
		t.Fatalf("mark stuck: %v", err)
	}
	clk.Advance(10 * time.Minute)
	if _, err := b.MarkProcessing(ctx, []string{"fresh"}); err != nil {
		t.Fatalf("mark fresh: %v", err)
	}
	n, err := b.ReclaimStale(ctx, clk.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
	mustStatus(t, b, "stuck", storage.StatusUnprocessed)
	mustStatus(t, b, "fresh", storage.StatusProcessing)
}

func testGetOperationNotFound(t *testing.T, b Backend, _ *clock.Manual) {
	if _, err := b.GetOperation(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testRecords(t *testing.T, b Backend, _ *clock.Manual) {
	ctx := context.Background()
	rec := storage.Record{Collection: "users", Key: "u1", Data: json.RawMessage(`{"name":"ada"}`)}
	if err := b.InsertRecord(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := b.InsertRecord(ctx, rec); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	missing := storage.Record{Collection: "users", Key: "u2", Data: json.RawMessage(`{}`)}
	if err := b.UpdateRecord(ctx, missing); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
	rec.Data = json.RawMessage(`{"name":"grace"}`)
	if err := b.UpdateRecord(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := b.UpsertRecord(ctx, missing); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := b.GetRecord(ctx, "users", "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Data) != `{"name":"grace"}` {
		t.Fatalf("unexpected data %s", got.Data)
	}
	if err := b.DeleteRecord(ctx, "users", "u2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := b.DeleteRecord(ctx, "users", "u2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func testServices(t *testing.T, b Backend, clk *clock.Manual) {
	ctx := context.Background()
	created, isNew, err := b.UpsertService(ctx, storage.Service{
		ID: "0197a0f0-0000-7000-8000-000000000001", URL: "ws://a:1", Type: "COMPUTE", Load: 3, Status: storage.ServiceActive,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !isNew {
		t.Fatal("expected first upsert to create")
	}
	if err := b.UpdateServiceStatus(ctx, created.ID, storage.ServiceInactive, clk.Now()); err != nil {
		t.Fatalf("update status: %v", err)
	}
	clk.Advance(time.Second)
	refreshed, isNew, err := b.UpsertService(ctx, storage.Service{
		ID: "0197a0f0-0000-7000-8000-000000000002", URL: "ws://a:1", Type: "STREAM", Load: 1.5, Status: storage.ServiceActive,
	})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if isNew {
		t.Fatal("expected second upsert to refresh")
	}
	if refreshed.ID != created.ID {
		t.Fatalf("expected id %s to be kept, got %s", created.ID, refreshed.ID)
	}
	if refreshed.Type != "STREAM" || refreshed.Load != 1.5 || refreshed.Status != storage.ServiceActive {
		t.Fatalf("unexpected refreshed service %+v", refreshed)
	}
	if err := b.UpdateServiceLoad(ctx, created.ID, 7.25, storage.ServiceActive, clk.Now()); err != nil {
		t.Fatalf("update load: %v", err)
	}
	if err := b.UpdateServiceLoad(ctx, "missing", 1, storage.ServiceActive, clk.Now()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := b.UpdateServiceStatus(ctx, "missing", storage.ServiceActive, clk.Now()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	all, err := b.ListServices(ctx, storage.ServiceFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].Load != 7.25 {
		t.Fatalf("unexpected services %+v", all)
	}
}

func testLeastLoaded(t *testing.T, b Backend, clk *clock.Manual) {
	ctx := context.Background()
	seed := []storage.Service{
		{ID: "0197a0f0-0000-7000-8000-00000000000a", URL: "ws://five", Type: "COMPUTE", Load: 5, Status: storage.ServiceActive},
		{ID: "0197a0f0-0000-7000-8000-00000000000b", URL: "ws://two", Type: "COMPUTE", Load: 2, Status: storage.ServiceActive},
		{ID: "0197a0f0-0000-7000-8000-00000000000c", URL: "ws://one", Type: "COMPUTE", Load: 1, Status: storage.ServiceInactive},
		{ID: "0197a0f0-0000-7000-8000-00000000000d", URL: "ws://zero", Type: "OTHER", Load: 0, Status: storage.ServiceActive},
	}
	for _, svc := range seed {
		clk.Advance(time.Millisecond)
		if _, _, err := b.UpsertService(ctx, svc); err != nil {
			t.Fatalf("seed %s: %v", svc.URL, err)
		}
	}
	got, err := b.LeastLoadedService(ctx, "COMPUTE")
	if err != nil {
		t.Fatalf("least loaded: %v", err)
	}
	if got.URL != "ws://two" {
		t.Fatalf("expected ws://two, got %s (load %v)", got.URL, got.Load)
	}
	if _, err := b.LeastLoadedService(ctx, "MISSING"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty type, got %v", err)
	}
	active, err := b.ListServices(ctx, storage.ServiceFilter{Status: storage.ServiceActive})
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("expected 3 active services, got %d", len(active))
	}
}

func testSettings(t *testing.T, b Backend, _ *clock.Manual) {
	ctx := context.Background()
	if err := b.PutSetting(ctx, "BATCH_INSERT_OPERATION_INTERVAL", "250"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := b.PutSetting(ctx, "BATCH_INSERT_OPERATION_INTERVAL", "500"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := b.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["BATCH_INSERT_OPERATION_INTERVAL"] != "500" {
		t.Fatalf("expected 500, got %q", got["BATCH_INSERT_OPERATION_INTERVAL"])
	}
}

func testLocks(t *testing.T, b Backend, clk *clock.Manual) {
	ctx := context.Background()
	first, ok, err := b.TryAcquire(ctx, "createConfirmationCodes:u1", "t1", 5*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	clk.Advance(time.Second)
	second, ok, err := b.TryAcquire(ctx, "createConfirmationCodes:u1", "t2", 5*time.Second)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("expected second acquire to fail")
	}
	if !second.CreatedAt.Equal(first.CreatedAt) || second.Token != "t1" {
		t.Fatalf("expected holder record %+v, got %+v", first, second)
	}
	if released, err := b.Release(ctx, "createConfirmationCodes:u1", "t2"); err != nil || released {
		t.Fatalf("expected foreign release to be refused, got %v %v", released, err)
	}
	clk.Advance(5 * time.Second)
	third, ok, err := b.TryAcquire(ctx, "createConfirmationCodes:u1", "t3", 5*time.Second)
	if err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if !ok || third.Token != "t3" {
		t.Fatalf("expected acquire after expiry, got %v %+v", ok, third)
	}
	if released, err := b.Release(ctx, "createConfirmationCodes:u1", "t3"); err != nil || !released {
		t.Fatalf("expected owner release, got %v %v", released, err)
	}
	if _, ok, err := b.TryAcquire(ctx, "createConfirmationCodes:u1", "t4", time.Second); err != nil || !ok {
		t.Fatalf("expected acquire after release, got %v %v", ok, err)
	}
}
