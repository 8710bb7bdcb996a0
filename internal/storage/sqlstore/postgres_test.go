package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/storage"
	"pkt.systems/batchd/internal/storage/storagetest"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, DialectPostgres, WithClock(clock.NewManual(storagetest.Epoch))), mock
}

func TestPostgresBulkInsertUsesDollarPlaceholders(t *testing.T) {
	store, mock := newMockStore(t)
	epoch := storagetest.Epoch.UnixMicro()
	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO operations (id,operation_type,payload,status,error,created_at,updated_at) "+
			"VALUES ($1,$2,$3,$4,$5,$6,$7),($8,$9,$10,$11,$12,$13,$14) ON CONFLICT (id) DO NOTHING",
	)).WithArgs(
		"a", "INSERT", `{"k":1}`, "UNPROCESSED", nil, epoch, epoch,
		"b", "DELETE", "null", "UNPROCESSED", nil, epoch, epoch,
	).WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := store.BulkInsert(context.Background(), []storage.Operation{
		{ID: "a", Type: storage.OperationInsert, Payload: json.RawMessage(`{"k":1}`)},
		{ID: "b", Type: storage.OperationDelete},
		{ID: "a", Type: storage.OperationUpdate},
	})
	if err != nil {
		t.Fatalf("bulk insert: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 inserted, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresMarkProcessingReturnsClaimedIDs(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(
		"UPDATE operations SET status = $1, updated_at = $2 WHERE id IN ($3,$4) AND status = $5 RETURNING id",
	)).WithArgs("PROCESSING", storagetest.Epoch.UnixMicro(), "a", "b", "UNPROCESSED").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("b"))
	mock.ExpectCommit()

	claimed, err := store.MarkProcessing(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if len(claimed) != 1 || claimed[0] != "b" {
		t.Fatalf("expected [b], got %v", claimed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresUpdateOutcomesRollsBackOnMissingRow(t *testing.T) {
	store, mock := newMockStore(t)
	update := regexp.QuoteMeta("UPDATE operations SET status = $1, error = $2, updated_at = $3 WHERE id = $4 AND status = $5")
	mock.ExpectBegin()
	mock.ExpectExec(update).
		WithArgs("DONE", sqlmock.AnyArg(), storagetest.Epoch.UnixMicro(), "a", "PROCESSING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(update).
		WithArgs("ERROR", "boom", storagetest.Epoch.UnixMicro(), "ghost", "PROCESSING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM operations WHERE id = $1")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	_, err := store.UpdateOutcomes(context.Background(), []storage.Outcome{
		storage.Done("a"),
		storage.Failed("ghost", errors.New("boom")),
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresUpdateOutcomesSkipsFinishedRow(t *testing.T) {
	store, mock := newMockStore(t)
	update := regexp.QuoteMeta("UPDATE operations SET status = $1, error = $2, updated_at = $3 WHERE id = $4 AND status = $5")
	mock.ExpectBegin()
	mock.ExpectExec(update).
		WithArgs("ERROR", "late", storagetest.Epoch.UnixMicro(), "a", "PROCESSING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM operations WHERE id = $1")).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("DONE"))
	mock.ExpectCommit()

	n, err := store.UpdateOutcomes(context.Background(), []storage.Outcome{storage.Failed("a", errors.New("late"))})
	if err != nil {
		t.Fatalf("update outcomes: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 applied, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresLockAcquireReportsHolder(t *testing.T) {
	store, mock := newMockStore(t)
	now := storagetest.Epoch.UnixMicro()
	held := storagetest.Epoch.Add(-30 * time.Second)
	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO locks (key,token,created_at,expires_at) VALUES ($1,$2,$3,$4) "+
			"ON CONFLICT (key) DO UPDATE SET token = excluded.token, created_at = excluded.created_at, "+
			"expires_at = excluded.expires_at WHERE locks.expires_at <= $5",
	)).WithArgs("createConfirmationCodes:u1", "t2", now, sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, token, created_at, expires_at FROM locks WHERE key = $1")).
		WithArgs("createConfirmationCodes:u1").
		WillReturnRows(sqlmock.NewRows([]string{"key", "token", "created_at", "expires_at"}).
			AddRow("createConfirmationCodes:u1", "t1", held.UnixMicro(), held.Add(90*time.Second).UnixMicro()))

	rec, ok, err := store.TryAcquire(context.Background(), "createConfirmationCodes:u1", "t2", 90*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Fatal("expected contention")
	}
	if rec.Token != "t1" || !rec.CreatedAt.Equal(held) {
		t.Fatalf("expected holder t1 created %v, got %+v", held, rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresLeastLoadedEmpty(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT id, url, type, load, status, last_updated, created_at FROM services "+
			"WHERE status = $1 AND type = $2 ORDER BY load ASC, created_at ASC, id ASC LIMIT 1",
	)).WithArgs("ACTIVE", "COMPUTE").
		WillReturnRows(sqlmock.NewRows([]string{"id", "url", "type", "load", "status", "last_updated", "created_at"}))

	if _, err := store.LeastLoadedService(context.Background(), "COMPUTE"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
