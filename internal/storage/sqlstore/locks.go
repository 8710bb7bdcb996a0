package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"pkt.systems/batchd/internal/storage"
)

// lockReadAttempts bounds the re-tries when the holder vanishes between the
// conditional insert and the holder read.
const lockReadAttempts = 3

// TryAcquire inserts a lock row, replacing it only when the stored row has
// expired. Contention returns the live holder.
func (s *Store) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (storage.LockRecord, bool, error) {
	if ttl <= 0 {
		return storage.LockRecord{}, false, fmt.Errorf("sqlstore: ttl must be positive")
	}
	for attempt := 0; attempt < lockReadAttempts; attempt++ {
		now := s.clock.Now()
		rec := storage.LockRecord{Key: key, Token: token, CreatedAt: now, ExpiresAt: now.Add(ttl)}
		res, err := exec(ctx, s.db, s.builder.Insert("locks").
			Columns("key", "token", "created_at", "expires_at").
			Values(key, token, micros(rec.CreatedAt), micros(rec.ExpiresAt)).
			Suffix("ON CONFLICT (key) DO UPDATE SET token = excluded.token, created_at = excluded.created_at, "+
				"expires_at = excluded.expires_at WHERE locks.expires_at <= ?", micros(now)))
		if err != nil {
			return storage.LockRecord{}, false, fmt.Errorf("sqlstore: acquire lock %s: %w", key, err)
		}
		n, err := affected(res)
		if err != nil {
			return storage.LockRecord{}, false, fmt.Errorf("sqlstore: acquire lock %s: %w", key, err)
		}
		if n > 0 {
			return rec, true, nil
		}
		holder, err := s.lockHolder(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return storage.LockRecord{}, false, err
		}
		return holder, false, nil
	}
	return storage.LockRecord{}, false, fmt.Errorf("sqlstore: acquire lock %s: holder vanished %d times: %w", key, lockReadAttempts, storage.ErrCASMismatch)
}

func (s *Store) lockHolder(ctx context.Context, key string) (storage.LockRecord, error) {
	row, err := queryRow(ctx, s.db, s.builder.Select("key", "token", "created_at", "expires_at").
		From("locks").
		Where(sq.Eq{"key": key}))
	if err != nil {
		return storage.LockRecord{}, fmt.Errorf("sqlstore: read lock %s: %w", key, err)
	}
	var (
		rec              storage.LockRecord
		created, expires int64
	)
	if err := row.Scan(&rec.Key, &rec.Token, &created, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.LockRecord{}, storage.ErrNotFound
		}
		return storage.LockRecord{}, fmt.Errorf("sqlstore: read lock %s: %w", key, err)
	}
	rec.CreatedAt = fromMicros(created)
	rec.ExpiresAt = fromMicros(expires)
	return rec, nil
}

// Release deletes key when token still owns it.
func (s *Store) Release(ctx context.Context, key, token string) (bool, error) {
	res, err := exec(ctx, s.db, s.builder.Delete("locks").Where(sq.Eq{"key": key, "token": token}))
	if err != nil {
		return false, fmt.Errorf("sqlstore: release lock %s: %w", key, err)
	}
	n, err := affected(res)
	if err != nil {
		return false, fmt.Errorf("sqlstore: release lock %s: %w", key, err)
	}
	return n > 0, nil
}
