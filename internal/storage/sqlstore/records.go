package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"pkt.systems/batchd/internal/storage"
)

func recordData(rec storage.Record) string {
	if len(rec.Data) == 0 {
		return "null"
	}
	return string(rec.Data)
}

// InsertRecord creates rec and fails with storage.ErrAlreadyExists when the
// key is taken.
func (s *Store) InsertRecord(ctx context.Context, rec storage.Record) error {
	res, err := exec(ctx, s.db, s.builder.Insert("records").
		Columns("collection", "key", "data", "updated_at").
		Values(rec.Collection, rec.Key, recordData(rec), micros(s.clock.Now())).
		Suffix("ON CONFLICT (collection, key) DO NOTHING"))
	if err != nil {
		return fmt.Errorf("sqlstore: insert record: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return fmt.Errorf("sqlstore: insert record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("record %s/%s: %w", rec.Collection, rec.Key, storage.ErrAlreadyExists)
	}
	return nil
}

// UpdateRecord replaces the data of an existing record.
func (s *Store) UpdateRecord(ctx context.Context, rec storage.Record) error {
	res, err := exec(ctx, s.db, s.builder.Update("records").
		Set("data", recordData(rec)).
		Set("updated_at", micros(s.clock.Now())).
		Where(sq.Eq{"collection": rec.Collection, "key": rec.Key}))
	if err != nil {
		return fmt.Errorf("sqlstore: update record: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return fmt.Errorf("sqlstore: update record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("record %s/%s: %w", rec.Collection, rec.Key, storage.ErrNotFound)
	}
	return nil
}

// UpsertRecord creates or replaces rec.
func (s *Store) UpsertRecord(ctx context.Context, rec storage.Record) error {
	_, err := exec(ctx, s.db, s.builder.Insert("records").
		Columns("collection", "key", "data", "updated_at").
		Values(rec.Collection, rec.Key, recordData(rec), micros(s.clock.Now())).
		Suffix("ON CONFLICT (collection, key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at"))
	if err != nil {
		return fmt.Errorf("sqlstore: upsert record: %w", err)
	}
	return nil
}

// DeleteRecord removes an existing record.
func (s *Store) DeleteRecord(ctx context.Context, collection, key string) error {
	res, err := exec(ctx, s.db, s.builder.Delete("records").Where(sq.Eq{"collection": collection, "key": key}))
	if err != nil {
		return fmt.Errorf("sqlstore: delete record: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return fmt.Errorf("sqlstore: delete record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("record %s/%s: %w", collection, key, storage.ErrNotFound)
	}
	return nil
}

// GetRecord loads a record.
func (s *Store) GetRecord(ctx context.Context, collection, key string) (storage.Record, error) {
	row, err := queryRow(ctx, s.db, s.builder.Select("collection", "key", "data", "updated_at").
		From("records").
		Where(sq.Eq{"collection": collection, "key": key}))
	if err != nil {
		return storage.Record{}, fmt.Errorf("sqlstore: get record: %w", err)
	}
	var (
		rec     storage.Record
		data    string
		updated int64
	)
	if err := row.Scan(&rec.Collection, &rec.Key, &data, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Record{}, storage.ErrNotFound
		}
		return storage.Record{}, fmt.Errorf("sqlstore: get record: %w", err)
	}
	rec.Data = json.RawMessage(data)
	rec.UpdatedAt = fromMicros(updated)
	return rec, nil
}
