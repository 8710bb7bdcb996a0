package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"pkt.systems/batchd/internal/storage"
)

var operationColumns = []string{"id", "operation_type", "payload", "status", "error", "created_at", "updated_at"}

// BulkInsert writes ops in chunks, skipping ids that already exist.
func (s *Store) BulkInsert(ctx context.Context, ops []storage.Operation) (int, error) {
	if len(ops) == 0 {
		return 0, nil
	}
	now := s.clock.Now()
	seen := make(map[string]struct{}, len(ops))
	rows := make([]storage.Operation, 0, len(ops))
	for _, op := range ops {
		if op.ID == "" {
			return 0, fmt.Errorf("sqlstore: bulk insert: operation without id")
		}
		if _, dup := seen[op.ID]; dup {
			continue
		}
		seen[op.ID] = struct{}{}
		rows = append(rows, op)
	}
	inserted := 0
	for start := 0; start < len(rows); start += insertChunk {
		end := min(start+insertChunk, len(rows))
		stmt := s.builder.Insert("operations").Columns(operationColumns...)
		for _, op := range rows[start:end] {
			created := op.CreatedAt
			if created.IsZero() {
				created = now
			}
			payload := string(op.Payload)
			if payload == "" {
				payload = "null"
			}
			stmt = stmt.Values(op.ID, string(op.Type), payload, string(storage.StatusUnprocessed), nil, micros(created), micros(now))
		}
		res, err := exec(ctx, s.db, stmt.Suffix("ON CONFLICT (id) DO NOTHING"))
		if err != nil {
			return inserted, fmt.Errorf("sqlstore: bulk insert: %w", err)
		}
		n, err := affected(res)
		if err != nil {
			return inserted, fmt.Errorf("sqlstore: bulk insert: %w", err)
		}
		inserted += n
	}
	return inserted, nil
}

// SelectUnprocessed returns up to limit UNPROCESSED rows, oldest first.
func (s *Store) SelectUnprocessed(ctx context.Context, limit int) ([]storage.Operation, error) {
	if limit <= 0 {
		return nil, nil
	}
	stmt := s.builder.Select(operationColumns...).
		From("operations").
		Where(sq.Eq{"status": string(storage.StatusUnprocessed)}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(limit))
	rows, err := query(ctx, s.db, stmt)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: select unprocessed: %w", err)
	}
	defer rows.Close()
	var out []storage.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: select unprocessed: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: select unprocessed: %w", err)
	}
	return out, nil
}

// MarkProcessing moves the UNPROCESSED rows among ids to PROCESSING and
// returns the ids this call transitioned.
func (s *Store) MarkProcessing(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	stmt := s.builder.Update("operations").
		Set("status", string(storage.StatusProcessing)).
		Set("updated_at", micros(s.clock.Now())).
		Where(sq.Eq{"id": ids, "status": string(storage.StatusUnprocessed)}).
		Suffix("RETURNING id")
	var claimed []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := query(ctx, tx, stmt)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			claimed = append(claimed, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: mark processing: %w", err)
	}
	return claimed, nil
}

// UpdateOutcomes records every outcome in one transaction. Rows that are
// no longer PROCESSING are skipped; an unknown id rolls the whole batch back.
func (s *Store) UpdateOutcomes(ctx context.Context, outcomes []storage.Outcome) (int, error) {
	if err := storage.ValidateOutcomes(outcomes); err != nil {
		return 0, err
	}
	if len(outcomes) == 0 {
		return 0, nil
	}
	now := micros(s.clock.Now())
	applied := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		applied = 0
		for _, o := range outcomes {
			var errText any
			if o.Error != nil {
				errText = *o.Error
			}
			res, err := exec(ctx, tx, s.builder.Update("operations").
				Set("status", string(o.Status)).
				Set("error", errText).
				Set("updated_at", now).
				Where(sq.Eq{"id": o.ID, "status": string(storage.StatusProcessing)}))
			if err != nil {
				return err
			}
			n, err := affected(res)
			if err != nil {
				return err
			}
			if n > 0 {
				applied += n
				continue
			}
			row, err := queryRow(ctx, tx, s.builder.Select("status").From("operations").Where(sq.Eq{"id": o.ID}))
			if err != nil {
				return err
			}
			var status string
			if err := row.Scan(&status); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("outcome %s: %w", o.ID, storage.ErrNotFound)
				}
				return err
			}
			s.logger.Warn("storage.sql.outcome.skipped", "id", o.ID, "status", status, "outcome", string(o.Status))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sqlstore: update outcomes: %w", err)
	}
	return applied, nil
}

// TouchProcessing refreshes updated_at on the PROCESSING rows among ids.
func (s *Store) TouchProcessing(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := exec(ctx, s.db, s.builder.Update("operations").
		Set("updated_at", micros(s.clock.Now())).
		Where(sq.Eq{"id": ids, "status": string(storage.StatusProcessing)}))
	if err != nil {
		return 0, fmt.Errorf("sqlstore: touch processing: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: touch processing: %w", err)
	}
	return n, nil
}

// GetOperation loads a single row.
func (s *Store) GetOperation(ctx context.Context, id string) (storage.Operation, error) {
	row, err := queryRow(ctx, s.db, s.builder.Select(operationColumns...).From("operations").Where(sq.Eq{"id": id}))
	if err != nil {
		return storage.Operation{}, fmt.Errorf("sqlstore: get operation: %w", err)
	}
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Operation{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Operation{}, fmt.Errorf("sqlstore: get operation: %w", err)
	}
	return op, nil
}

// ReclaimStale requeues PROCESSING rows untouched since olderThan.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := exec(ctx, s.db, s.builder.Update("operations").
		Set("status", string(storage.StatusUnprocessed)).
		Set("updated_at", micros(s.clock.Now())).
		Where(sq.Eq{"status": string(storage.StatusProcessing)}).
		Where(sq.Lt{"updated_at": micros(olderThan)}))
	if err != nil {
		return 0, fmt.Errorf("sqlstore: reclaim stale: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: reclaim stale: %w", err)
	}
	if n > 0 {
		s.logger.Info("storage.sql.reclaimed", "count", n, "older_than", olderThan)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (storage.Operation, error) {
	var (
		op      storage.Operation
		typ     string
		payload string
		status  string
		errText sql.NullString
		created int64
		updated int64
	)
	if err := row.Scan(&op.ID, &typ, &payload, &status, &errText, &created, &updated); err != nil {
		return storage.Operation{}, err
	}
	op.Type = storage.OperationType(typ)
	op.Payload = json.RawMessage(payload)
	op.Status = storage.OperationStatus(status)
	if errText.Valid {
		msg := errText.String
		op.Error = &msg
	}
	op.CreatedAt = fromMicros(created)
	op.UpdatedAt = fromMicros(updated)
	return op, nil
}
