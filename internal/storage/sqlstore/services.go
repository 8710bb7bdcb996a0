package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"pkt.systems/batchd/internal/storage"
)

var serviceColumns = []string{"id", "url", "type", "load", "status", "last_updated", "created_at"}

// UpsertService inserts svc or refreshes the row sharing its URL. The
// existing id and created_at survive a refresh.
func (s *Store) UpsertService(ctx context.Context, svc storage.Service) (storage.Service, bool, error) {
	if svc.ID == "" {
		return storage.Service{}, false, fmt.Errorf("sqlstore: upsert service: service without id")
	}
	now := micros(s.clock.Now())
	row, err := queryRow(ctx, s.db, s.builder.Insert("services").
		Columns(serviceColumns...).
		Values(svc.ID, svc.URL, svc.Type, svc.Load, string(svc.Status), now, now).
		Suffix("ON CONFLICT (url) DO UPDATE SET type = excluded.type, load = excluded.load, "+
			"status = excluded.status, last_updated = excluded.last_updated RETURNING "+strings.Join(serviceColumns, ", ")))
	if err != nil {
		return storage.Service{}, false, fmt.Errorf("sqlstore: upsert service: %w", err)
	}
	out, err := scanService(row)
	if err != nil {
		return storage.Service{}, false, fmt.Errorf("sqlstore: upsert service: %w", err)
	}
	return out, out.ID == svc.ID, nil
}

// LeastLoadedService returns the ACTIVE service of typ with the lowest load,
// breaking ties by registration order.
func (s *Store) LeastLoadedService(ctx context.Context, typ string) (storage.Service, error) {
	row, err := queryRow(ctx, s.db, s.builder.Select(serviceColumns...).
		From("services").
		Where(sq.Eq{"type": typ, "status": string(storage.ServiceActive)}).
		OrderBy("load ASC", "created_at ASC", "id ASC").
		Limit(1))
	if err != nil {
		return storage.Service{}, fmt.Errorf("sqlstore: least loaded service: %w", err)
	}
	svc, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Service{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Service{}, fmt.Errorf("sqlstore: least loaded service: %w", err)
	}
	return svc, nil
}

// UpdateServiceLoad sets load and status for id.
func (s *Store) UpdateServiceLoad(ctx context.Context, id string, load float64, status storage.ServiceStatus, at time.Time) error {
	return s.updateService(ctx, "update service load", id, s.builder.Update("services").
		Set("load", load).
		Set("status", string(status)).
		Set("last_updated", micros(at)))
}

// UpdateServiceStatus sets status for id.
func (s *Store) UpdateServiceStatus(ctx context.Context, id string, status storage.ServiceStatus, at time.Time) error {
	return s.updateService(ctx, "update service status", id, s.builder.Update("services").
		Set("status", string(status)).
		Set("last_updated", micros(at)))
}

func (s *Store) updateService(ctx context.Context, op, id string, stmt sq.UpdateBuilder) error {
	res, err := exec(ctx, s.db, stmt.Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("sqlstore: %s: %w", op, err)
	}
	n, err := affected(res)
	if err != nil {
		return fmt.Errorf("sqlstore: %s: %w", op, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListServices returns services matching filter ordered by creation time.
func (s *Store) ListServices(ctx context.Context, filter storage.ServiceFilter) ([]storage.Service, error) {
	stmt := s.builder.Select(serviceColumns...).From("services").OrderBy("created_at ASC", "id ASC")
	if filter.Status != "" {
		stmt = stmt.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Type != "" {
		stmt = stmt.Where(sq.Eq{"type": filter.Type})
	}
	rows, err := query(ctx, s.db, stmt)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list services: %w", err)
	}
	defer rows.Close()
	var out []storage.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: list services: %w", err)
		}
		out = append(out, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list services: %w", err)
	}
	return out, nil
}

func scanService(row scanner) (storage.Service, error) {
	var (
		svc     storage.Service
		status  string
		updated int64
		created int64
	)
	if err := row.Scan(&svc.ID, &svc.URL, &svc.Type, &svc.Load, &status, &updated, &created); err != nil {
		return storage.Service{}, err
	}
	svc.Status = storage.ServiceStatus(status)
	svc.LastUpdated = fromMicros(updated)
	svc.CreatedAt = fromMicros(created)
	return svc, nil
}
