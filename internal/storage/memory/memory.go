// Package memory implements every batchd store in process memory. It backs
// the mem:// store URL for local development and most unit tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/storage"
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps and lock expiry.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// Store implements the storage interfaces in-memory.
type Store struct {
	mu       sync.RWMutex
	clock    clock.Clock
	ops      map[string]storage.Operation
	records  map[recordKey]storage.Record
	services map[string]storage.Service
	byURL    map[string]string
	settings map[string]string

	lockMu sync.Mutex
	locks  *ttlcache.Cache[string, storage.LockRecord]
}

type recordKey struct {
	collection string
	key        string
}

// New returns a ready to use in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:    clock.Real{},
		ops:      make(map[string]storage.Operation),
		records:  make(map[recordKey]storage.Record),
		services: make(map[string]storage.Service),
		byURL:    make(map[string]string),
		settings: make(map[string]string),
		locks: ttlcache.New[string, storage.LockRecord](
			ttlcache.WithDisableTouchOnHit[string, storage.LockRecord](),
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.locks.Start()
	return s
}

// Close stops the lock expiry loop.
func (s *Store) Close() error {
	s.locks.Stop()
	return nil
}

func cloneOperation(op storage.Operation) storage.Operation {
	op.Payload = append(json.RawMessage(nil), op.Payload...)
	if op.Error != nil {
		msg := *op.Error
		op.Error = &msg
	}
	return op
}

// BulkInsert stores ops, skipping ids already present.
func (s *Store) BulkInsert(_ context.Context, ops []storage.Operation) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	inserted := 0
	for _, op := range ops {
		if op.ID == "" {
			return inserted, fmt.Errorf("memory: operation without id")
		}
		if _, exists := s.ops[op.ID]; exists {
			continue
		}
		op = cloneOperation(op)
		op.Status = storage.StatusUnprocessed
		op.Error = nil
		if op.CreatedAt.IsZero() {
			op.CreatedAt = now
		}
		op.UpdatedAt = now
		s.ops[op.ID] = op
		inserted++
	}
	return inserted, nil
}

// SelectUnprocessed returns the oldest UNPROCESSED operations.
func (s *Store) SelectUnprocessed(_ context.Context, limit int) ([]storage.Operation, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.Operation
	for _, op := range s.ops {
		if op.Status == storage.StatusUnprocessed {
			out = append(out, cloneOperation(op))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkProcessing claims the UNPROCESSED subset of ids.
func (s *Store) MarkProcessing(_ context.Context, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var claimed []string
	for _, id := range ids {
		op, ok := s.ops[id]
		if !ok || op.Status != storage.StatusUnprocessed {
			continue
		}
		op.Status = storage.StatusProcessing
		op.UpdatedAt = now
		s.ops[id] = op
		claimed = append(claimed, id)
	}
	return claimed, nil
}

// UpdateOutcomes applies all outcomes or none. Rows that are no longer
// PROCESSING keep their status.
func (s *Store) UpdateOutcomes(_ context.Context, outcomes []storage.Outcome) (int, error) {
	if err := storage.ValidateOutcomes(outcomes); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range outcomes {
		if _, ok := s.ops[o.ID]; !ok {
			return 0, fmt.Errorf("memory: update outcome %s: %w", o.ID, storage.ErrNotFound)
		}
	}
	now := s.clock.Now()
	applied := 0
	for _, o := range outcomes {
		op := s.ops[o.ID]
		if op.Status != storage.StatusProcessing {
			continue
		}
		op.Status = o.Status
		op.Error = nil
		if o.Error != nil {
			msg := *o.Error
			op.Error = &msg
		}
		op.UpdatedAt = now
		s.ops[o.ID] = op
		applied++
	}
	return applied, nil
}

// TouchProcessing refreshes UpdatedAt on the PROCESSING rows among ids.
func (s *Store) TouchProcessing(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	n := 0
	for _, id := range ids {
		op, ok := s.ops[id]
		if !ok || op.Status != storage.StatusProcessing {
			continue
		}
		op.UpdatedAt = now
		s.ops[id] = op
		n++
	}
	return n, nil
}

// GetOperation loads a single operation.
func (s *Store) GetOperation(_ context.Context, id string) (storage.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	if !ok {
		return storage.Operation{}, storage.ErrNotFound
	}
	return cloneOperation(op), nil
}

// ReclaimStale requeues PROCESSING rows untouched since olderThan.
func (s *Store) ReclaimStale(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	n := 0
	for id, op := range s.ops {
		if op.Status != storage.StatusProcessing || !op.UpdatedAt.Before(olderThan) {
			continue
		}
		op.Status = storage.StatusUnprocessed
		op.UpdatedAt = now
		s.ops[id] = op
		n++
	}
	return n, nil
}

// InsertRecord creates rec or fails with ErrAlreadyExists.
func (s *Store) InsertRecord(_ context.Context, rec storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{rec.Collection, rec.Key}
	if _, ok := s.records[k]; ok {
		return storage.ErrAlreadyExists
	}
	s.putRecordLocked(k, rec)
	return nil
}

// UpdateRecord replaces an existing record or fails with ErrNotFound.
func (s *Store) UpdateRecord(_ context.Context, rec storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{rec.Collection, rec.Key}
	if _, ok := s.records[k]; !ok {
		return storage.ErrNotFound
	}
	s.putRecordLocked(k, rec)
	return nil
}

// UpsertRecord creates or replaces rec.
func (s *Store) UpsertRecord(_ context.Context, rec storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putRecordLocked(recordKey{rec.Collection, rec.Key}, rec)
	return nil
}

func (s *Store) putRecordLocked(k recordKey, rec storage.Record) {
	rec.Data = append(json.RawMessage(nil), rec.Data...)
	rec.UpdatedAt = s.clock.Now()
	s.records[k] = rec
}

// DeleteRecord removes a record or fails with ErrNotFound.
func (s *Store) DeleteRecord(_ context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{collection, key}
	if _, ok := s.records[k]; !ok {
		return storage.ErrNotFound
	}
	delete(s.records, k)
	return nil
}

// GetRecord loads a record.
func (s *Store) GetRecord(_ context.Context, collection, key string) (storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey{collection, key}]
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	rec.Data = append(json.RawMessage(nil), rec.Data...)
	return rec, nil
}

// UpsertService inserts svc or refreshes the row sharing its URL.
func (s *Store) UpsertService(_ context.Context, svc storage.Service) (storage.Service, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if id, ok := s.byURL[svc.URL]; ok {
		existing := s.services[id]
		existing.Type = svc.Type
		existing.Load = svc.Load
		existing.Status = svc.Status
		existing.LastUpdated = now
		s.services[id] = existing
		return existing, false, nil
	}
	if svc.ID == "" {
		return storage.Service{}, false, fmt.Errorf("memory: service without id")
	}
	svc.CreatedAt = now
	svc.LastUpdated = now
	s.services[svc.ID] = svc
	s.byURL[svc.URL] = svc.ID
	return svc, true, nil
}

// LeastLoadedService returns the lowest-load ACTIVE service of typ.
func (s *Store) LeastLoadedService(ctx context.Context, typ string) (storage.Service, error) {
	candidates, err := s.ListServices(ctx, storage.ServiceFilter{Status: storage.ServiceActive, Type: typ})
	if err != nil {
		return storage.Service{}, err
	}
	if len(candidates) == 0 {
		return storage.Service{}, storage.ErrNotFound
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Load < candidates[j].Load
	})
	return candidates[0], nil
}

// UpdateServiceLoad sets load and status for id.
func (s *Store) UpdateServiceLoad(_ context.Context, id string, load float64, status storage.ServiceStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[id]
	if !ok {
		return storage.ErrNotFound
	}
	svc.Load = load
	svc.Status = status
	svc.LastUpdated = at
	s.services[id] = svc
	return nil
}

// UpdateServiceStatus sets status for id.
func (s *Store) UpdateServiceStatus(_ context.Context, id string, status storage.ServiceStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[id]
	if !ok {
		return storage.ErrNotFound
	}
	svc.Status = status
	svc.LastUpdated = at
	s.services[id] = svc
	return nil
}

// ListServices returns services matching filter ordered by creation time.
func (s *Store) ListServices(_ context.Context, filter storage.ServiceFilter) ([]storage.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.Service
	for _, svc := range s.services {
		if filter.Status != "" && svc.Status != filter.Status {
			continue
		}
		if filter.Type != "" && svc.Type != filter.Type {
			continue
		}
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// LoadSettings returns a copy of every setting.
func (s *Store) LoadSettings(context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

// PutSetting writes a single setting.
func (s *Store) PutSetting(_ context.Context, key, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = data
	return nil
}

// TryAcquire creates a lock record unless a live one exists. Expiry is
// judged by the store clock; the cache TTL only reclaims memory.
func (s *Store) TryAcquire(_ context.Context, key, token string, ttl time.Duration) (storage.LockRecord, bool, error) {
	if ttl <= 0 {
		return storage.LockRecord{}, false, fmt.Errorf("memory: ttl must be positive")
	}
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	now := s.clock.Now()
	rec := storage.LockRecord{Key: key, Token: token, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	item, found := s.locks.GetOrSet(key, rec, ttlcache.WithTTL[string, storage.LockRecord](ttl))
	if !found {
		return rec, true, nil
	}
	existing := item.Value()
	if existing.Live(now) {
		return existing, false, nil
	}
	s.locks.Set(key, rec, ttl)
	return rec, true, nil
}

// Release deletes key when token still owns it.
func (s *Store) Release(_ context.Context, key, token string) (bool, error) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	item := s.locks.Get(key)
	if item == nil || item.Value().Token != token {
		return false, nil
	}
	s.locks.Delete(key)
	return true, nil
}
