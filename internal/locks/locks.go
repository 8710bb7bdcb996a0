// Package locks grants short-lived exclusive locks with a TTL. Locks are
// never renewed and need no release: the TTL is the only timeout, which
// makes them a fit for rate limiting such as one confirmation code per
// user per 90 seconds.
package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/ids"
	"pkt.systems/batchd/internal/loggingutil"
	"pkt.systems/batchd/internal/storage"
	"pkt.systems/batchd/internal/svcfields"
)

var (
	// ErrInvalidTTL rejects non-positive TTLs.
	ErrInvalidTTL = errors.New("locks: ttl must be positive")
	// ErrInvalidKey rejects empty keys.
	ErrInvalidKey = errors.New("locks: key is required")
)

// Result describes the outcome of Acquire. When Acquired is false the
// timestamps belong to the current holder.
type Result struct {
	Acquired  bool
	Key       string
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
	CheckedAt time.Time
}

// RetryAfter returns the whole seconds until the holder expires, rounded up.
// It is zero for acquired locks.
func (r Result) RetryAfter() int64 {
	if r.Acquired {
		return 0
	}
	remaining := r.ExpiresAt.Sub(r.CheckedAt)
	if remaining <= 0 {
		return 1
	}
	secs := int64(remaining / time.Second)
	if remaining%time.Second != 0 {
		secs++
	}
	return secs
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used to compute RetryAfter.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clock.Ensure(clk) }
}

// WithLogger sets the manager logger.
func WithLogger(logger pslog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTokenSource overrides how holder tokens are generated.
func WithTokenSource(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newToken = fn
		}
	}
}

// Manager acquires locks through a storage.LockStore.
type Manager struct {
	store    storage.LockStore
	clock    clock.Clock
	logger   pslog.Logger
	newToken func() string
}

// NewManager returns a Manager backed by store.
func NewManager(store storage.LockStore, opts ...Option) *Manager {
	m := &Manager{store: store, clock: clock.Real{}, newToken: ids.NewUUID}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = svcfields.WithSubsystem(loggingutil.EnsureLogger(m.logger), svcfields.SubsystemLocks)
	return m
}

// Key builds the canonical "<operation>:<subject>" lock key.
func Key(operation, subject string) string {
	return operation + ":" + subject
}

// Acquire tries to take key for ttlSeconds. Contention is not an error: the
// result reports Acquired=false with the holder's creation time. Store
// failures are returned and callers must not proceed.
func (m *Manager) Acquire(ctx context.Context, key string, ttlSeconds int64) (Result, error) {
	if strings.TrimSpace(key) == "" {
		return Result{}, ErrInvalidKey
	}
	if ttlSeconds <= 0 {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidTTL, ttlSeconds)
	}
	logger := loggingutil.FromContext(ctx, m.logger)
	token := m.newToken()
	rec, acquired, err := m.store.TryAcquire(ctx, key, token, time.Duration(ttlSeconds)*time.Second)
	if err != nil {
		logger.Warn("locks.acquire.store_error", "key", key, "error", err)
		return Result{Key: key}, fmt.Errorf("locks: acquire %s: %w", key, err)
	}
	res := Result{
		Acquired:  acquired,
		Key:       key,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
		CheckedAt: m.clock.Now(),
	}
	if acquired {
		res.Token = token
		logger.Debug("locks.acquire.granted", "key", key, "ttl_seconds", ttlSeconds)
	} else {
		logger.Debug("locks.acquire.held", "key", key, "holder_created_at", rec.CreatedAt, "retry_after", res.RetryAfter())
	}
	return res, nil
}

// Release deletes key early when token still owns it.
func (m *Manager) Release(ctx context.Context, key, token string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrInvalidKey
	}
	released, err := m.store.Release(ctx, key, token)
	if err != nil {
		return false, fmt.Errorf("locks: release %s: %w", key, err)
	}
	return released, nil
}
