// Package retry wraps lock stores so transient backend failures are retried
// with exponential backoff before the lock manager fails closed.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/loggingutil"
	"pkt.systems/batchd/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a lock store that retries transient errors according to cfg.
func Wrap(inner storage.LockStore, logger pslog.Logger, clk clock.Clock, cfg Config) storage.LockStore {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return &lockStore{
		inner:  inner,
		logger: loggingutil.EnsureLogger(logger),
		clock:  clock.Ensure(clk),
		cfg:    cfg,
	}
}

type lockStore struct {
	inner  storage.LockStore
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (l *lockStore) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (storage.LockRecord, bool, error) {
	var (
		rec      storage.LockRecord
		acquired bool
	)
	err := l.withRetry(ctx, "try_acquire", key, func(ctx context.Context) error {
		var err error
		rec, acquired, err = l.inner.TryAcquire(ctx, key, token, ttl)
		return err
	})
	return rec, acquired, err
}

func (l *lockStore) Release(ctx context.Context, key, token string) (bool, error) {
	var released bool
	err := l.withRetry(ctx, "release", key, func(ctx context.Context) error {
		var err error
		released, err = l.inner.Release(ctx, key, token)
		return err
	})
	return released, err
}

func (l *lockStore) Close() error {
	return l.inner.Close()
}

func (l *lockStore) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := l.cfg.MaxAttempts
	delay := l.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		l.logger.Warn("storage transient error",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if err := clock.Wait(ctx, l.clock, delay); err != nil {
			return err
		}
		next := time.Duration(float64(delay) * l.cfg.Multiplier)
		if l.cfg.MaxDelay > 0 && next > l.cfg.MaxDelay {
			next = l.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
