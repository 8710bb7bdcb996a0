package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/batchd/internal/locks"
	"pkt.systems/batchd/internal/loggingutil"
)

// AcquireLock takes the operation:subject lock for TTLSeconds. Contention
// returns the holder's result together with a lock_held Failure. A lock
// store error fails closed.
func (s *Service) AcquireLock(ctx context.Context, cmd AcquireLockCommand) (locks.Result, error) {
	start := s.clock.Now()
	key := locks.Key(cmd.Operation, cmd.Subject)
	if cmd.Operation == "" || cmd.Subject == "" {
		s.metrics.recordLock(ctx, "invalid", 0)
		return locks.Result{}, Failure{Code: "invalid_lock_key", Detail: "operation and subject are required", HTTPStatus: 400}
	}
	res, err := s.locks.Acquire(ctx, key, cmd.TTLSeconds)
	elapsed := s.clock.Now().Sub(start)
	switch {
	case errors.Is(err, locks.ErrInvalidTTL):
		s.metrics.recordLock(ctx, "invalid", elapsed)
		return locks.Result{}, Failure{Code: "invalid_ttl", Detail: "ttl_seconds must be positive", HTTPStatus: 400}
	case errors.Is(err, locks.ErrInvalidKey):
		s.metrics.recordLock(ctx, "invalid", elapsed)
		return locks.Result{}, Failure{Code: "invalid_lock_key", Detail: err.Error(), HTTPStatus: 400}
	case err != nil:
		s.metrics.recordLock(ctx, "error", elapsed)
		loggingutil.FromContext(ctx, s.logger).Error("core.lock.store_unavailable", "key", key, "error", err)
		return locks.Result{}, Failure{Code: "lock_store_unavailable", Detail: err.Error(), HTTPStatus: 503}
	}
	if !res.Acquired {
		s.metrics.recordLock(ctx, "held", elapsed)
		return res, Failure{
			Code:       "lock_held",
			Detail:     fmt.Sprintf("%s is held since %s", key, res.CreatedAt.UTC().Format(time.RFC3339)),
			RetryAfter: res.RetryAfter(),
			HTTPStatus: 409,
		}
	}
	s.metrics.recordLock(ctx, "acquired", elapsed)
	return res, nil
}
