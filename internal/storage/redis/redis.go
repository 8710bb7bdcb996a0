// Package redis implements storage.LockStore on Redis with SET NX PX.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"pkt.systems/pslog"

	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/loggingutil"
	"pkt.systems/batchd/internal/storage"
	"pkt.systems/batchd/internal/svcfields"
)

// DefaultPrefix namespaces lock keys.
const DefaultPrefix = "batchd:lock:"

const acquireAttempts = 3

// releaseScript deletes KEYS[1] only when it still holds ARGV[1].
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to stamp lock records. Expiry itself is
// enforced by the Redis server.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) { s.clock = clock.Ensure(clk) }
}

// WithLogger sets the store logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// Store implements storage.LockStore.
type Store struct {
	client goredis.UniversalClient
	prefix string
	clock  clock.Clock
	logger pslog.Logger
}

type lockValue struct {
	Token     string `json:"token"`
	CreatedAt int64  `json:"created_at_us"`
	ExpiresAt int64  `json:"expires_at_us"`
}

// Open parses a redis:// or rediss:// URL, connects and pings the server.
func Open(ctx context.Context, rawURL string, opts ...Option) (*Store, error) {
	options, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := goredis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", options.Addr, err)
	}
	return New(client, opts...), nil
}

// New wraps an existing client.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix, clock: clock.Real{}}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = svcfields.WithSubsystem(loggingutil.EnsureLogger(s.logger), svcfields.SubsystemStorage+".redis")
	return s
}

// TryAcquire stores the record with SET NX PX. On contention it returns the
// current holder.
func (s *Store) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (storage.LockRecord, bool, error) {
	if ttl <= 0 {
		return storage.LockRecord{}, false, fmt.Errorf("redis: ttl must be positive")
	}
	redisKey := s.prefix + key
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		now := s.clock.Now()
		rec := storage.LockRecord{Key: key, Token: token, CreatedAt: now, ExpiresAt: now.Add(ttl)}
		payload, err := json.Marshal(lockValue{Token: token, CreatedAt: now.UnixMicro(), ExpiresAt: rec.ExpiresAt.UnixMicro()})
		if err != nil {
			return storage.LockRecord{}, false, fmt.Errorf("redis: encode lock: %w", err)
		}
		ok, err := s.client.SetNX(ctx, redisKey, payload, ttl).Result()
		if err != nil {
			return storage.LockRecord{}, false, wrapError(err, "redis: setnx")
		}
		if ok {
			return rec, true, nil
		}
		holder, _, err := s.load(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			loggingutil.FromContext(ctx, s.logger).Debug("redis.lock.holder_vanished", "key", key, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return storage.LockRecord{}, false, err
		}
		return holder, false, nil
	}
	return storage.LockRecord{}, false, fmt.Errorf("redis: acquire %s: %w", key, storage.ErrCASMismatch)
}

// Release deletes key when token still owns it.
func (s *Store) Release(ctx context.Context, key, token string) (bool, error) {
	holder, raw, err := s.load(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if holder.Token != token {
		return false, nil
	}
	n, err := releaseScript.Run(ctx, s.client, []string{s.prefix + key}, raw).Int64()
	if err != nil {
		return false, wrapError(err, "redis: release")
	}
	return n > 0, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) load(ctx context.Context, key string) (storage.LockRecord, string, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return storage.LockRecord{}, "", storage.ErrNotFound
	}
	if err != nil {
		return storage.LockRecord{}, "", wrapError(err, "redis: get")
	}
	var v lockValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return storage.LockRecord{}, "", fmt.Errorf("redis: decode lock %s: %w", key, err)
	}
	return storage.LockRecord{
		Key:       key,
		Token:     v.Token,
		CreatedAt: time.UnixMicro(v.CreatedAt).UTC(),
		ExpiresAt: time.UnixMicro(v.ExpiresAt).UTC(),
	}, raw, nil
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isRetryable(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, goredis.ErrClosed) {
		return false
	}
	if goredis.HasErrorPrefix(err, "LOADING") || goredis.HasErrorPrefix(err, "TRYAGAIN") || goredis.HasErrorPrefix(err, "BUSY") {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "EOF")
}
