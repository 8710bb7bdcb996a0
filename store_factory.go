package batchd

import (
	"context"
	"fmt"
	"io"

	"pkt.systems/pslog"

	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/storage"
	"pkt.systems/batchd/internal/storage/memory"
	redisstore "pkt.systems/batchd/internal/storage/redis"
	"pkt.systems/batchd/internal/storage/s3"
	"pkt.systems/batchd/internal/storage/sqlstore"
)

// Backend is the durable store behind operations, records, the service
// registry and settings. The memory and SQL stores implement it.
type Backend interface {
	storage.OperationStore
	storage.RecordStore
	storage.ServiceStore
	storage.SettingsStore
}

// openBackend opens cfg.Store and applies pending migrations. The returned
// value also implements storage.LockStore and io.Closer.
func openBackend(ctx context.Context, rawURL string, clk clock.Clock, logger pslog.Logger) (Backend, error) {
	scheme, err := storeScheme(rawURL)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "mem", "memory":
		return memory.New(memory.WithClock(clk)), nil
	case "sqlite", "postgres", "postgresql":
		store, err := sqlstore.Open(ctx, rawURL, sqlstore.WithClock(clk), sqlstore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if _, err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("store scheme %q cannot hold operations", scheme)
	}
}

// openLockStore opens a dedicated lock store. Relational and memory URLs are
// accepted too so locks can live apart from the operation table.
func openLockStore(ctx context.Context, rawURL string, clk clock.Clock, logger pslog.Logger) (storage.LockStore, error) {
	scheme, err := storeScheme(rawURL)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "redis", "rediss":
		return redisstore.Open(ctx, rawURL, redisstore.WithClock(clk), redisstore.WithLogger(logger))
	case "s3":
		s3cfg, err := s3.FromURL(rawURL)
		if err != nil {
			return nil, err
		}
		s3cfg.Clock = clk
		s3cfg.Logger = logger
		store, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		exists, err := store.BucketExists(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: check bucket %q: %w", s3cfg.Bucket, err)
		}
		if !exists {
			return nil, fmt.Errorf("s3: bucket %q does not exist", s3cfg.Bucket)
		}
		return store, nil
	default:
		backend, err := openBackend(ctx, rawURL, clk, logger)
		if err != nil {
			return nil, err
		}
		locks, ok := backend.(storage.LockStore)
		if !ok {
			closeStore(backend)
			return nil, fmt.Errorf("store scheme %q cannot hold locks", scheme)
		}
		return locks, nil
	}
}

func closeStore(v any) error {
	if c, ok := v.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// OpenStore opens and migrates a Store URL outside a running server. The
// result implements io.Closer.
func OpenStore(ctx context.Context, rawURL string, logger pslog.Logger) (Backend, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return openBackend(ctx, rawURL, clock.Real{}, logger)
}

// CloseStore closes a store returned by OpenStore.
func CloseStore(b Backend) error {
	return closeStore(b)
}
