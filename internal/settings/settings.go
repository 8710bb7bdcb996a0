// Package settings overlays the durable settings table on compiled
// defaults and refreshes the overlay periodically.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/loggingutil"
	"pkt.systems/batchd/internal/storage"
	"pkt.systems/batchd/internal/svcfields"
)

const (
	// KeyFlushInterval is the flush interval in milliseconds.
	KeyFlushInterval = "BATCH_INSERT_OPERATION_INTERVAL"
	// DefaultFlushIntervalMillis applies until the table overrides it.
	DefaultFlushIntervalMillis = 1000
	// DefaultPullInterval is how often the table is re-read.
	DefaultPullInterval = 5 * time.Minute
)

// Defaults returns the compiled default values, JSON encoded.
func Defaults() map[string]string {
	return map[string]string{
		KeyFlushInterval: strconv.Itoa(DefaultFlushIntervalMillis),
	}
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock driving the pull loop.
func WithClock(clk clock.Clock) Option {
	return func(s *Service) { s.clock = clock.Ensure(clk) }
}

// WithLogger sets the service logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPullInterval overrides DefaultPullInterval. Non-positive values are
// ignored.
func WithPullInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pullInterval = d
		}
	}
}

// Service serves setting values read from a storage.SettingsStore.
type Service struct {
	store        storage.SettingsStore
	clock        clock.Clock
	logger       pslog.Logger
	pullInterval time.Duration

	mu     sync.RWMutex
	values map[string]string
	pulled time.Time

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Service holding the compiled defaults.
func New(store storage.SettingsStore, opts ...Option) *Service {
	s := &Service{
		store:        store,
		clock:        clock.Real{},
		pullInterval: DefaultPullInterval,
		values:       Defaults(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = svcfields.WithSubsystem(loggingutil.EnsureLogger(s.logger), svcfields.SubsystemSettings)
	return s
}

// Pull reads every row and overlays it on the defaults. On failure the
// previous values stay in effect.
func (s *Service) Pull(ctx context.Context) error {
	rows, err := s.store.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("settings: pull: %w", err)
	}
	next := Defaults()
	for k, v := range rows {
		next[k] = v
	}
	s.mu.Lock()
	changed := changedKeys(s.values, next)
	s.values = next
	s.pulled = s.clock.Now()
	s.mu.Unlock()
	if len(changed) > 0 {
		s.logger.Info("settings.pull.changed", "keys", strings.Join(changed, ","))
	}
	return nil
}

func changedKeys(prev, next map[string]string) []string {
	var out []string
	for k, v := range next {
		if old, ok := prev[k]; !ok || old != v {
			out = append(out, k)
		}
	}
	return out
}

// Start pulls once and then keeps pulling every pull interval until Stop.
// The initial pull error is returned but the loop starts anyway so a
// temporarily unavailable store recovers on its own.
func (s *Service) Start(ctx context.Context) error {
	err := s.Pull(ctx)
	if err != nil {
		s.logger.Warn("settings.pull.initial_failed", "error", err)
	}
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.cancel != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		for {
			if clock.Wait(runCtx, s.clock, s.pullInterval) != nil {
				return
			}
			if err := s.Pull(runCtx); err != nil && runCtx.Err() == nil {
				s.logger.Warn("settings.pull.failed", "error", err)
			}
		}
	}()
	return err
}

// Stop ends the pull loop and waits for it to exit.
func (s *Service) Stop() {
	s.loopMu.Lock()
	cancel, done := s.cancel, s.done
	s.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// LastPull reports when the table was last read successfully.
func (s *Service) LastPull() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pulled
}

// String returns the raw JSON value stored for key, unquoting JSON strings.
func (s *Service) String(key string) (string, bool) {
	s.mu.RLock()
	raw, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	var str string
	if err := json.Unmarshal([]byte(raw), &str); err == nil {
		return str, true
	}
	return raw, true
}

// Int returns key as an integer. Bare and quoted numbers are accepted;
// anything else yields fallback.
func (s *Service) Int(key string, fallback int64) int64 {
	raw, ok := s.String(key)
	if !ok {
		return fallback
	}
	raw = strings.TrimSpace(raw)
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return int64(f)
	}
	return fallback
}

// FlushInterval returns BATCH_INSERT_OPERATION_INTERVAL as a duration.
// Invalid or non-positive values fall back to the default.
func (s *Service) FlushInterval() time.Duration {
	ms := s.Int(KeyFlushInterval, DefaultFlushIntervalMillis)
	if ms <= 0 {
		ms = DefaultFlushIntervalMillis
	}
	return time.Duration(ms) * time.Millisecond
}
