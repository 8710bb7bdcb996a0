// Package flush moves buffered operations into the operation store on a
// time-gated schedule and once more, synchronously, on shutdown.
package flush

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/batchd/internal/buffer"
	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/loggingutil"
	"pkt.systems/batchd/internal/storage"
	"pkt.systems/batchd/internal/svcfields"
)

// DefaultInterval is used when the interval source reports a non-positive
// duration.
const DefaultInterval = time.Second

// IntervalSource reports the current flush interval. It is consulted on
// every tick so changes take effect without a restart.
type IntervalSource interface {
	FlushInterval() time.Duration
}

// FixedInterval is an IntervalSource that never changes.
type FixedInterval time.Duration

// FlushInterval implements IntervalSource.
func (f FixedInterval) FlushInterval() time.Duration { return time.Duration(f) }

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduler clock.
func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) { s.clock = clock.Ensure(clk) }
}

// WithLogger sets the scheduler logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Scheduler drains a buffer into an OperationInserter.
type Scheduler struct {
	buf      *buffer.Buffer
	store    storage.OperationInserter
	interval IntervalSource
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *flushMetrics

	flushMu   sync.Mutex
	lastFlush time.Time

	stateMu  sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New constructs a scheduler. It does nothing until Start.
func New(buf *buffer.Buffer, store storage.OperationInserter, interval IntervalSource, opts ...Option) *Scheduler {
	if interval == nil {
		interval = FixedInterval(DefaultInterval)
	}
	s := &Scheduler{
		buf:      buf,
		store:    store,
		interval: interval,
		clock:    clock.Real{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = svcfields.WithSubsystem(loggingutil.EnsureLogger(s.logger), svcfields.SubsystemFlush)
	s.metrics = newFlushMetrics(s.logger)
	return s
}

func (s *Scheduler) currentInterval() time.Duration {
	d := s.interval.FlushInterval()
	if d <= 0 {
		return DefaultInterval
	}
	return d
}

// Start launches the tick loop. Only the first call has an effect, and a
// stopped scheduler cannot be restarted.
func (s *Scheduler) Start(ctx context.Context) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.flushMu.Lock()
	s.lastFlush = s.clock.Now()
	s.flushMu.Unlock()
	s.logger.Info("flush.scheduler.start", "interval", s.currentInterval())
	go func() {
		defer close(s.loopDone)
		s.run(runCtx)
	}()
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		interval := s.currentInterval()
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
		}
		s.tick(ctx, interval)
	}
}

// tick flushes when more than interval has passed since the last flush. The
// insert runs on a context detached from loop cancellation so Stop never
// abandons drained rows mid-write.
func (s *Scheduler) tick(ctx context.Context, interval time.Duration) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	now := s.clock.Now()
	if now.Sub(s.lastFlush) <= interval {
		return
	}
	drained, _, err := s.flushLocked(context.WithoutCancel(ctx))
	if drained > 0 {
		s.lastFlush = now
	}
	if err != nil {
		s.logger.Error("flush.tick.error", "drained", drained, "error", err)
	}
}

// Flush drains the buffer and bulk-inserts the entries, bypassing the time
// gate. It returns the number of rows the store inserted.
func (s *Scheduler) Flush(ctx context.Context) (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	drained, inserted, err := s.flushLocked(ctx)
	if drained > 0 {
		s.lastFlush = s.clock.Now()
	}
	return inserted, err
}

func (s *Scheduler) flushLocked(ctx context.Context) (int, int, error) {
	ops := s.buf.DrainAll()
	if len(ops) == 0 {
		return 0, 0, nil
	}
	logger := loggingutil.FromContext(ctx, s.logger)
	start := s.clock.Now()
	inserted, err := s.store.BulkInsert(ctx, ops)
	elapsed := s.clock.Now().Sub(start)
	s.metrics.record(ctx, len(ops), inserted, err)
	if err != nil {
		return len(ops), inserted, err
	}
	logger.Debug("flush.batch.inserted",
		"drained", len(ops),
		"inserted", inserted,
		"skipped", len(ops)-inserted,
		"elapsed", elapsed,
	)
	return len(ops), inserted, nil
}

// finalFlushGrace bounds the final flush when the caller's context has
// already expired.
const finalFlushGrace = 5 * time.Second

// Stop halts future ticks, waits for the loop to exit and performs a final
// synchronous flush. The flush is attempted even when ctx ends first, in
// which case it runs on a detached context bounded by finalFlushGrace.
// Calls after the first return nil.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stateMu.Lock()
	if s.stopped {
		s.stateMu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, loopDone := s.cancel, s.loopDone
	s.stateMu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		select {
		case <-loopDone:
		case <-ctx.Done():
			s.logger.Warn("flush.shutdown.loop_timeout", "error", ctx.Err())
			errs = append(errs, fmt.Errorf("flush: loop did not exit before shutdown deadline: %w", ctx.Err()))
		}
	}
	flushCtx := ctx
	if ctx.Err() != nil {
		var cancelFlush context.CancelFunc
		flushCtx, cancelFlush = context.WithTimeout(context.WithoutCancel(ctx), finalFlushGrace)
		defer cancelFlush()
	}
	inserted, err := s.Flush(flushCtx)
	if err != nil {
		s.logger.Error("flush.shutdown.error", "error", err)
		return errors.Join(append(errs, err)...)
	}
	s.logger.Info("flush.shutdown.complete", "inserted", inserted)
	return errors.Join(errs...)
}
