// Package worker claims unprocessed operations, executes them through a
// Dispatcher and records a terminal outcome for each.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sourcegraph/conc/pool"
	"pkt.systems/pslog"

	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/ids"
	"pkt.systems/batchd/internal/loggingutil"
	"pkt.systems/batchd/internal/storage"
	"pkt.systems/batchd/internal/svcfields"
)

const (
	// DefaultBatchSize bounds the rows selected per poll.
	DefaultBatchSize = 100
	// DefaultPollInterval is the sleep after an empty or failed poll.
	DefaultPollInterval = time.Second
	// DefaultConcurrency is the number of rows executed in parallel.
	DefaultConcurrency = 1
	// DefaultReclaimAfter returns stuck PROCESSING rows to the queue.
	DefaultReclaimAfter = 5 * time.Minute
)

// Config tunes a Worker. Zero values take the defaults above.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	// Concurrency bounds how many rows of one batch execute at once. Rows the
	// Dispatcher maps to the same order key still run one after another in
	// CreatedAt order.
	Concurrency int
	// ReclaimAfter returns PROCESSING rows untouched for this long to the
	// queue. A running batch refreshes its rows every ReclaimAfter/3. A
	// negative value disables both.
	ReclaimAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.ReclaimAfter == 0 {
		c.ReclaimAfter = DefaultReclaimAfter
	}
	return c
}

// Stats summarises one RunOnce pass.
type Stats struct {
	Reclaimed int
	Selected  int
	Claimed   int
	Done      int
	Failed    int
	// Skipped counts outcomes the store refused because the row had left
	// PROCESSING while it executed.
	Skipped int
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock overrides the worker clock.
func WithClock(clk clock.Clock) Option {
	return func(w *Worker) { w.clock = clock.Ensure(clk) }
}

// WithLogger sets the worker logger.
func WithLogger(logger pslog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithID sets the worker id used in logs.
func WithID(id string) Option {
	return func(w *Worker) {
		if id != "" {
			w.id = id
		}
	}
}

// Worker polls an OperationStore.
type Worker struct {
	id         string
	store      storage.OperationStore
	dispatcher *Dispatcher
	cfg        Config
	clock      clock.Clock
	logger     pslog.Logger
	metrics    *workerMetrics
}

// New constructs a worker.
func New(store storage.OperationStore, dispatcher *Dispatcher, cfg Config, opts ...Option) *Worker {
	w := &Worker{
		id:         ids.NewXID(),
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		clock:      clock.Real{},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = svcfields.WithSubsystem(loggingutil.EnsureLogger(w.logger), svcfields.SubsystemWorker).With("worker_id", w.id)
	w.metrics = newWorkerMetrics(w.logger)
	return w
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// Config returns the effective configuration.
func (w *Worker) Config() Config { return w.cfg }

// Run polls until ctx is cancelled. A batch that was claimed runs to
// completion even when ctx ends mid-batch.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker.start",
		"batch_size", w.cfg.BatchSize,
		"concurrency", w.cfg.Concurrency,
		"poll_interval", w.cfg.PollInterval,
		"reclaim_after", w.cfg.ReclaimAfter,
	)
	defer w.logger.Info("worker.stop")
	for {
		if ctx.Err() != nil {
			return nil
		}
		stats, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("worker.batch.abandoned", "error", err)
		}
		if err != nil || stats.Claimed == 0 {
			if clock.Wait(ctx, w.clock, w.cfg.PollInterval) != nil {
				return nil
			}
		}
	}
}

// RunOnce performs a single poll. Infrastructure errors abandon the batch
// and are returned; handler errors become ERROR outcomes.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	logger := loggingutil.FromContext(ctx, w.logger)
	if w.cfg.ReclaimAfter > 0 {
		n, err := w.store.ReclaimStale(ctx, w.clock.Now().Add(-w.cfg.ReclaimAfter))
		if err != nil {
			logger.Warn("worker.reclaim.error", "error", err)
		} else if n > 0 {
			stats.Reclaimed = n
			logger.Info("worker.reclaim.requeued", "count", n)
		}
	}

	ops, err := w.store.SelectUnprocessed(ctx, w.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("worker: select: %w", err)
	}
	stats.Selected = len(ops)
	if len(ops) == 0 {
		return stats, nil
	}

	idList := make([]string, len(ops))
	for i, op := range ops {
		idList[i] = op.ID
	}
	claimedIDs, err := w.store.MarkProcessing(ctx, idList)
	if err != nil {
		return stats, fmt.Errorf("worker: claim: %w", err)
	}
	claimedSet := make(map[string]struct{}, len(claimedIDs))
	for _, id := range claimedIDs {
		claimedSet[id] = struct{}{}
	}
	claimed := make([]storage.Operation, 0, len(claimedIDs))
	for _, op := range ops {
		if _, ok := claimedSet[op.ID]; ok {
			claimed = append(claimed, op)
		}
	}
	stats.Claimed = len(claimed)
	if len(claimed) < len(ops) {
		logger.Debug("worker.batch.contended", "selected", len(ops), "claimed", len(claimed))
	}
	if len(claimed) == 0 {
		return stats, nil
	}
	logger.Debug("worker.batch.claimed", "count", len(claimed))

	execCtx := context.WithoutCancel(ctx)
	stopHeartbeat := w.startHeartbeat(execCtx, claimedIDs)
	outcomes := w.execute(execCtx, claimed)
	stopHeartbeat()
	for _, o := range outcomes {
		if o.Status == storage.StatusDone {
			stats.Done++
		} else {
			stats.Failed++
		}
	}
	applied, err := w.store.UpdateOutcomes(execCtx, outcomes)
	if err != nil {
		return stats, fmt.Errorf("worker: record outcomes: %w", err)
	}
	stats.Skipped = len(outcomes) - applied
	if stats.Skipped > 0 {
		logger.Warn("worker.batch.outcomes_skipped", "skipped", stats.Skipped, "claimed", len(claimed))
	}
	w.metrics.record(execCtx, stats)
	logger.Debug("worker.batch.complete", "done", stats.Done, "failed", stats.Failed, "skipped", stats.Skipped)
	return stats, nil
}

// startHeartbeat keeps the claimed rows fresh until the returned func is
// called.
func (w *Worker) startHeartbeat(ctx context.Context, ids []string) func() {
	if w.cfg.ReclaimAfter <= 0 {
		return func() {}
	}
	every := w.cfg.ReclaimAfter / 3
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for clock.Wait(ctx, w.clock, every) == nil {
			n, err := w.store.TouchProcessing(ctx, ids)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("worker.heartbeat.error", "rows", len(ids), "error", err)
				}
				continue
			}
			w.logger.Trace("worker.heartbeat", "rows", len(ids), "touched", n)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// execute runs ops through the pool. Ops sharing an order key form one lane
// and run sequentially in the order given.
func (w *Worker) execute(ctx context.Context, ops []storage.Operation) []storage.Outcome {
	outcomes := make([]storage.Outcome, len(ops))
	var lanes [][]int
	laneByKey := make(map[string]int)
	for i, op := range ops {
		key := w.dispatcher.OrderKey(op)
		if key == "" {
			lanes = append(lanes, []int{i})
			continue
		}
		idx, ok := laneByKey[key]
		if !ok {
			idx = len(lanes)
			laneByKey[key] = idx
			lanes = append(lanes, nil)
		}
		lanes[idx] = append(lanes[idx], i)
	}
	p := pool.New().WithMaxGoroutines(w.cfg.Concurrency)
	for _, lane := range lanes {
		p.Go(func() {
			for _, i := range lane {
				outcomes[i] = w.executeOne(ctx, ops[i])
			}
		})
	}
	p.Wait()
	return outcomes
}

func (w *Worker) executeOne(ctx context.Context, op storage.Operation) (out storage.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker.handler.panic", "operation_id", op.ID, "type", string(op.Type), "panic", r, "stack", string(debug.Stack()))
			out = storage.Failed(op.ID, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := w.dispatcher.Dispatch(ctx, op); err != nil {
		w.logger.Debug("worker.operation.failed", "operation_id", op.ID, "type", string(op.Type), "error", err)
		return storage.Failed(op.ID, err)
	}
	return storage.Done(op.ID)
}
