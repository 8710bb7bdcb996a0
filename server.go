package batchd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sourcegraph/conc"
	"pkt.systems/pslog"

	"pkt.systems/batchd/internal/buffer"
	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/core"
	"pkt.systems/batchd/internal/flush"
	"pkt.systems/batchd/internal/httpapi"
	"pkt.systems/batchd/internal/locks"
	"pkt.systems/batchd/internal/registry"
	"pkt.systems/batchd/internal/settings"
	"pkt.systems/batchd/internal/storage"
	loggingstore "pkt.systems/batchd/internal/storage/logging"
	"pkt.systems/batchd/internal/storage/retry"
	"pkt.systems/batchd/internal/svcfields"
	"pkt.systems/batchd/internal/worker"
)

// Server wires the buffer, flush scheduler, workers, lock manager, service
// registry and HTTP API on top of one durable store.
type Server struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	backend     Backend
	ownsBackend bool
	lockStore   storage.LockStore
	ownsLocks   bool

	buffer    *buffer.Buffer
	settings  *settings.Service
	scheduler *flush.Scheduler
	workers   []*worker.Worker
	core      *core.Service

	httpSrv   *http.Server
	listener  net.Listener
	telemetry *telemetryBundle

	runCtx       context.Context
	runCancel    context.CancelFunc
	workerCancel context.CancelFunc
	workerGroup  conc.WaitGroup

	mu           sync.Mutex
	started      bool
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
	shutdownDone chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger     pslog.Logger
	Clock      clock.Clock
	Backend    Backend
	LockStore  storage.LockStore
	Dispatcher *worker.Dispatcher
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOperationStore injects a pre-built store instead of opening
// Config.Store. The caller keeps ownership and closes it.
func WithOperationStore(b Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithLockStore injects a pre-built lock store instead of opening
// Config.LockStore. The caller keeps ownership and closes it.
func WithLockStore(l storage.LockStore) Option {
	return func(o *options) {
		o.LockStore = l
	}
}

// WithDispatcher replaces the default record dispatcher used by workers.
func WithDispatcher(d *worker.Dispatcher) Option {
	return func(o *options) {
		o.Dispatcher = d
	}
}

// NewServer constructs a batchd server according to cfg.
// Example:
//
//	cfg := batchd.Config{Store: "sqlite:///var/lib/batchd/batchd.db", Listen: ":9380"}
//	srv, err := batchd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (srv *Server, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := clock.Ensure(o.Clock)
	s := &Server{
		cfg:          cfg,
		logger:       svcfields.WithSubsystem(logger, svcfields.SubsystemServer),
		clock:        clk,
		readyCh:      make(chan struct{}),
		shutdownDone: make(chan struct{}),
	}
	defer func() {
		if err != nil {
			s.releaseResources(context.Background())
		}
	}()

	ctx := context.Background()
	s.telemetry, err = setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableProfilingMetrics,
	}, logger.With("svc", "telemetry"))
	if err != nil {
		return nil, err
	}

	s.backend = o.Backend
	if s.backend == nil {
		s.backend, err = openBackend(ctx, cfg.Store, clk, logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		s.ownsBackend = true
	}
	lockStore := o.LockStore
	switch {
	case lockStore != nil:
	case cfg.LockStore != "":
		lockStore, err = openLockStore(ctx, cfg.LockStore, clk, logger)
		if err != nil {
			return nil, fmt.Errorf("open lock store: %w", err)
		}
		s.ownsLocks = true
	default:
		var ok bool
		lockStore, ok = s.backend.(storage.LockStore)
		if !ok {
			return nil, fmt.Errorf("store %T cannot hold locks; configure a lock store", s.backend)
		}
	}
	s.lockStore = retry.Wrap(lockStore, logger, clk, retry.Config{
		MaxAttempts: cfg.LockRetryMaxAttempts,
		BaseDelay:   cfg.LockRetryBaseDelay,
		MaxDelay:    cfg.LockRetryMaxDelay,
		Multiplier:  cfg.LockRetryMultiplier,
	})

	operations := loggingstore.Wrap(s.backend, logger, svcfields.SubsystemStorage)
	s.buffer = buffer.New()
	s.settings = settings.New(s.backend,
		settings.WithClock(clk),
		settings.WithLogger(logger),
		settings.WithPullInterval(cfg.SettingsPullInterval),
	)
	s.scheduler = flush.New(s.buffer, operations, s.settings,
		flush.WithClock(clk),
		flush.WithLogger(logger),
	)
	dispatcher := o.Dispatcher
	if dispatcher == nil {
		dispatcher = worker.NewRecordDispatcher(s.backend)
	}
	workerCfg := worker.Config{
		BatchSize:    cfg.WorkerBatchSize,
		PollInterval: cfg.WorkerPollInterval,
		Concurrency:  cfg.WorkerConcurrency,
		ReclaimAfter: cfg.ReclaimAfter,
	}
	for range cfg.Workers {
		s.workers = append(s.workers, worker.New(operations, dispatcher, workerCfg,
			worker.WithClock(clk),
			worker.WithLogger(logger),
		))
	}
	s.core = core.New(core.Config{
		Buffer:               s.buffer,
		Operations:           operations,
		Locks:                locks.NewManager(s.lockStore, locks.WithClock(clk), locks.WithLogger(logger)),
		Registry:             registry.New(s.backend, registry.WithClock(clk), registry.WithLogger(logger)),
		Logger:               logger,
		Clock:                clk,
		MaxOperationIDLength: cfg.MaxOperationIDLength,
		MaxPayloadBytes:      int(cfg.MaxBodyBytes),
	})

	mux := http.NewServeMux()
	httpapi.New(httpapi.Config{
		Core:               s.core,
		Logger:             logger,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		HTTPTracingEnabled: cfg.OTLPEndpoint != "",
	}).Register(mux)
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())

	s.logger.Info("server.config",
		"store", redactURL(cfg.Store),
		"lock_store", redactURL(cfg.LockStore),
		"workers", cfg.Workers,
		"worker_batch_size", cfg.WorkerBatchSize,
		"worker_concurrency", cfg.WorkerConcurrency,
		"reclaim_after", cfg.ReclaimAfter,
		"settings_pull_interval", cfg.SettingsPullInterval,
		"max_body", humanize.IBytes(uint64(cfg.MaxBodyBytes)),
	)
	return s, nil
}

// Core exposes the transport independent operations, for embedding batchd
// behind another transport.
func (s *Server) Core() *core.Service {
	return s.core
}

// Handler exposes the HTTP handler so callers can mount it on their own mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Flush drains the buffer into the store immediately.
func (s *Server) Flush(ctx context.Context) (int, error) {
	return s.scheduler.Flush(ctx)
}

// Start launches settings, the flush scheduler and workers, then serves HTTP
// until Shutdown. It blocks.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	workerCtx, cancel := context.WithCancel(s.runCtx)
	s.workerCancel = cancel
	s.mu.Unlock()

	if err := s.settings.Start(s.runCtx); err != nil {
		s.logger.Warn("server.settings.initial_pull_failed", "error", err)
	}
	s.scheduler.Start(s.runCtx)
	for _, w := range s.workers {
		s.workerGroup.Go(func() {
			if err := w.Run(workerCtx); err != nil {
				s.logger.Error("server.worker.exit", "worker_id", w.ID(), "error", err)
			}
		})
	}

	s.signalReady()
	s.logger.Info("listening",
		"address", ln.Addr().String(),
		"flush_interval", s.settings.FlushInterval(),
		"workers", len(s.workers),
	)
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown stops accepting requests, lets workers finish their in-flight
// batch, flushes the buffer one last time and closes the stores. Later calls
// wait for the first one to finish and return nil.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		select {
		case <-s.shutdownDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.shutdown = true
	workerCancel := s.workerCancel
	s.mu.Unlock()
	defer close(s.shutdownDone)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	begin := s.clock.Now()
	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	// The final flush runs before the worker wait, on its own budget.
	flushCtx, cancelFlush := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	err := s.scheduler.Stop(flushCtx)
	cancelFlush()
	if err != nil {
		errs = append(errs, fmt.Errorf("final flush: %w", err))
	}
	if workerCancel != nil {
		workerCancel()
		done := make(chan struct{})
		go func() {
			s.workerGroup.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("workers: %w", ctx.Err()))
		}
	}
	s.settings.Stop()
	errs = append(errs, s.releaseResources(ctx)...)
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	s.logger.Info("server.shutdown.complete",
		"elapsed", s.clock.Now().Sub(begin),
		"errors", len(errs),
	)
	return errors.Join(errs...)
}

// releaseResources closes owned stores and telemetry.
func (s *Server) releaseResources(ctx context.Context) []error {
	var errs []error
	if s.runCancel != nil {
		s.runCancel()
	}
	if s.ownsLocks && s.lockStore != nil {
		if err := closeStore(s.lockStore); err != nil {
			errs = append(errs, fmt.Errorf("close lock store: %w", err))
		}
		s.ownsLocks = false
	}
	if s.ownsBackend && s.backend != nil {
		if err := closeStore(s.backend); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		s.ownsBackend = false
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	return errs
}

// redactURL hides credentials before a store URL reaches the logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound HTTP address once Start has listened.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// MetricsAddr returns the bound metrics address, if metrics are enabled.
func (s *Server) MetricsAddr() net.Addr {
	return s.telemetry.listener("metrics")
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error observed by the most recent Serve call.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a goroutine and returns a stop function that
// performs graceful shutdown. When ctx ends the server is stopped as well.
// Example:
//
//	srv, stop, err := batchd.StartServer(ctx, batchd.Config{Store: "mem://"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		return nil, nil, err
	case <-waitCtx.Done():
		_ = srv.Shutdown(context.Background())
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			stopErr = srv.Shutdown(shutdownCtx)
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
