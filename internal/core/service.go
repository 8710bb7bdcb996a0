// Package core implements the batchd public operations independently of
// any transport. Errors meant for callers are returned as Failure.
package core

import (
	"pkt.systems/pslog"

	"pkt.systems/batchd/internal/buffer"
	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/locks"
	"pkt.systems/batchd/internal/loggingutil"
	"pkt.systems/batchd/internal/registry"
	"pkt.systems/batchd/internal/storage"
	"pkt.systems/batchd/internal/svcfields"
)

// Service aggregates transport-agnostic domain services.
type Service struct {
	buffer      *buffer.Buffer
	operations  storage.OperationStore
	locks       *locks.Manager
	registry    *registry.Registry
	logger      pslog.Logger
	clock       clock.Clock
	maxIDLength int
	maxPayload  int
	metrics     *coreMetrics
}

// New constructs the core Service with sane defaults.
func New(cfg Config) *Service {
	logger := svcfields.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), svcfields.SubsystemCore)
	maxID := cfg.MaxOperationIDLength
	if maxID <= 0 {
		maxID = DefaultMaxOperationIDLength
	}
	return &Service{
		buffer:      cfg.Buffer,
		operations:  cfg.Operations,
		locks:       cfg.Locks,
		registry:    cfg.Registry,
		logger:      logger,
		clock:       clock.Ensure(cfg.Clock),
		maxIDLength: maxID,
		maxPayload:  cfg.MaxPayloadBytes,
		metrics:     newCoreMetrics(logger),
	}
}

// BufferedOperations reports how many operations wait for the next flush.
func (s *Service) BufferedOperations() int {
	if s.buffer == nil {
		return 0
	}
	return s.buffer.Len()
}
