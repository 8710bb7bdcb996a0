package core

import (
	"pkt.systems/pslog"

	"pkt.systems/batchd/internal/buffer"
	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/locks"
	"pkt.systems/batchd/internal/registry"
	"pkt.systems/batchd/internal/storage"
)

// Config captures the dependencies of the core service. It mirrors the
// HTTP handler wiring but is transport agnostic.
type Config struct {
	Buffer     *buffer.Buffer
	Operations storage.OperationStore
	Locks      *locks.Manager
	Registry   *registry.Registry
	Logger     pslog.Logger
	Clock      clock.Clock

	// MaxOperationIDLength bounds caller supplied idempotency keys.
	MaxOperationIDLength int
	// MaxPayloadBytes bounds operation payloads. Zero disables the check.
	MaxPayloadBytes int
}

// DefaultMaxOperationIDLength applies when Config leaves it unset.
const DefaultMaxOperationIDLength = 256
