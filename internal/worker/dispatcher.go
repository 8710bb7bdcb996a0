package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"pkt.systems/batchd/internal/storage"
)

// Handler executes one operation payload.
type Handler interface {
	Execute(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// Dispatcher routes operations to the handler registered for their type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[storage.OperationType]Handler
	orderKey func(storage.Operation) string
}

// NewDispatcher returns a dispatcher with no handlers.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[storage.OperationType]Handler)}
}

// Register installs h for t, replacing any previous handler.
func (d *Dispatcher) Register(t storage.OperationType, h Handler) {
	d.mu.Lock()
	d.handlers[t] = h
	d.mu.Unlock()
}

// Handles reports whether a handler is registered for t.
func (d *Dispatcher) Handles(t storage.OperationType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[t]
	return ok
}

// SetOrderKey installs fn to group operations that must not run
// concurrently. Operations with an empty key are unordered.
func (d *Dispatcher) SetOrderKey(fn func(storage.Operation) string) {
	d.mu.Lock()
	d.orderKey = fn
	d.mu.Unlock()
}

// OrderKey returns the ordering key of op, or "" when none is configured.
func (d *Dispatcher) OrderKey(op storage.Operation) string {
	d.mu.RLock()
	fn := d.orderKey
	d.mu.RUnlock()
	if fn == nil {
		return ""
	}
	return fn(op)
}

// Dispatch runs op through its handler.
func (d *Dispatcher) Dispatch(ctx context.Context, op storage.Operation) error {
	d.mu.RLock()
	h, ok := d.handlers[op.Type]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown operation type %q", string(op.Type))
	}
	return h.Execute(ctx, op.Payload)
}
