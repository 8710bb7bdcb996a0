// Package buffer holds submitted operations in memory until the flush
// scheduler moves them to the operation store.
package buffer

import (
	"sync"

	"pkt.systems/batchd/internal/storage"
)

// Buffer is a mutex-guarded map keyed by operation id. A later Put for the
// same id replaces the earlier entry.
type Buffer struct {
	mu      sync.Mutex
	entries map[string]storage.Operation
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{entries: make(map[string]storage.Operation)}
}

// Put stores op as UNPROCESSED, replacing any entry with the same id.
func (b *Buffer) Put(op storage.Operation) {
	op.Status = storage.StatusUnprocessed
	op.Error = nil
	b.mu.Lock()
	b.entries[op.ID] = op
	b.mu.Unlock()
}

// DrainAll returns every entry and empties the buffer in one critical
// section. It returns nil when the buffer is empty.
func (b *Buffer) DrainAll() []storage.Operation {
	b.mu.Lock()
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return nil
	}
	drained := b.entries
	b.entries = make(map[string]storage.Operation, len(drained))
	b.mu.Unlock()

	out := make([]storage.Operation, 0, len(drained))
	for _, op := range drained {
		out = append(out, op)
	}
	return out
}

// Len reports the number of buffered operations.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
