package buffer

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"pkt.systems/batchd/internal/storage"
)

func TestPutLastWriteWins(t *testing.T) {
	b := New()
	b.Put(storage.Operation{ID: "k", Type: storage.OperationInsert, Payload: json.RawMessage(`1`)})
	b.Put(storage.Operation{ID: "k", Type: storage.OperationUpdate, Payload: json.RawMessage(`2`)})
	got := b.DrainAll()
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].Type != storage.OperationUpdate || string(got[0].Payload) != "2" {
		t.Fatalf("expected second submission, got %+v", got[0])
	}
}

func TestDrainAllEmptiesBuffer(t *testing.T) {
	b := New()
	b.Put(storage.Operation{ID: "a"})
	b.Put(storage.Operation{ID: "b"})
	if n := b.Len(); n != 2 {
		t.Fatalf("expected len 2, got %d", n)
	}
	if first := b.DrainAll(); len(first) != 2 {
		t.Fatalf("expected 2 drained, got %d", len(first))
	}
	if second := b.DrainAll(); second != nil {
		t.Fatalf("expected nil on second drain, got %v", second)
	}
	if n := b.Len(); n != 0 {
		t.Fatalf("expected empty buffer, got %d", n)
	}
}

func TestPutForcesUnprocessed(t *testing.T) {
	b := New()
	msg := "stale"
	b.Put(storage.Operation{ID: "a", Status: storage.StatusDone, Error: &msg})
	got := b.DrainAll()
	if got[0].Status != storage.StatusUnprocessed || got[0].Error != nil {
		t.Fatalf("expected UNPROCESSED without error, got %+v", got[0])
	}
}

func TestConcurrentPutAndDrain(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]int)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				b.Put(storage.Operation{ID: fmt.Sprintf("w%d-%d", w, i)})
			}
		}(w)
	}
	done := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			for _, op := range b.DrainAll() {
				mu.Lock()
				seen[op.ID]++
				mu.Unlock()
			}
			select {
			case <-done:
				return
			default:
			}
		}
	}()
	wg.Wait()
	close(done)
	<-drained
	for _, op := range b.DrainAll() {
		mu.Lock()
		seen[op.ID]++
		mu.Unlock()
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1000 {
		t.Fatalf("expected 1000 distinct ids, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("expected %s drained once, got %d", id, n)
		}
	}
}
