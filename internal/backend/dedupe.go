package backend

import (
	"context"
	"sync"
)

type dedupeKeyType struct{}

// WithDedupeKey marks requests made with ctx as belonging to key. Starting
// a request with a key cancels the in-flight request holding the same
// key; its caller receives ErrSuperseded.
func WithDedupeKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, dedupeKeyType{}, key)
}

// DedupeKey returns the key set by WithDedupeKey, if any.
func DedupeKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(dedupeKeyType{}).(string)
	return key, ok && key != ""
}

type dedupeEntry struct {
	id     uint64
	cancel context.CancelCauseFunc
}

// dedupeTable tracks the newest in-flight request per key.
type dedupeTable struct {
	mu       sync.Mutex
	seq      uint64
	inflight map[string]dedupeEntry
}

func newDedupeTable() *dedupeTable {
	return &dedupeTable{inflight: make(map[string]dedupeEntry)}
}

// acquire registers a request. The returned release must be called when
// the request finishes.
func (t *dedupeTable) acquire(ctx context.Context) (context.Context, func()) {
	key, ok := DedupeKey(ctx)
	if !ok {
		return ctx, func() {}
	}

	ctx, cancel := context.WithCancelCause(ctx)

	t.mu.Lock()
	if prev, ok := t.inflight[key]; ok {
		prev.cancel(ErrSuperseded)
	}
	t.seq++
	id := t.seq
	t.inflight[key] = dedupeEntry{id: id, cancel: cancel}
	t.mu.Unlock()

	return ctx, func() {
		t.mu.Lock()
		if cur, ok := t.inflight[key]; ok && cur.id == id {
			delete(t.inflight, key)
		}
		t.mu.Unlock()
		cancel(nil)
	}
}

// inflightCount is the number of keys with a request in flight.
func (t *dedupeTable) inflightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}
