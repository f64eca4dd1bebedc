package audit

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory append-only repository for tests. SetAppendErr
// injects storage failures so callers can prove audit problems never block
// the guarded operation.
type MemoryRepo struct {
	mu        sync.Mutex
	events    []Event
	appendErr error
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	r.events = append(r.events, e)
	return nil
}

// SetAppendErr makes every following Append fail with err; nil heals it.
func (r *MemoryRepo) SetAppendErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendErr = err
}

func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
