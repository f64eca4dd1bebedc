package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory RemoteStore for tests and early development.
// Set UpsertErr to simulate an unreachable backend.

type MemoryStore struct {
	mu      sync.Mutex
	byCall  map[string]Record
	upserts []string // call ids in arrival order, duplicates kept

	UpsertErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byCall: make(map[string]Record)}
}

func (s *MemoryStore) Upsert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	s.byCall[rec.CallID] = rec
	s.upserts = append(s.upserts, rec.CallID)
	return nil
}

// SetUpsertErr swaps the injected failure under the lock.
func (s *MemoryStore) SetUpsertErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpsertErr = err
}

// Get returns the stored shape of one record.
func (s *MemoryStore) Get(callID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byCall[callID]
	return rec, ok
}

// Upserts returns every accepted upsert in arrival order.
func (s *MemoryStore) Upserts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.upserts))
	copy(out, s.upserts)
	return out
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byCall)
}

// ListCalls filters stored records for one user within [from, to), backing
// the reporting repository in tests.
func (s *MemoryStore) ListCalls(ctx context.Context, userID string, from, to time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0)
	for _, rec := range s.byCall {
		if rec.CallerID != userID && rec.ReceiverID != userID {
			continue
		}
		if rec.StartedAt.Before(from) || !rec.StartedAt.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListByUser mirrors PostgresStore.ListByUser: most recently started first,
// capped at limit (default 50).
func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0)
	for _, rec := range s.byCall {
		if rec.CallerID != userID && rec.ReceiverID != userID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
