package history

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now
		now = now.Add(step)
		return t
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// flakyStore refuses upserts for one call id and accepts the rest.
type flakyStore struct {
	*MemoryStore
	mu     sync.Mutex
	failID string
}

func (s *flakyStore) Upsert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	fail := s.failID
	s.mu.Unlock()
	if rec.CallID == fail {
		return errors.New("write refused")
	}
	return s.MemoryStore.Upsert(ctx, rec)
}

// gateStore parks every upsert until released.
type gateStore struct {
	inner   *MemoryStore
	entered chan string
	release chan struct{}
}

func (s *gateStore) Upsert(ctx context.Context, rec Record) error {
	s.entered <- rec.CallID
	<-s.release
	return s.inner.Upsert(ctx, rec)
}

func TestRecorder_EndedDerivesDurationAndPends(t *testing.T) {
	store := NewMemoryStore()
	store.UpsertErr = errors.New("backend down")
	r := NewRecorder(store, nil)
	defer r.Close()
	r.Now = steppingClock(time.Unix(1700000000, 0).UTC(), 90*time.Second)

	if _, err := r.LogStarted("c1", "alice", "bob", CallTypeVideo); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	rec, err := r.LogEnded(context.Background(), "c1", "cancelled")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if rec.EndedAt == nil {
		t.Fatalf("expected ended timestamp set")
	}
	if rec.DurationSeconds != 90 {
		t.Fatalf("expected 90s duration, got %d", rec.DurationSeconds)
	}
	if rec.Duration() != 90*time.Second {
		t.Fatalf("expected duration derived from timestamps, got %s", rec.Duration())
	}
	if rec.EndReason != "cancelled" {
		t.Fatalf("expected reason kept, got %q", rec.EndReason)
	}
	if r.Pending() != 1 {
		t.Fatalf("expected ended record pending, got %d", r.Pending())
	}

	// Heal the backend; the next trigger drains the backlog.
	store.SetUpsertErr(nil)
	waitFor(t, time.Second, "pending drained", func() bool {
		_ = r.Sync(context.Background())
		return r.Pending() == 0
	})
	got, ok := store.Get("c1")
	if !ok {
		t.Fatalf("expected record upserted")
	}
	if got.EndReason != "cancelled" || got.DurationSeconds != 90 {
		t.Fatalf("expected finished shape persisted, got %+v", got)
	}
}

func TestRecorder_AcceptedStampsConnectedTime(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, nil)
	defer r.Close()
	r.Now = steppingClock(time.Unix(1700000000, 0).UTC(), time.Second)

	r.LogStarted("c1", "alice", "bob", CallTypeAudio)
	rec, err := r.LogAccepted("c1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rec.AcceptedAt == nil {
		t.Fatalf("expected accepted timestamp set")
	}
	if !rec.Connected() {
		t.Fatalf("expected record counted as connected")
	}
	// Accept does not pend; only ending does.
	if r.Pending() != 0 {
		t.Fatalf("expected nothing pending after accept, got %d", r.Pending())
	}
}

func TestRecorder_UnknownCallReturnsNotFound(t *testing.T) {
	r := NewRecorder(NewMemoryStore(), nil)
	defer r.Close()

	if _, err := r.LogAccepted("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.LogEnded(context.Background(), "nope", "completed"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecorder_EndIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	store.UpsertErr = errors.New("backend down")
	r := NewRecorder(store, nil)
	defer r.Close()
	r.Now = steppingClock(time.Unix(1700000000, 0).UTC(), time.Second)

	r.LogStarted("c1", "alice", "bob", CallTypeAudio)
	first, _ := r.LogEnded(context.Background(), "c1", "completed")
	second, err := r.LogEnded(context.Background(), "c1", "rejected")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if second.EndReason != "completed" {
		t.Fatalf("expected first terminal reason kept, got %q", second.EndReason)
	}
	if !second.EndedAt.Equal(*first.EndedAt) {
		t.Fatalf("expected ended timestamp unchanged")
	}
	if r.Pending() != 1 {
		t.Fatalf("expected single pending entry, got %d", r.Pending())
	}
}

func TestRecorder_SyncStopsOnFirstFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failID: "c2"}
	r := NewRecorder(store, nil)
	defer r.Close()
	r.Now = steppingClock(time.Unix(1700000000, 0).UTC(), time.Second)

	ctx := context.Background()
	for _, id := range []string{"c1", "c2", "c3"} {
		r.LogStarted(id, "alice", "bob", CallTypeAudio)
		r.LogEnded(ctx, id, "completed")
	}

	waitFor(t, time.Second, "drain stopped at c2", func() bool {
		_ = r.Sync(ctx)
		return r.Pending() == 2 && len(store.Upserts()) == 1
	})
	if ups := store.Upserts(); !reflect.DeepEqual(ups, []string{"c1"}) {
		t.Fatalf("expected only c1 drained, got %v", ups)
	}

	// Once c2 stops failing, the remainder drains in ended order.
	store.mu.Lock()
	store.failID = ""
	store.mu.Unlock()
	waitFor(t, time.Second, "backlog drained", func() bool {
		_ = r.Sync(ctx)
		return r.Pending() == 0
	})
	if ups := store.Upserts(); !reflect.DeepEqual(ups, []string{"c1", "c2", "c3"}) {
		t.Fatalf("expected ended order preserved, got %v", ups)
	}
}

func TestRecorder_SyncIsSingleFlight(t *testing.T) {
	gate := &gateStore{
		inner:   NewMemoryStore(),
		entered: make(chan string),
		release: make(chan struct{}),
	}
	r := NewRecorder(gate, nil)
	defer r.Close()
	r.Now = steppingClock(time.Unix(1700000000, 0).UTC(), time.Second)

	r.LogStarted("c1", "alice", "bob", CallTypeAudio)
	r.LogEnded(context.Background(), "c1", "completed")

	// The async drain is now parked inside the first upsert.
	select {
	case id := <-gate.entered:
		if id != "c1" {
			t.Fatalf("expected c1 entering upsert, got %q", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected async drain to start")
	}

	// A concurrent trigger coalesces instead of starting a second drain. If it
	// did start one, this call would block on the unconsumed gate.
	if err := r.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	close(gate.release)
	waitFor(t, time.Second, "parked drain finished", func() bool { return r.Pending() == 0 })
	if ups := gate.inner.Upserts(); !reflect.DeepEqual(ups, []string{"c1"}) {
		t.Fatalf("expected exactly one upsert, got %v", ups)
	}
}

func TestRecorder_UpdatesStreamPublishesMutations(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, nil)
	defer r.Close()
	r.Now = steppingClock(time.Unix(1700000000, 0).UTC(), time.Second)

	updates, cancel := r.Updates()
	defer cancel()

	r.LogStarted("c1", "alice", "bob", CallTypeAudio)
	r.LogAccepted("c1")
	r.LogEnded(context.Background(), "c1", "completed")

	var seen []Record
	for len(seen) < 3 {
		select {
		case rec := <-updates:
			seen = append(seen, rec)
		case <-time.After(time.Second):
			t.Fatalf("expected 3 updates, got %d", len(seen))
		}
	}
	if seen[0].AcceptedAt != nil || seen[1].AcceptedAt == nil || seen[2].EndedAt == nil {
		t.Fatalf("expected started/accepted/ended progression, got %+v", seen)
	}
}

func TestRecorder_RecordsMostRecentFirst(t *testing.T) {
	r := NewRecorder(NewMemoryStore(), nil)
	defer r.Close()
	r.Now = steppingClock(time.Unix(1700000000, 0).UTC(), time.Second)

	r.LogStarted("c1", "alice", "bob", CallTypeAudio)
	r.LogStarted("c2", "alice", "carol", CallTypeVideo)

	recs := r.Records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].CallID != "c2" || recs[1].CallID != "c1" {
		t.Fatalf("expected most recent first, got %v then %v", recs[0].CallID, recs[1].CallID)
	}
}
