package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mentorcall/internal/events"
)

// RemoteStore is the off-device persistence contract for finished calls.
//
// Upsert MUST be idempotent keyed by call id: a drain interrupted mid-way
// replays records on the next trigger, and replays must not duplicate rows.
type RemoteStore interface {
	Upsert(ctx context.Context, rec Record) error
}

var ErrNotFound = errors.New("history: record not found")

// Recorder keeps the in-memory call history and mirrors finished calls to a
// RemoteStore. Writes are best-effort: a sync failure never propagates to the
// call flow, the record simply stays pending until the next trigger
// (reconnect, explicit Sync, or the next LogEnded).
//
// Only LogEnded marks a record pending. Started and accepted mutations are
// local-only until the call finishes; the remote store holds finished shapes.

type Recorder struct {
	remote RemoteStore
	log    *slog.Logger

	// Now is injectable for tests.
	Now func() time.Time

	mu      sync.Mutex
	records map[string]Record
	order   []string // call ids, oldest started first
	pending []string // call ids awaiting upsert, oldest ended first
	syncing bool

	updates *events.Stream[Record]
}

func NewRecorder(remote RemoteStore, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		remote:  remote,
		log:     log,
		Now:     time.Now,
		records: make(map[string]Record),
		updates: events.NewStream[Record](32),
	}
}

// Updates subscribes to record mutations. Every LogStarted/LogAccepted/
// LogEnded publishes the record's new shape.
func (r *Recorder) Updates() (<-chan Record, func()) { return r.updates.Subscribe() }

// LogStarted opens the history record for a call.
func (r *Recorder) LogStarted(callID, callerID, receiverID string, callType CallType) (Record, error) {
	if callID == "" || callerID == "" || receiverID == "" {
		return Record{}, errors.New("history: callID, callerID and receiverID are required")
	}
	if callType == "" {
		callType = CallTypeAudio
	}

	rec := Record{
		CallID:     callID,
		CallerID:   callerID,
		ReceiverID: receiverID,
		CallType:   callType,
		StartedAt:  r.Now().UTC(),
	}

	r.mu.Lock()
	if _, exists := r.records[callID]; !exists {
		r.order = append(r.order, callID)
	}
	r.records[callID] = rec
	r.mu.Unlock()

	r.updates.Publish(rec)
	return rec, nil
}

// LogAccepted stamps the moment the other party picked up.
func (r *Recorder) LogAccepted(callID string) (Record, error) {
	now := r.Now().UTC()

	r.mu.Lock()
	rec, ok := r.records[callID]
	if !ok {
		r.mu.Unlock()
		return Record{}, ErrNotFound
	}
	if rec.AcceptedAt == nil {
		rec.AcceptedAt = &now
		r.records[callID] = rec
	}
	r.mu.Unlock()

	r.updates.Publish(rec)
	return rec, nil
}

// LogEnded finishes the record, derives the duration, marks it pending and
// kicks an async drain. A record that already ended is left untouched: the
// first terminal outcome wins.
func (r *Recorder) LogEnded(ctx context.Context, callID, reason string) (Record, error) {
	now := r.Now().UTC()

	r.mu.Lock()
	rec, ok := r.records[callID]
	if !ok {
		r.mu.Unlock()
		return Record{}, ErrNotFound
	}
	if rec.EndedAt != nil {
		r.mu.Unlock()
		return rec, nil
	}
	rec.EndedAt = &now
	rec.EndReason = reason
	rec.DurationSeconds = int64(rec.Duration() / time.Second)
	r.records[callID] = rec
	r.pending = append(r.pending, callID)
	r.mu.Unlock()

	r.updates.Publish(rec)

	go func() {
		if err := r.Sync(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn("history sync after call end failed", "call_id", callID, "error", err)
		}
	}()
	return rec, nil
}

// Sync drains pending records to the remote store in ended order.
//
// Single-flight: while a drain runs, concurrent calls return nil immediately
// instead of starting a second one. The drain stops on the first upsert
// failure, leaving that record and everything after it pending.
func (r *Recorder) Sync(ctx context.Context) error {
	r.mu.Lock()
	if r.syncing {
		r.mu.Unlock()
		return nil
	}
	r.syncing = true
	r.mu.Unlock()

	for {
		r.mu.Lock()
		if len(r.pending) == 0 {
			r.syncing = false
			r.mu.Unlock()
			return nil
		}
		id := r.pending[0]
		rec, ok := r.records[id]
		if !ok {
			// Record was cleared while pending; drop the marker.
			r.pending = r.pending[1:]
			r.mu.Unlock()
			continue
		}
		r.mu.Unlock()

		if err := r.remote.Upsert(ctx, rec); err != nil {
			r.mu.Lock()
			left := len(r.pending)
			r.syncing = false
			r.mu.Unlock()
			r.log.Warn("history sync stopped", "call_id", id, "pending", left, "error", err)
			return err
		}

		r.mu.Lock()
		if len(r.pending) > 0 && r.pending[0] == id {
			r.pending = r.pending[1:]
		}
		r.mu.Unlock()
	}
}

// Pending reports how many finished records still await a successful upsert.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Record returns the current shape of one call's history entry.
func (r *Recorder) Record(callID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[callID]
	return rec, ok
}

// Records returns all entries, most recently started first.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		if rec, ok := r.records[r.order[i]]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Close tears down the update stream. Pending records are kept; a later
// explicit Sync may still drain them.
func (r *Recorder) Close() { r.updates.Close() }
