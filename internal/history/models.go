package history

import "time"

// CallType distinguishes voice-only calls from video sessions.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Record is the per-call history entry. Exactly one record exists per call
// id; the recorder mutates it in place as the call progresses and persists
// the finished shape off-device.
//
// Invariants:
// - AcceptedAt and EndedAt stay nil until the corresponding event happened.
// - DurationSeconds is derived from EndedAt-StartedAt and only set when both
//   timestamps are present. An unanswered or cancelled call may still carry a
//   duration: it measures the call attempt, not the connected time.

type Record struct {
	CallID     string   `json:"call_id" db:"call_id"`
	CallerID   string   `json:"caller_id" db:"caller_id"`
	ReceiverID string   `json:"receiver_id" db:"receiver_id"`
	CallType   CallType `json:"call_type" db:"call_type"`

	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty" db:"accepted_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// EndReason is free-form from the caller's perspective: completed,
	// rejected, cancelled, no_answer, connection_lost, ...
	EndReason string `json:"end_reason,omitempty" db:"end_reason"`

	DurationSeconds int64 `json:"duration_seconds" db:"duration_seconds"`
}

// Duration returns EndedAt-StartedAt, or 0 when either timestamp is missing.
func (r Record) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt == nil {
		return 0
	}
	d := r.EndedAt.Sub(r.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Connected reports whether the call ever reached the other party.
func (r Record) Connected() bool { return r.AcceptedAt != nil }
