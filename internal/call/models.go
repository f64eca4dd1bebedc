package call

import (
	"time"

	"mentorcall/internal/history"
)

// State is the lifecycle position of one call context.
//
// Outgoing calls sit in calling until the far side answers; incoming calls
// start at ringing. connecting covers the window between the answer exchange
// and an established media path.
type State string

const (
	StateCalling    State = "calling"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateInCall     State = "in_call"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
	StateRejected   State = "rejected"
)

// Terminal reports whether the state admits no further lifecycle transition.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed || s == StateRejected
}

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// End reasons recorded into history. ReasonCancelled, ReasonNoAnswer and
// ReasonConnectionLost are produced locally; the rest may also arrive from
// the remote side.
const (
	ReasonCompleted      = "completed"
	ReasonDeclined       = "declined"
	ReasonCancelled      = "cancelled"
	ReasonNoAnswer       = "no_answer"
	ReasonConnectionLost = "connection_lost"
)

// Data is the working state of one call. A Machine owns exactly one Data;
// nothing outside the machine mutates it. Once a terminal state is reached
// only display bookkeeping (end reason, timestamps) remains set, never
// changed.
type Data struct {
	CallID       string           `json:"call_id"`
	Direction    Direction        `json:"direction"`
	CallType     history.CallType `json:"call_type"`
	LocalUserID  string           `json:"local_user_id"`
	RemoteUserID string           `json:"remote_user_id"`

	State State `json:"state"`

	StartedAt  time.Time  `json:"started_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EndReason  string     `json:"end_reason,omitempty"`
}

// Duration returns the elapsed call time. The second return is false while
// either timestamp is missing: an unfinished call has no duration, not a
// zero one.
func (d Data) Duration() (time.Duration, bool) {
	if d.StartedAt.IsZero() || d.EndedAt == nil {
		return 0, false
	}
	dur := d.EndedAt.Sub(d.StartedAt)
	if dur < 0 {
		return 0, false
	}
	return dur, true
}
