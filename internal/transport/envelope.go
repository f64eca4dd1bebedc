package transport

import "github.com/google/uuid"

// Event categories carried by an envelope. Call signaling shares the
// transport with other subsystems; routing happens on this field first.
const (
	EventCallSignal = "call_signal"
	EventPresence   = "presence"
	EventSystem     = "system"
)

// Reserved payload keys. Call payloads are nested under PayloadKeySignal
// with a sibling PayloadKeyCallID used for routing without decoding the
// whole message.
const (
	PayloadKeySignal = "signal"
	PayloadKeyCallID = "call_id"
)

// Envelope is the generic wire frame exchanged over the transport.
// Payload contents are owned by the subsystem identified by Event.
type Envelope struct {
	ID         string         `json:"id"`
	Event      string         `json:"event"`
	SenderID   string         `json:"sender_id,omitempty"`
	ReceiverID string         `json:"receiver_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// NewEnvelope allocates an addressed envelope with a fresh id.
func NewEnvelope(event, senderID, receiverID string) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		Event:      event,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Payload:    map[string]any{},
	}
}

// CallID returns the routing call id, if the envelope carries one.
func (e Envelope) CallID() string {
	if e.Payload == nil {
		return ""
	}
	if s, ok := e.Payload[PayloadKeyCallID].(string); ok {
		return s
	}
	return ""
}
