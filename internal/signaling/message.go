package signaling

import (
	"encoding/json"
	"fmt"

	"mentorcall/internal/transport"
)

// Type tags a signaling message.
type Type string

const (
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeIceCandidate Type = "ice_candidate"
	TypeReject       Type = "reject"
	TypeEnd          Type = "end"
	TypeCancel       Type = "cancel"
	TypeHeartbeat    Type = "heartbeat"
)

// Message is one signaling exchange for a call. SDP and Candidate are
// opaque blobs owned by the media layer; this package never inspects them.
// Messages are immutable once constructed; ownership passes to the
// transport on send.
type Message struct {
	Type       Type            `json:"type"`
	CallID     string          `json:"call_id"`
	FromUserID string          `json:"from_user_id"`
	ToUserID   string          `json:"to_user_id"`
	SDP        json.RawMessage `json:"sdp,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	Reason     string          `json:"reason,omitempty"`

	// CallType rides on offers only (audio or video) so the callee can pick
	// the right notification before any media negotiation happened.
	CallType string `json:"call_type,omitempty"`
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeIceCandidate, TypeReject, TypeEnd, TypeCancel, TypeHeartbeat:
	default:
		return fmt.Errorf("signaling: unknown message type %q", m.Type)
	}
	if m.CallID == "" {
		return fmt.Errorf("signaling: call_id is required")
	}
	switch m.Type {
	case TypeOffer, TypeAnswer:
		if len(m.SDP) == 0 {
			return fmt.Errorf("signaling: %s requires a session description", m.Type)
		}
	case TypeIceCandidate:
		if len(m.Candidate) == 0 {
			return fmt.Errorf("signaling: ice_candidate requires a candidate")
		}
	}
	return nil
}

// EncodeEnvelope wraps m in a transport envelope addressed to the remote
// peer. The message body nests under the reserved signal key with the call
// id alongside for routing.
func EncodeEnvelope(m Message) (transport.Envelope, error) {
	if err := m.Validate(); err != nil {
		return transport.Envelope{}, err
	}
	env := transport.NewEnvelope(transport.EventCallSignal, m.FromUserID, m.ToUserID)
	env.Payload[transport.PayloadKeyCallID] = m.CallID
	env.Payload[transport.PayloadKeySignal] = m
	return env, nil
}

// DecodeEnvelope extracts and validates the signaling message nested in a
// call envelope. The payload travels as generic JSON, so it is re-encoded
// before unmarshaling into the typed form.
func DecodeEnvelope(env transport.Envelope) (Message, error) {
	if env.Event != transport.EventCallSignal {
		return Message{}, fmt.Errorf("signaling: envelope event %q is not call signaling", env.Event)
	}
	raw, ok := env.Payload[transport.PayloadKeySignal]
	if !ok {
		return Message{}, fmt.Errorf("signaling: envelope missing %q payload", transport.PayloadKeySignal)
	}

	blob, err := json.Marshal(raw)
	if err != nil {
		return Message{}, fmt.Errorf("signaling: payload not encodable: %w", err)
	}
	var m Message
	if err := json.Unmarshal(blob, &m); err != nil {
		return Message{}, fmt.Errorf("signaling: payload not a message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
