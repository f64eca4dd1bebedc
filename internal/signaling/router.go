package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"mentorcall/internal/events"
	"mentorcall/internal/transport"
)

// Sender is the outbound half of the transport the router writes to.
type Sender interface {
	Send(ctx context.Context, env transport.Envelope) error
}

// ErrNotBound reports a send attempted before Bind established a call
// context.
var ErrNotBound = errors.New("signaling: router not bound to a call")

// Router shapes domain-level call messages to and from transport envelopes
// for exactly one call. It holds no call business logic; binding fixes the
// (callId, userId) context, sends construct messages, and Deliver filters
// inbound envelopes onto the message stream.
type Router struct {
	sender Sender
	log    *slog.Logger

	mu     sync.Mutex
	bound  bool
	callID string
	userID string

	messages *events.Stream[Message]
}

func NewRouter(sender Sender, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		sender:   sender,
		log:      log,
		messages: events.NewStream[Message](32),
	}
}

// Bind fixes the router to one call context. Rebinding to a different call
// is allowed only after Close; the router is single-call by contract.
func (r *Router) Bind(callID, userID string) error {
	if callID == "" || userID == "" {
		return errors.New("signaling: callID and userID are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bound = true
	r.callID = callID
	r.userID = userID
	return nil
}

// Bound reports the active call context.
func (r *Router) Bound() (callID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callID, r.bound
}

// Messages subscribes to inbound messages for the bound call.
func (r *Router) Messages() (<-chan Message, func()) { return r.messages.Subscribe() }

// Close tears down the message stream. The router must not be reused.
func (r *Router) Close() {
	r.mu.Lock()
	r.bound = false
	r.mu.Unlock()
	r.messages.Close()
}

/* ===================== OUTBOUND ===================== */

func (r *Router) SendOffer(ctx context.Context, toUserID string, sdp json.RawMessage, callType string) error {
	return r.send(ctx, Message{Type: TypeOffer, ToUserID: toUserID, SDP: sdp, CallType: callType})
}

func (r *Router) SendAnswer(ctx context.Context, toUserID string, sdp json.RawMessage) error {
	return r.send(ctx, Message{Type: TypeAnswer, ToUserID: toUserID, SDP: sdp})
}

func (r *Router) SendIceCandidate(ctx context.Context, toUserID string, candidate json.RawMessage) error {
	return r.send(ctx, Message{Type: TypeIceCandidate, ToUserID: toUserID, Candidate: candidate})
}

func (r *Router) SendReject(ctx context.Context, toUserID, reason string) error {
	return r.send(ctx, Message{Type: TypeReject, ToUserID: toUserID, Reason: reason})
}

func (r *Router) SendEnd(ctx context.Context, toUserID, reason string) error {
	return r.send(ctx, Message{Type: TypeEnd, ToUserID: toUserID, Reason: reason})
}

func (r *Router) SendCancel(ctx context.Context, toUserID string) error {
	return r.send(ctx, Message{Type: TypeCancel, ToUserID: toUserID})
}

func (r *Router) SendHeartbeat(ctx context.Context, toUserID string) error {
	return r.send(ctx, Message{Type: TypeHeartbeat, ToUserID: toUserID})
}

func (r *Router) send(ctx context.Context, m Message) error {
	r.mu.Lock()
	if !r.bound {
		r.mu.Unlock()
		return ErrNotBound
	}
	m.CallID = r.callID
	m.FromUserID = r.userID
	r.mu.Unlock()

	env, err := EncodeEnvelope(m)
	if err != nil {
		return err
	}
	return r.sender.Send(ctx, env)
}

/* ===================== INBOUND ===================== */

// Deliver feeds one inbound envelope through the call filter. Envelopes for
// other calls or subsystems are silently ignored; malformed payloads are
// dropped and logged, never surfaced as stream errors.
func (r *Router) Deliver(env transport.Envelope) {
	r.mu.Lock()
	bound, callID := r.bound, r.callID
	r.mu.Unlock()
	if !bound {
		return
	}
	if env.Event != transport.EventCallSignal {
		return
	}
	if env.CallID() != callID {
		return
	}

	m, err := DecodeEnvelope(env)
	if err != nil {
		r.log.Warn("dropping malformed signaling payload", "envelope_id", env.ID, "error", err)
		return
	}
	if m.CallID != callID {
		return
	}
	r.messages.Publish(m)
}
