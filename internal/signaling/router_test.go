package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"mentorcall/internal/transport"
)

type captureSender struct {
	mu   sync.Mutex
	sent []transport.Envelope
	err  error
}

func (s *captureSender) Send(ctx context.Context, env transport.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *captureSender) last() (transport.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return transport.Envelope{}, false
	}
	return s.sent[len(s.sent)-1], true
}

func TestRouter_SendWhileUnbound(t *testing.T) {
	r := NewRouter(&captureSender{}, nil)
	defer r.Close()

	err := r.SendOffer(context.Background(), "bob", json.RawMessage(`{}`), "audio")
	if !errors.Is(err, ErrNotBound) {
		t.Fatalf("expected ErrNotBound, got %v", err)
	}
}

func TestRouter_SendStampsBoundContext(t *testing.T) {
	sender := &captureSender{}
	r := NewRouter(sender, nil)
	defer r.Close()

	if err := r.Bind("c1", "alice"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := r.SendOffer(context.Background(), "bob", json.RawMessage(`{"sdp":"x"}`), "video"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	env, ok := sender.last()
	if !ok {
		t.Fatalf("expected envelope sent")
	}
	if env.CallID() != "c1" {
		t.Fatalf("expected call id stamped, got %q", env.CallID())
	}
	if env.SenderID != "alice" || env.ReceiverID != "bob" {
		t.Fatalf("expected addressing alice->bob, got %s->%s", env.SenderID, env.ReceiverID)
	}

	m, err := DecodeEnvelope(env)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if m.FromUserID != "alice" || m.CallID != "c1" {
		t.Fatalf("expected message stamped with bound context, got %+v", m)
	}
}

func TestRouter_FiltersByCallID(t *testing.T) {
	r := NewRouter(&captureSender{}, nil)
	defer r.Close()
	r.Bind("c1", "alice")

	msgs, cancel := r.Messages()
	defer cancel()

	mine, _ := EncodeEnvelope(Message{Type: TypeAnswer, CallID: "c1", FromUserID: "bob", ToUserID: "alice", SDP: json.RawMessage(`{}`)})
	other, _ := EncodeEnvelope(Message{Type: TypeAnswer, CallID: "c2", FromUserID: "bob", ToUserID: "alice", SDP: json.RawMessage(`{}`)})
	presence := transport.NewEnvelope(transport.EventPresence, "bob", "alice")

	r.Deliver(other)
	r.Deliver(presence)
	r.Deliver(mine)

	select {
	case m := <-msgs:
		if m.CallID != "c1" {
			t.Fatalf("expected only bound call id, got %q", m.CallID)
		}
		if m.Type != TypeAnswer {
			t.Fatalf("expected answer, got %s", m.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected matching message delivered")
	}

	select {
	case m := <-msgs:
		t.Fatalf("unexpected extra message %+v", m)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRouter_DropsMalformedKeepsStreamAlive(t *testing.T) {
	r := NewRouter(&captureSender{}, nil)
	defer r.Close()
	r.Bind("c1", "alice")

	msgs, cancel := r.Messages()
	defer cancel()

	bad := transport.NewEnvelope(transport.EventCallSignal, "bob", "alice")
	bad.Payload[transport.PayloadKeyCallID] = "c1"
	bad.Payload[transport.PayloadKeySignal] = []any{"junk"}
	r.Deliver(bad)

	good, _ := EncodeEnvelope(Message{Type: TypeEnd, CallID: "c1", FromUserID: "bob", ToUserID: "alice", Reason: "hung_up"})
	r.Deliver(good)

	select {
	case m := <-msgs:
		if m.Type != TypeEnd {
			t.Fatalf("expected end after malformed dropped, got %s", m.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected stream alive after malformed payload")
	}
}

func TestRouter_UnboundDeliverIgnored(t *testing.T) {
	r := NewRouter(&captureSender{}, nil)
	defer r.Close()

	msgs, cancel := r.Messages()
	defer cancel()

	env, _ := EncodeEnvelope(Message{Type: TypeCancel, CallID: "c1", FromUserID: "bob", ToUserID: "alice"})
	r.Deliver(env)

	select {
	case m := <-msgs:
		t.Fatalf("unexpected message while unbound: %+v", m)
	case <-time.After(20 * time.Millisecond):
	}
}
