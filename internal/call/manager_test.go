package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"mentorcall/internal/history"
	"mentorcall/internal/securestore"
	"mentorcall/internal/session"
	"mentorcall/internal/signaling"
	"mentorcall/internal/transport"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []transport.Envelope
	inbound chan transport.Envelope
	states  chan transport.Transition
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan transport.Envelope, 16),
		states:  make(chan transport.Transition, 16),
	}
}

func (f *fakeTransport) Send(ctx context.Context, env transport.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Inbound() <-chan transport.Envelope { return f.inbound }

func (f *fakeTransport) States() (<-chan transport.Transition, func()) {
	return f.states, func() {}
}

func (f *fakeTransport) sentEnvelopes() []transport.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func loggedInSessions(t *testing.T, userID string) *session.Store {
	t.Helper()
	st := session.NewStore(securestore.NewMemoryStore(), nil)
	auth := session.AuthSession{UserID: userID, Email: userID + "@example.com", AccessToken: "at", RefreshToken: "rt"}
	if _, err := st.StoreSession(context.Background(), auth, session.Device{ID: "dev-1", Name: "Pixel"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	return st
}

type managerFixture struct {
	manager   *Manager
	transport *fakeTransport
	notifier  *captureNotifier
	recorder  *history.Recorder
	store     *history.MemoryStore
	cancel    context.CancelFunc
}

func newManagerFixture(t *testing.T, userID string) managerFixture {
	t.Helper()
	tr := newFakeTransport()
	not := &captureNotifier{}
	store := history.NewMemoryStore()
	rec := history.NewRecorder(store, nil)
	mgr := NewManager(ManagerConfig{
		Transport:   tr,
		Recorder:    rec,
		Notifier:    not,
		Sessions:    loggedInSessions(t, userID),
		RingTimeout: -1,
		ReapDelay:   -1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go mgr.Run(ctx)
	t.Cleanup(func() {
		cancel()
		mgr.Close()
	})
	return managerFixture{manager: mgr, transport: tr, notifier: not, recorder: rec, store: store, cancel: cancel}
}

func TestManager_InitiateSendsOfferAndTracksCall(t *testing.T) {
	f := newManagerFixture(t, "alice")

	m, err := f.manager.Initiate(context.Background(), "bob", history.CallTypeVideo, json.RawMessage(`{"sdp":"offer"}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	d := m.Snapshot()
	if d.State != StateCalling || d.LocalUserID != "alice" || d.RemoteUserID != "bob" {
		t.Fatalf("expected alice calling bob, got %+v", d)
	}

	sent := f.transport.sentEnvelopes()
	if len(sent) != 1 {
		t.Fatalf("expected one envelope, got %d", len(sent))
	}
	msg, err := signaling.DecodeEnvelope(sent[0])
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if msg.Type != signaling.TypeOffer || msg.ToUserID != "bob" || msg.CallType != "video" {
		t.Fatalf("expected video offer to bob, got %+v", msg)
	}
	if msg.CallID != d.CallID {
		t.Fatalf("expected offer stamped with the call id")
	}

	if active := f.manager.Active(); len(active) != 1 {
		t.Fatalf("expected one active call, got %d", len(active))
	}
}

func TestManager_InitiateWithoutSessionRefused(t *testing.T) {
	tr := newFakeTransport()
	mgr := NewManager(ManagerConfig{
		Transport: tr,
		Recorder:  history.NewRecorder(history.NewMemoryStore(), nil),
		Sessions:  session.NewStore(securestore.NewMemoryStore(), nil),
	})

	if _, err := mgr.Initiate(context.Background(), "bob", history.CallTypeAudio, json.RawMessage(`{}`)); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestManager_IncomingOfferRingsMachine(t *testing.T) {
	f := newManagerFixture(t, "bob")

	offer := signaling.Message{
		Type: signaling.TypeOffer, CallID: "c1", FromUserID: "alice", ToUserID: "bob",
		SDP: json.RawMessage(`{"sdp":"offer"}`), CallType: "audio",
	}
	env, err := signaling.EncodeEnvelope(offer)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	f.transport.inbound <- env

	waitFor(t, time.Second, "incoming call admitted", func() bool {
		return len(f.manager.Active()) == 1
	})
	m, ok := f.manager.Machine("c1")
	if !ok {
		t.Fatalf("expected machine for c1")
	}
	d := m.Snapshot()
	if d.State != StateRinging || d.Direction != DirectionIncoming || d.RemoteUserID != "alice" {
		t.Fatalf("expected incoming ringing from alice, got %+v", d)
	}
	if !f.notifier.has("incoming") {
		t.Fatalf("expected incoming alert")
	}
}

func TestManager_RoutesSignalsToBoundCall(t *testing.T) {
	f := newManagerFixture(t, "alice")

	m, err := f.manager.Initiate(context.Background(), "bob", history.CallTypeAudio, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	callID := m.Snapshot().CallID

	answer, _ := signaling.EncodeEnvelope(signaling.Message{
		Type: signaling.TypeAnswer, CallID: callID, FromUserID: "bob", ToUserID: "alice",
		SDP: json.RawMessage(`{"sdp":"answer"}`),
	})
	// A signal for some other call never reaches this machine.
	stray, _ := signaling.EncodeEnvelope(signaling.Message{
		Type: signaling.TypeEnd, CallID: "other", FromUserID: "bob", ToUserID: "alice",
	})
	f.transport.inbound <- stray
	f.transport.inbound <- answer

	waitFor(t, time.Second, "answer applied", func() bool {
		return m.Snapshot().State == StateConnecting
	})
	if m.Snapshot().State.Terminal() {
		t.Fatalf("stray end must not terminate the call")
	}
}

func TestManager_RemoteEndReleasesContext(t *testing.T) {
	f := newManagerFixture(t, "alice")

	m, err := f.manager.Initiate(context.Background(), "bob", history.CallTypeAudio, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	callID := m.Snapshot().CallID

	end, _ := signaling.EncodeEnvelope(signaling.Message{
		Type: signaling.TypeEnd, CallID: callID, FromUserID: "bob", ToUserID: "alice", Reason: "hung_up",
	})
	f.transport.inbound <- end

	waitFor(t, time.Second, "context released", func() bool {
		return len(f.manager.Active()) == 0
	})
	if d := m.Snapshot(); d.State != StateEnded || d.EndReason != "hung_up" {
		t.Fatalf("expected ended/hung_up, got %s/%s", d.State, d.EndReason)
	}
	if rec, ok := f.recorder.Record(callID); !ok || rec.EndedAt == nil {
		t.Fatalf("expected finished history record, got %+v", rec)
	}
}

func TestManager_TerminalContextLingersForDisplay(t *testing.T) {
	tr := newFakeTransport()
	mgr := NewManager(ManagerConfig{
		Transport:   tr,
		Recorder:    history.NewRecorder(history.NewMemoryStore(), nil),
		Sessions:    loggedInSessions(t, "alice"),
		RingTimeout: -1,
		ReapDelay:   200 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go mgr.Run(ctx)
	t.Cleanup(func() {
		cancel()
		mgr.Close()
	})

	m, err := mgr.Initiate(context.Background(), "bob", history.CallTypeAudio, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	callID := m.Snapshot().CallID
	if err := m.End(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	// The finished call stays readable during the grace window.
	if _, ok := mgr.Machine(callID); !ok {
		t.Fatalf("expected terminal context to linger")
	}
	waitFor(t, time.Second, "context reaped after grace", func() bool {
		_, ok := mgr.Machine(callID)
		return !ok
	})
}

func TestManager_TransportLossFailsActiveCalls(t *testing.T) {
	f := newManagerFixture(t, "alice")

	m, err := f.manager.Initiate(context.Background(), "bob", history.CallTypeAudio, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	f.transport.states <- transport.Transition{Status: transport.StatusLost, Attempt: 10}

	waitFor(t, time.Second, "call failed on transport loss", func() bool {
		d := m.Snapshot()
		return d.State == StateFailed && d.EndReason == ReasonConnectionLost
	})
	rec, ok := f.recorder.Record(m.Snapshot().CallID)
	if !ok || rec.EndReason != ReasonConnectionLost {
		t.Fatalf("expected connection_lost recorded, got %+v", rec)
	}
}

func TestManager_ReconnectTriggersHistorySync(t *testing.T) {
	f := newManagerFixture(t, "alice")

	// Finish a call while the backend refuses writes, leaving a backlog.
	f.store.SetUpsertErr(errors.New("backend down"))
	m, err := f.manager.Initiate(context.Background(), "bob", history.CallTypeAudio, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := m.End(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if f.recorder.Pending() != 1 {
		t.Fatalf("expected one pending record, got %d", f.recorder.Pending())
	}

	// Reconnecting heals the backend and drains the backlog.
	f.store.SetUpsertErr(nil)
	f.transport.states <- transport.Transition{Status: transport.StatusConnected}

	waitFor(t, time.Second, "backlog drained on reconnect", func() bool {
		return f.recorder.Pending() == 0
	})
	if f.store.Len() != 1 {
		t.Fatalf("expected record persisted, got %d", f.store.Len())
	}
}

func TestManager_DuplicateOfferDoesNotSpawnSecondContext(t *testing.T) {
	f := newManagerFixture(t, "bob")

	offer := signaling.Message{Type: signaling.TypeOffer, CallID: "c1", FromUserID: "alice", ToUserID: "bob", SDP: json.RawMessage(`{}`)}
	env, _ := signaling.EncodeEnvelope(offer)
	f.transport.inbound <- env
	waitFor(t, time.Second, "first offer admitted", func() bool {
		return len(f.manager.Active()) == 1
	})

	dup, _ := signaling.EncodeEnvelope(offer)
	f.transport.inbound <- dup

	// The duplicate routes to the existing context instead of spawning one.
	time.Sleep(20 * time.Millisecond)
	if n := len(f.manager.Active()); n != 1 {
		t.Fatalf("expected a single context, got %d", n)
	}
	if m, ok := f.manager.Machine("c1"); !ok || m.Snapshot().State != StateRinging {
		t.Fatalf("expected call still ringing")
	}
}

func TestManager_MalformedEnvelopeDropped(t *testing.T) {
	f := newManagerFixture(t, "bob")

	bad := transport.NewEnvelope(transport.EventCallSignal, "alice", "bob")
	bad.Payload[transport.PayloadKeyCallID] = "c9"
	bad.Payload[transport.PayloadKeySignal] = "not an object"
	f.transport.inbound <- bad

	// A good offer after the malformed frame still gets through.
	offer, _ := signaling.EncodeEnvelope(signaling.Message{
		Type: signaling.TypeOffer, CallID: "c1", FromUserID: "alice", ToUserID: "bob", SDP: json.RawMessage(`{}`),
	})
	f.transport.inbound <- offer

	waitFor(t, time.Second, "offer admitted after malformed frame", func() bool {
		return len(f.manager.Active()) == 1
	})
}
