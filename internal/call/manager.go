package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mentorcall/internal/history"
	"mentorcall/internal/notify"
	"mentorcall/internal/session"
	"mentorcall/internal/signaling"
	"mentorcall/internal/transport"
)

// ErrNoSession reports a call attempted with no active login session.
var ErrNoSession = errors.New("call: no active session")

// DefaultReapDelay keeps a finished call context readable for end-of-call
// display before the manager releases it.
const DefaultReapDelay = 3 * time.Second

// Transport is the slice of the resilient connection the manager drives.
type Transport interface {
	Send(ctx context.Context, env transport.Envelope) error
	Inbound() <-chan transport.Envelope
	States() (<-chan transport.Transition, func())
}

// SessionSource yields the identity calls are placed under. A session.Store
// satisfies it.
type SessionSource interface {
	CurrentSession(ctx context.Context) (session.EnhancedSession, bool)
}

// ManagerConfig wires the call manager.
type ManagerConfig struct {
	Transport Transport
	Recorder  *history.Recorder
	Notifier  notify.Notifier
	Sessions  SessionSource

	// RingTimeout is handed to every machine. Zero means DefaultRingTimeout.
	RingTimeout time.Duration

	// ReapDelay is how long a terminal context lingers before release. Zero
	// means DefaultReapDelay; negative releases immediately (tests only).
	ReapDelay time.Duration

	Log *slog.Logger
}

// Manager owns every live call context: it demultiplexes inbound envelopes
// to per-call routers, admits incoming offers as new ringing machines,
// escalates exhausted transport retries to the active calls and retriggers
// history sync on reconnect. Each call gets its own router binding and
// machine, so concurrent calls never share mutable state. Finished contexts
// linger for ReapDelay so their terminal snapshot stays readable.
type Manager struct {
	tr       Transport
	recorder *history.Recorder
	notifier notify.Notifier
	sessions SessionSource
	log      *slog.Logger

	ringTimeout time.Duration
	reapDelay   time.Duration

	mu       sync.Mutex
	contexts map[string]*callContext
}

type callContext struct {
	machine *Machine
	router  *signaling.Router
}

func NewManager(cfg ManagerConfig) *Manager {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	rt := cfg.RingTimeout
	if rt == 0 {
		rt = DefaultRingTimeout
	}
	rd := cfg.ReapDelay
	if rd == 0 {
		rd = DefaultReapDelay
	}
	return &Manager{
		tr:          cfg.Transport,
		recorder:    cfg.Recorder,
		notifier:    notifier,
		sessions:    cfg.Sessions,
		log:         log,
		ringTimeout: rt,
		reapDelay:   rd,
		contexts:    make(map[string]*callContext),
	}
}

// Run pumps transport envelopes and connectivity transitions until ctx is
// cancelled or the transport closes. Call it once, on its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	states, cancelStates := m.tr.States()
	defer cancelStates()
	inbound := m.tr.Inbound()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-inbound:
			if !ok {
				return
			}
			m.dispatch(ctx, env)
		case tr, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			m.onTransition(ctx, tr)
		}
	}
}

// Initiate places an outgoing call and returns its machine. The local
// identity comes from the active session; without one the call is refused.
func (m *Manager) Initiate(ctx context.Context, remoteUserID string, callType history.CallType, sdp json.RawMessage) (*Machine, error) {
	if remoteUserID == "" {
		return nil, errors.New("call: remoteUserID is required")
	}
	if m.sessions == nil {
		return nil, errors.New("call: session source not configured")
	}
	sess, ok := m.sessions.CurrentSession(ctx)
	if !ok {
		return nil, ErrNoSession
	}

	callID := uuid.NewString()
	cc, err := m.register(callID, sess.Auth.UserID)
	if err != nil {
		return nil, err
	}
	if err := cc.machine.StartOutgoing(ctx, callID, sess.Auth.UserID, remoteUserID, callType, sdp); err != nil {
		m.release(callID)
		return nil, err
	}
	return cc.machine, nil
}

// Machine returns the live machine for a call id.
func (m *Manager) Machine(callID string) (*Machine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cc, ok := m.contexts[callID]
	if !ok {
		return nil, false
	}
	return cc.machine, true
}

// Active returns snapshots of every live call context.
func (m *Manager) Active() []Data {
	m.mu.Lock()
	machines := make([]*Machine, 0, len(m.contexts))
	for _, cc := range m.contexts {
		machines = append(machines, cc.machine)
	}
	m.mu.Unlock()

	out := make([]Data, 0, len(machines))
	for _, mc := range machines {
		out = append(out, mc.Snapshot())
	}
	return out
}

// Close releases every call context. Live calls are not transitioned; the
// application ends them before teardown.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.contexts))
	for id := range m.contexts {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.release(id)
	}
}

/* ===================== INBOUND DISPATCH ===================== */

func (m *Manager) dispatch(ctx context.Context, env transport.Envelope) {
	if env.Event != transport.EventCallSignal {
		return
	}

	m.mu.Lock()
	cc := m.contexts[env.CallID()]
	m.mu.Unlock()
	if cc != nil {
		cc.router.Deliver(env)
		return
	}

	msg, err := signaling.DecodeEnvelope(env)
	if err != nil {
		m.log.Warn("dropping malformed signaling payload", "envelope_id", env.ID, "error", err)
		return
	}
	if msg.Type != signaling.TypeOffer {
		m.log.Debug("signal for unknown call dropped", "call_id", msg.CallID, "type", string(msg.Type))
		return
	}
	if _, err := m.acceptOffer(ctx, msg); err != nil {
		m.log.Warn("incoming call not admitted", "call_id", msg.CallID, "error", err)
	}
}

// acceptOffer admits an incoming offer as a new ringing call context.
func (m *Manager) acceptOffer(ctx context.Context, offer signaling.Message) (*Machine, error) {
	if m.sessions == nil {
		return nil, errors.New("call: session source not configured")
	}
	sess, ok := m.sessions.CurrentSession(ctx)
	if !ok {
		return nil, ErrNoSession
	}
	if offer.ToUserID != "" && offer.ToUserID != sess.Auth.UserID {
		return nil, fmt.Errorf("call: offer addressed to %q, active session is %q", offer.ToUserID, sess.Auth.UserID)
	}

	cc, err := m.register(offer.CallID, sess.Auth.UserID)
	if err != nil {
		return nil, err
	}
	if err := cc.machine.StartIncoming(offer, sess.Auth.UserID); err != nil {
		m.release(offer.CallID)
		return nil, err
	}
	return cc.machine, nil
}

func (m *Manager) onTransition(ctx context.Context, tr transport.Transition) {
	switch tr.Status {
	case transport.StatusConnected:
		// Reconnect is a sync trigger for the history backlog.
		go func() {
			if err := m.recorder.Sync(context.WithoutCancel(ctx)); err != nil {
				m.log.Warn("history sync on reconnect failed", "error", err)
			}
		}()
	case transport.StatusLost:
		m.failAll(ctx, ReasonConnectionLost)
	}
}

// failAll escalates exhausted transport retries to every live call.
func (m *Manager) failAll(ctx context.Context, reason string) {
	m.mu.Lock()
	machines := make([]*Machine, 0, len(m.contexts))
	for _, cc := range m.contexts {
		machines = append(machines, cc.machine)
	}
	m.mu.Unlock()
	for _, mc := range machines {
		mc.Fail(ctx, reason)
	}
}

/* ===================== CONTEXT LIFECYCLE ===================== */

// register builds the router/machine pair for one call and starts its
// pumps: filtered messages into the machine, terminal states into release.
func (m *Manager) register(callID, localUserID string) (*callContext, error) {
	router := signaling.NewRouter(m.tr, m.log)
	if err := router.Bind(callID, localUserID); err != nil {
		router.Close()
		return nil, err
	}
	machine := NewMachine(Config{
		Signaler:    router,
		Recorder:    m.recorder,
		Notifier:    m.notifier,
		RingTimeout: m.ringTimeout,
		Log:         m.log,
	})
	cc := &callContext{machine: machine, router: router}

	m.mu.Lock()
	if _, exists := m.contexts[callID]; exists {
		m.mu.Unlock()
		router.Close()
		machine.Close()
		return nil, fmt.Errorf("call: context %q already active", callID)
	}
	m.contexts[callID] = cc
	m.mu.Unlock()

	msgs, cancelMsgs := router.Messages()
	go func() {
		defer cancelMsgs()
		for msg := range msgs {
			machine.HandleMessage(context.Background(), msg)
		}
	}()

	states, cancelStates := machine.States()
	go func() {
		defer cancelStates()
		for d := range states {
			if d.State.Terminal() {
				m.reap(callID)
				return
			}
		}
	}()

	return cc, nil
}

// reap schedules the release of a finished context after the display grace.
func (m *Manager) reap(callID string) {
	if m.reapDelay <= 0 {
		m.release(callID)
		return
	}
	time.AfterFunc(m.reapDelay, func() { m.release(callID) })
}

// release drops a call context and closes its router and machine. Safe to
// call twice; the second call is a no-op.
func (m *Manager) release(callID string) {
	m.mu.Lock()
	cc := m.contexts[callID]
	delete(m.contexts, callID)
	m.mu.Unlock()
	if cc == nil {
		return
	}
	cc.router.Close()
	cc.machine.Close()
}
