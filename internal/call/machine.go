package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mentorcall/internal/events"
	"mentorcall/internal/history"
	"mentorcall/internal/notify"
	"mentorcall/internal/signaling"
)

// DefaultRingTimeout bounds how long an unanswered call may ring before it
// fails locally with reason no_answer.
const DefaultRingTimeout = 45 * time.Second

// ErrInvalidTransition reports an intent the current state does not admit.
var ErrInvalidTransition = errors.New("call: invalid transition")

// Signaler is the outbound signaling surface the machine drives. A bound
// signaling.Router satisfies it. ICE candidates are sent by the media layer
// directly; the machine never produces them.
type Signaler interface {
	SendOffer(ctx context.Context, toUserID string, sdp json.RawMessage, callType string) error
	SendAnswer(ctx context.Context, toUserID string, sdp json.RawMessage) error
	SendReject(ctx context.Context, toUserID, reason string) error
	SendEnd(ctx context.Context, toUserID, reason string) error
	SendCancel(ctx context.Context, toUserID string) error
}

// Recorder is the history surface the machine writes through. A
// history.Recorder satisfies it.
type Recorder interface {
	LogStarted(callID, callerID, receiverID string, callType history.CallType) (history.Record, error)
	LogAccepted(callID string) (history.Record, error)
	LogEnded(ctx context.Context, callID, reason string) (history.Record, error)
}

// Config wires one Machine. Signaler and Recorder are required; Notifier
// defaults to the no-op adapter.
type Config struct {
	Signaler Signaler
	Recorder Recorder
	Notifier notify.Notifier

	// RingTimeout bounds calling/ringing. Zero means DefaultRingTimeout;
	// negative disables the timer (tests only).
	RingTimeout time.Duration

	Log *slog.Logger
}

// Machine drives the lifecycle of exactly one call:
//
//	calling -> ringing -> connecting -> in_call -> {ended | failed | rejected}
//
// The mutex serializes transitions together with their side effects, so
// signaling sends, history writes and notifications observe transition
// order. Collaborators must not call back into the machine. Transition into
// a terminal state is idempotent: repeated terminal events are no-ops.
type Machine struct {
	signaler Signaler
	recorder Recorder
	notifier notify.Notifier
	log      *slog.Logger

	// Now is injectable for tests.
	Now func() time.Time

	ringTimeout time.Duration

	mu        sync.Mutex
	started   bool
	data      Data
	remoteSDP json.RawMessage
	ringTimer *time.Timer

	states *events.Stream[Data]
	media  *events.Stream[signaling.Message]
}

func NewMachine(cfg Config) *Machine {
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
	return &Machine{
		signaler:    cfg.Signaler,
		recorder:    cfg.Recorder,
		notifier:    notifier,
		log:         log,
		Now:         time.Now,
		ringTimeout: rt,
		states:      events.NewStream[Data](16),
		media:       events.NewStream[signaling.Message](32),
	}
}

// States subscribes to data snapshots published after every transition.
func (m *Machine) States() (<-chan Data, func()) { return m.states.Subscribe() }

// Media subscribes to inbound negotiation messages (answers, ICE
// candidates) for the media layer.
func (m *Machine) Media() (<-chan signaling.Message, func()) { return m.media.Subscribe() }

// Snapshot returns a copy of the call's current data.
func (m *Machine) Snapshot() Data {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

// RemoteDescription returns the last SDP received from the far side: the
// offer for incoming calls, the answer for outgoing ones. Nil before
// negotiation.
func (m *Machine) RemoteDescription() json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteSDP
}

/* ===================== CALL SETUP ===================== */

// StartOutgoing opens an outgoing call: it hands the offer to the
// transport, starts the ringback notification and arms the ring timer.
func (m *Machine) StartOutgoing(ctx context.Context, callID, localUserID, remoteUserID string, callType history.CallType, sdp json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signaler == nil || m.recorder == nil {
		return errors.New("call: machine not configured")
	}
	if m.started {
		return ErrInvalidTransition
	}
	if callID == "" || localUserID == "" || remoteUserID == "" {
		return errors.New("call: callID, localUserID and remoteUserID are required")
	}
	if callType != history.CallTypeVideo {
		callType = history.CallTypeAudio
	}

	if err := m.signaler.SendOffer(ctx, remoteUserID, sdp, string(callType)); err != nil {
		return err
	}

	m.started = true
	m.data = Data{
		CallID:       callID,
		Direction:    DirectionOutgoing,
		CallType:     callType,
		LocalUserID:  localUserID,
		RemoteUserID: remoteUserID,
		State:        StateCalling,
		StartedAt:    m.Now().UTC(),
	}
	if _, err := m.recorder.LogStarted(callID, localUserID, remoteUserID, callType); err != nil {
		m.log.Warn("call start not recorded", "call_id", callID, "error", err)
	}
	m.notifier.CallOutgoing(callID, remoteUserID)
	m.armRingTimerLocked()
	m.publishLocked()
	return nil
}

// StartIncoming opens a ringing call from a received offer.
func (m *Machine) StartIncoming(offer signaling.Message, localUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signaler == nil || m.recorder == nil {
		return errors.New("call: machine not configured")
	}
	if m.started {
		return ErrInvalidTransition
	}
	if offer.Type != signaling.TypeOffer {
		return fmt.Errorf("call: incoming call needs an offer, got %q", offer.Type)
	}
	if offer.CallID == "" || offer.FromUserID == "" || localUserID == "" {
		return errors.New("call: offer is missing call or user identity")
	}
	callType := history.CallType(offer.CallType)
	if callType != history.CallTypeVideo {
		callType = history.CallTypeAudio
	}

	m.started = true
	m.remoteSDP = offer.SDP
	m.data = Data{
		CallID:       offer.CallID,
		Direction:    DirectionIncoming,
		CallType:     callType,
		LocalUserID:  localUserID,
		RemoteUserID: offer.FromUserID,
		State:        StateRinging,
		StartedAt:    m.Now().UTC(),
	}
	if _, err := m.recorder.LogStarted(offer.CallID, offer.FromUserID, localUserID, callType); err != nil {
		m.log.Warn("call start not recorded", "call_id", offer.CallID, "error", err)
	}
	m.notifier.CallIncoming(offer.CallID, offer.FromUserID, callType == history.CallTypeVideo)
	m.armRingTimerLocked()
	m.publishLocked()
	return nil
}

/* ===================== USER INTENTS ===================== */

// Accept answers a ringing incoming call.
func (m *Machine) Accept(ctx context.Context, sdp json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data.State != StateRinging || m.data.Direction != DirectionIncoming {
		return ErrInvalidTransition
	}
	if err := m.signaler.SendAnswer(ctx, m.data.RemoteUserID, sdp); err != nil {
		return err
	}
	m.toConnectingLocked(ctx)
	return nil
}

// Reject declines a ringing incoming call and informs the caller.
func (m *Machine) Reject(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data.State != StateRinging || m.data.Direction != DirectionIncoming {
		return ErrInvalidTransition
	}
	m.terminateLocked(ctx, StateRejected, ReasonDeclined, func(ctx context.Context) error {
		return m.signaler.SendReject(ctx, m.data.RemoteUserID, ReasonDeclined)
	})
	return nil
}

// End hangs up. Valid from any non-terminal state; ending a finished call
// is a no-op.
func (m *Machine) End(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrInvalidTransition
	}
	m.terminateLocked(ctx, StateEnded, ReasonCompleted, func(ctx context.Context) error {
		return m.signaler.SendEnd(ctx, m.data.RemoteUserID, ReasonCompleted)
	})
	return nil
}

// Cancel withdraws an outgoing call the far side did not answer yet.
func (m *Machine) Cancel(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data.State != StateCalling {
		return ErrInvalidTransition
	}
	m.terminateLocked(ctx, StateEnded, ReasonCancelled, func(ctx context.Context) error {
		return m.signaler.SendCancel(ctx, m.data.RemoteUserID)
	})
	return nil
}

// MarkConnected records that the media path is established (ICE completed)
// and moves the call fully in-call.
func (m *Machine) MarkConnected(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.data.State {
	case StateConnecting:
	case StateCalling, StateRinging:
		// Media can finish before the answer is observed.
		m.toConnectingLocked(ctx)
	case StateInCall:
		return nil
	default:
		return ErrInvalidTransition
	}
	m.data.State = StateInCall
	m.publishLocked()
	return nil
}

// Fail forces the call into failed: local media errors, transport loss
// escalation, ring timeout. Repeated terminal events are no-ops.
func (m *Machine) Fail(ctx context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.terminateLocked(ctx, StateFailed, reason, nil)
}

/* ===================== INBOUND SIGNALS ===================== */

// HandleMessage applies one inbound signaling message. Out-of-order or
// unexpected messages never error: they are logged and dropped so a
// misbehaving peer cannot wedge the machine.
func (m *Machine) HandleMessage(ctx context.Context, msg signaling.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || msg.CallID != m.data.CallID {
		return
	}

	switch msg.Type {
	case signaling.TypeAnswer:
		m.handleAnswerLocked(ctx, msg)
	case signaling.TypeIceCandidate:
		m.handleCandidateLocked(ctx, msg)
	case signaling.TypeReject:
		reason := msg.Reason
		if reason == "" {
			reason = ReasonDeclined
		}
		m.terminateLocked(ctx, StateRejected, reason, nil)
	case signaling.TypeEnd:
		reason := msg.Reason
		if reason == "" {
			reason = ReasonCompleted
		}
		m.terminateLocked(ctx, StateEnded, reason, nil)
	case signaling.TypeCancel:
		m.terminateLocked(ctx, StateEnded, ReasonCancelled, nil)
	case signaling.TypeOffer:
		// Offers create machines; a duplicate for a live call is noise.
		m.log.Debug("ignoring duplicate offer", "call_id", msg.CallID)
	case signaling.TypeHeartbeat:
		// Liveness only; no transition.
	}
}

func (m *Machine) handleAnswerLocked(ctx context.Context, msg signaling.Message) {
	switch m.data.State {
	case StateCalling, StateRinging:
		m.remoteSDP = msg.SDP
		m.toConnectingLocked(ctx)
		m.media.Publish(msg)
	case StateConnecting:
		// ICE arrived first; the late answer still feeds the media layer.
		m.remoteSDP = msg.SDP
		m.media.Publish(msg)
	default:
		m.log.Debug("ignoring answer", "call_id", m.data.CallID, "state", string(m.data.State))
	}
}

func (m *Machine) handleCandidateLocked(ctx context.Context, msg signaling.Message) {
	if m.data.State.Terminal() {
		return
	}
	if m.data.State == StateCalling || m.data.State == StateRinging {
		// A candidate implies the far side accepted; the answer may still be
		// in flight.
		m.toConnectingLocked(ctx)
	}
	m.media.Publish(msg)
}

/* ===================== TRANSITION HELPERS ===================== */

// toConnectingLocked leaves the audible phase: ring timer disarmed,
// ringtone/ringback stopped, accept time recorded once.
func (m *Machine) toConnectingLocked(ctx context.Context) {
	m.disarmRingTimerLocked()
	m.data.State = StateConnecting
	if m.data.AcceptedAt == nil {
		now := m.Now().UTC()
		m.data.AcceptedAt = &now
		if _, err := m.recorder.LogAccepted(m.data.CallID); err != nil {
			m.log.Warn("call accept not recorded", "call_id", m.data.CallID, "error", err)
		}
	}
	m.notifier.StopRinging(m.data.CallID)
	m.publishLocked()
}

// terminateLocked moves to a terminal state exactly once. The farewell send
// and the history write are best-effort: their failure never blocks the
// transition.
func (m *Machine) terminateLocked(ctx context.Context, to State, reason string, farewell func(context.Context) error) {
	if m.data.State.Terminal() {
		return
	}
	m.disarmRingTimerLocked()
	now := m.Now().UTC()
	m.data.State = to
	m.data.EndReason = reason
	m.data.EndedAt = &now

	if farewell != nil {
		if err := farewell(ctx); err != nil {
			m.log.Warn("call farewell not sent", "call_id", m.data.CallID, "error", err)
		}
	}
	m.notifier.StopRinging(m.data.CallID)
	m.notifier.CallEnded(m.data.CallID, reason)
	if _, err := m.recorder.LogEnded(ctx, m.data.CallID, reason); err != nil {
		m.log.Warn("call end not recorded", "call_id", m.data.CallID, "error", err)
	}
	m.publishLocked()
}

func (m *Machine) publishLocked() { m.states.Publish(m.data) }

/* ===================== RING TIMER ===================== */

func (m *Machine) armRingTimerLocked() {
	if m.ringTimeout <= 0 {
		return
	}
	m.ringTimer = time.AfterFunc(m.ringTimeout, m.onRingTimeout)
}

func (m *Machine) disarmRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// onRingTimeout fires when calling/ringing outlived the ring budget: the
// call fails locally with no_answer and the far side is told to stand down.
func (m *Machine) onRingTimeout() {
	ctx := context.Background()
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.data.State {
	case StateCalling:
		m.terminateLocked(ctx, StateFailed, ReasonNoAnswer, func(ctx context.Context) error {
			return m.signaler.SendCancel(ctx, m.data.RemoteUserID)
		})
	case StateRinging:
		m.terminateLocked(ctx, StateFailed, ReasonNoAnswer, func(ctx context.Context) error {
			return m.signaler.SendEnd(ctx, m.data.RemoteUserID, ReasonNoAnswer)
		})
	}
}

// Close releases the ring timer and closes the machine's streams. It does
// not transition the call; callers End or Cancel live calls first.
func (m *Machine) Close() {
	m.mu.Lock()
	m.disarmRingTimerLocked()
	m.mu.Unlock()
	m.states.Close()
	m.media.Close()
}
