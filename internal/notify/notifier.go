package notify

import "log/slog"

// Notifier is the device-facing notification boundary for call events.
//
// Rules:
// - No platform notification SDK calls outside notify adapters.
// - Adapters carry no call business logic; the state machine decides WHEN to
//   notify, adapters decide HOW.
// - Every method is fire-and-forget: failures are the adapter's problem and
//   must never block or fail a call transition.
type Notifier interface {
	// CallIncoming starts the incoming-call alert (ringtone + haptics).
	CallIncoming(callID, fromUserID string, video bool)

	// CallOutgoing starts the outgoing-call ringback.
	CallOutgoing(callID, toUserID string)

	// StopRinging silences whichever alert is active for the call.
	StopRinging(callID string)

	// CallEnded clears any remaining UI surface for the call.
	CallEnded(callID, reason string)
}

// LogNotifier writes call alerts to the structured log. It is the default
// adapter for headless deployments and tests.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) CallIncoming(callID, fromUserID string, video bool) {
	n.log.Info("incoming call alert", "call_id", callID, "from", fromUserID, "video", video)
}

func (n *LogNotifier) CallOutgoing(callID, toUserID string) {
	n.log.Info("outgoing call ringback", "call_id", callID, "to", toUserID)
}

func (n *LogNotifier) StopRinging(callID string) {
	n.log.Info("ringing stopped", "call_id", callID)
}

func (n *LogNotifier) CallEnded(callID, reason string) {
	n.log.Info("call alert cleared", "call_id", callID, "reason", reason)
}

// NopNotifier discards every alert.
type NopNotifier struct{}

func (NopNotifier) CallIncoming(callID, fromUserID string, video bool) {}
func (NopNotifier) CallOutgoing(callID, toUserID string)               {}
func (NopNotifier) StopRinging(callID string)                          {}
func (NopNotifier) CallEnded(callID, reason string)                    {}
