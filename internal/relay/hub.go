package relay

import (
	"log/slog"
	"sync"
	"time"

	"mentorcall/internal/transport"
)

// Hub tracks live websocket clients and routes envelopes between them.
//
// Registry shape: userID -> deviceID -> client. A user holds at most one
// connection per device; a second connection from the same (user, device)
// supersedes the first, which is closed. Delivery fans out to every connected
// device of the receiver, so a call can ring on all of them.
type Hub struct {
	log *slog.Logger

	mu       sync.Mutex
	clients  map[string]map[string]*client
	lastSeen map[string]time.Time

	delivered int64
	dropped   int64
}

// Stats is a point-in-time snapshot of hub activity.
type Stats struct {
	Users       int   `json:"users"`
	Connections int   `json:"connections"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		clients:  make(map[string]map[string]*client),
		lastSeen: make(map[string]time.Time),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	devices := h.clients[c.userID]
	if devices == nil {
		devices = make(map[string]*client)
		h.clients[c.userID] = devices
	}
	old := devices[c.deviceID]
	devices[c.deviceID] = c
	h.lastSeen[c.userID] = time.Now()
	h.mu.Unlock()

	if old != nil {
		h.log.Info("superseding connection", "user_id", c.userID, "device_id", c.deviceID)
		old.close()
	}
}

// unregister removes c only if it is still the registered connection for its
// (user, device) slot; a superseded client must not evict its replacement.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	devices := h.clients[c.userID]
	if devices == nil || devices[c.deviceID] != c {
		return
	}
	delete(devices, c.deviceID)
	if len(devices) == 0 {
		delete(h.clients, c.userID)
	}
	h.lastSeen[c.userID] = time.Now()
}

// route forwards one inbound envelope. The sender id is stamped from the
// authenticated connection, so clients cannot speak for each other.
func (h *Hub) route(from *client, env transport.Envelope) {
	env.SenderID = from.userID

	if env.Event == transport.EventPresence {
		h.touch(from.userID)
		return
	}
	if env.ReceiverID == "" {
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		h.log.Warn("dropping unaddressed envelope", "event", env.Event, "sender_id", env.SenderID)
		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients[env.ReceiverID]))
	for _, c := range h.clients[env.ReceiverID] {
		targets = append(targets, c)
	}
	if len(targets) == 0 {
		h.dropped++
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		h.log.Debug("receiver offline", "receiver_id", env.ReceiverID, "event", env.Event)
		return
	}

	for _, target := range targets {
		if target.enqueue(env) {
			h.mu.Lock()
			h.delivered++
			h.mu.Unlock()
			continue
		}
		// A full outbound buffer means the client stopped reading. Closing the
		// connection hands recovery to the client's reconnect loop.
		h.log.Warn("closing slow consumer", "user_id", target.userID, "device_id", target.deviceID)
		target.close()
	}
}

func (h *Hub) touch(userID string) {
	h.mu.Lock()
	h.lastSeen[userID] = time.Now()
	h.mu.Unlock()
}

// Online reports whether the user has at least one live connection.
func (h *Hub) Online(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[userID]) > 0
}

// LastSeen returns the time of the user's most recent connect, disconnect, or
// presence heartbeat.
func (h *Hub) LastSeen(userID string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.lastSeen[userID]
	return t, ok
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := 0
	for _, devices := range h.clients {
		conns += len(devices)
	}
	return Stats{
		Users:       len(h.clients),
		Connections: conns,
		Delivered:   h.delivered,
		Dropped:     h.dropped,
	}
}

// CloseAll disconnects every client. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	targets := make([]*client, 0)
	for _, devices := range h.clients {
		for _, c := range devices {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.close()
	}
}
