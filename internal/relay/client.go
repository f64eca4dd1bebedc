package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"mentorcall/internal/transport"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write one envelope or control frame.
	writeWait = 10 * time.Second

	// The connection is dead if no pong (or data) arrives within this window.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Offers carry full SDP blobs; anything bigger than this is not signaling.
	maxMessageSize = 256 * 1024

	sendBuffer = 32
)

// client is one authenticated websocket connection. Reads and writes run in
// separate pumps; close() is the single teardown path and is safe to call
// from any of them, or from the hub when the connection is superseded.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	log  *slog.Logger

	userID   string
	deviceID string
	role     string

	send chan transport.Envelope

	closeOnce sync.Once
	done      chan struct{}
	onClose   func()
}

func newClient(hub *Hub, conn *websocket.Conn, userID, deviceID, role string, log *slog.Logger) *client {
	if log == nil {
		log = slog.Default()
	}
	return &client{
		hub:      hub,
		conn:     conn,
		log:      log.With("user_id", userID, "device_id", deviceID),
		userID:   userID,
		deviceID: deviceID,
		role:     role,
		send:     make(chan transport.Envelope, sendBuffer),
		done:     make(chan struct{}),
	}
}

// run registers the client and starts both pumps. It returns immediately; the
// hijacked connection outlives the HTTP handler.
func (c *client) run() {
	c.hub.register(c)
	go c.writePump()
	go c.readPump()
}

// enqueue hands an envelope to the write pump without blocking. False means
// the buffer is full and the caller should treat the client as wedged.
func (c *client) enqueue(env transport.Envelope) bool {
	select {
	case c.send <- env:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
		c.hub.unregister(c)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read ended", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env transport.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("dropping undecodable frame", "error", err)
			continue
		}
		c.hub.route(c, env)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
