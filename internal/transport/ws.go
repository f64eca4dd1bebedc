package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// WebsocketDialer connects to a signaling endpoint over websocket with JSON
// envelope framing. The bearer token and device id travel in the handshake
// headers.
type WebsocketDialer struct {
	URL              string
	HandshakeTimeout time.Duration
	Log              *slog.Logger
}

func (d *WebsocketDialer) Dial(ctx context.Context, id Identity) (Conn, error) {
	if d.URL == "" {
		return nil, fmt.Errorf("transport: dialer url is required")
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	wd := websocket.Dialer{HandshakeTimeout: timeout}

	header := http.Header{}
	if id.Token != "" {
		header.Set("Authorization", "Bearer "+id.Token)
	}
	if id.DeviceID != "" {
		header.Set("X-Device-Id", id.DeviceID)
	}

	c, resp, err := wd.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("transport: dial %s: status %d: %w", d.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", d.URL, err)
	}

	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	wc := &wsConn{
		conn:    c,
		inbound: make(chan Envelope, 64),
		done:    make(chan struct{}),
		log:     log,
	}
	go wc.readLoop()
	return wc, nil
}

type wsConn struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex
	inbound chan Envelope

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) Send(ctx context.Context, env Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

func (c *wsConn) Inbound() <-chan Envelope { return c.inbound }

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

// readLoop decodes inbound frames until the connection breaks. Frames that
// are not valid envelope JSON are dropped; only transport-level read errors
// end the loop and close Inbound.
func (c *wsConn) readLoop() {
	defer close(c.inbound)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read ended", "error", err)
			}
			_ = c.Close()
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("dropping undecodable frame", "error", err)
			continue
		}

		select {
		case c.inbound <- env:
		case <-c.done:
			return
		}
	}
}
