package transport

import (
	"context"
	"errors"
)

// Identity authenticates a connection attempt.
type Identity struct {
	UserID   string
	DeviceID string
	Token    string
}

var (
	// ErrClosed reports an operation on a torn-down connection.
	ErrClosed = errors.New("transport: connection closed")
	// ErrNotConnected reports a send on a connection that is not established.
	ErrNotConnected = errors.New("transport: not connected")
)

// Conn is one live duplex connection. Send fails once the connection is
// closed or broken; Inbound is closed when the read side ends, which is the
// signal that the connection is gone.
type Conn interface {
	Send(ctx context.Context, env Envelope) error
	Inbound() <-chan Envelope
	Close() error
}

// Dialer establishes connections. Implementations must honor ctx
// cancellation during the handshake.
type Dialer interface {
	Dial(ctx context.Context, id Identity) (Conn, error)
}
