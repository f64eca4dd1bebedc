package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mentorcall/internal/events"
)

// Status of the logical connection, published on the States stream.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
	// StatusLost means the retry budget is exhausted. The loop holds until a
	// reachability signal arrives, which resets the budget.
	StatusLost Status = "lost"
)

// Transition is one connectivity change.
type Transition struct {
	Status  Status
	Attempt int
	Err     error
}

// Options tune the resilience behavior. Zero values get safe defaults.
type Options struct {
	Backoff Backoff
	// MaxAttempts is the consecutive dial-failure budget before the layer
	// reports StatusLost.
	MaxAttempts int
	// QueueCapacity bounds the offline send queue; beyond it the oldest
	// entry is dropped with a warning.
	QueueCapacity int
	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration
	Log         *slog.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 10
	}
	if out.QueueCapacity <= 0 {
		out.QueueCapacity = 100
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 15 * time.Second
	}
	if out.Log == nil {
		out.Log = slog.Default()
	}
	return out
}

// ResilientConn owns one logical connection to the signaling transport.
//
// Behavior:
// - Sends go straight through while connected. While disconnected they are
//   appended to a bounded FIFO queue that is flushed, in submission order,
//   before new sends go direct after a reconnect.
// - An unexpected disconnect triggers an immediate redial; subsequent
//   failures back off exponentially with jitter.
// - Reachability hints (SetOnline) suspend dialing entirely while offline
//   and short-circuit any pending backoff wait when connectivity returns.
// - Close cancels timers and the dial loop, closes the live connection, and
//   discards queued-but-unsent envelopes.
type ResilientConn struct {
	dialer   Dialer
	identity Identity
	opts     Options
	log      *slog.Logger

	mu      sync.Mutex
	conn    Conn
	queue   *sendQueue
	online  bool
	closed  bool
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	wake    chan struct{}
	inbound chan Envelope
	states  *events.Stream[Transition]
}

func NewResilientConn(dialer Dialer, identity Identity, opts Options) *ResilientConn {
	opts = opts.withDefaults()
	return &ResilientConn{
		dialer:   dialer,
		identity: identity,
		opts:     opts,
		log:      opts.Log,
		queue:    newSendQueue(opts.QueueCapacity),
		online:   true,
		wake:     make(chan struct{}, 1),
		inbound:  make(chan Envelope, 64),
		states:   events.NewStream[Transition](16),
	}
}

// Start launches the connection loop. Subsequent calls are no-ops.
func (c *ResilientConn) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(runCtx)
}

// Send delivers env now when connected, otherwise queues it for the next
// reconnect. Transient transport failures are absorbed by requeueing; the
// hard failures are sending before Start and sending on a torn-down
// instance, since neither has a logical connection to queue against.
func (c *ResilientConn) Send(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.started {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	if conn == nil {
		c.enqueueLocked(env)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := conn.Send(ctx, env); err != nil {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		if c.conn == conn {
			c.conn = nil
		}
		c.enqueueLocked(env)
		c.mu.Unlock()
		_ = conn.Close()
		c.log.Warn("send failed, envelope queued for redelivery", "envelope_id", env.ID, "error", err)
		return nil
	}
	return nil
}

// Inbound is the fan-in of received envelopes across reconnects. It closes
// when the layer shuts down.
func (c *ResilientConn) Inbound() <-chan Envelope { return c.inbound }

// States subscribes to connectivity transitions. The returned cancel func
// releases the subscription.
func (c *ResilientConn) States() (<-chan Transition, func()) { return c.states.Subscribe() }

// SetOnline feeds the device reachability signal. Offline suspends dial
// attempts entirely. Every online report short-circuits any backoff wait
// for an immediate attempt, and revives a loop parked in StatusLost with a
// fresh retry budget; reachability callbacks may re-fire "online" and each
// one deserves a try.
func (c *ResilientConn) SetOnline(online bool) {
	c.mu.Lock()
	c.online = online
	c.mu.Unlock()
	if online {
		c.nudge()
	}
}

// Connected reports whether a live connection is currently installed.
func (c *ResilientConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// QueueDepth reports the number of envelopes waiting for a reconnect.
func (c *ResilientConn) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.len()
}

// QueueDropped reports how many envelopes the bounded queue has discarded.
func (c *ResilientConn) QueueDropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.dropped()
}

// Close tears the layer down. Idempotent.
func (c *ResilientConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	discarded := c.queue.len()
	c.queue.reset()
	cancel := c.cancel
	done := c.done
	started := c.started
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	c.nudge()
	if started && done != nil {
		<-done
	} else {
		close(c.inbound)
	}
	c.states.Close()
	if discarded > 0 {
		c.log.Info("discarded queued envelopes on teardown", "count", discarded)
	}
	return nil
}

/* ===================== CONNECTION LOOP ===================== */

func (c *ResilientConn) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.inbound)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		if !c.isOnline() {
			if !c.waitWake(ctx) {
				return
			}
			attempt = 0
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
		conn, err := c.dialer.Dial(dialCtx, c.identity)
		cancel()
		if err != nil {
			attempt++
			if attempt >= c.opts.MaxAttempts {
				c.log.Error("reconnect budget exhausted", "attempts", attempt, "error", err)
				c.states.Publish(Transition{Status: StatusLost, Attempt: attempt, Err: err})
				if !c.waitWake(ctx) {
					return
				}
				attempt = 0
				continue
			}
			delay := c.opts.Backoff.Delay(attempt)
			c.states.Publish(Transition{Status: StatusReconnecting, Attempt: attempt, Err: err})
			c.log.Warn("dial failed, backing off", "attempt", attempt, "delay", delay.String(), "error", err)
			if !c.sleep(ctx, delay) {
				return
			}
			continue
		}

		if err := c.install(ctx, conn); err != nil {
			_ = conn.Close()
			if c.isClosed() || ctx.Err() != nil {
				return
			}
			// Flush failed: the fresh connection is already broken. Counts
			// as a failed attempt.
			attempt++
			c.states.Publish(Transition{Status: StatusReconnecting, Attempt: attempt, Err: err})
			if !c.sleep(ctx, c.opts.Backoff.Delay(attempt)) {
				return
			}
			continue
		}

		attempt = 0
		c.states.Publish(Transition{Status: StatusConnected})
		c.log.Info("transport connected", "user_id", c.identity.UserID, "device_id", c.identity.DeviceID)

		c.pump(ctx, conn)
		if ctx.Err() != nil {
			_ = conn.Close()
			return
		}

		c.detach(conn)
		c.states.Publish(Transition{Status: StatusDisconnected})
		c.log.Warn("transport disconnected")
		// First redial is immediate; backoff starts after it fails.
	}
}

// install flushes the offline queue in submission order and then publishes
// the connection for direct sends. Sends arriving mid-flush keep queueing,
// so queued traffic is always delivered first.
func (c *ResilientConn) install(ctx context.Context, conn Conn) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		pending := c.queue.drain()
		if len(pending) == 0 {
			c.conn = conn
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		for i, env := range pending {
			if err := conn.Send(ctx, env); err != nil {
				c.mu.Lock()
				c.queue.requeueFront(pending[i:])
				c.mu.Unlock()
				return err
			}
		}
		c.log.Debug("flushed offline queue", "count", len(pending))
	}
}

// pump forwards inbound envelopes until the connection breaks.
func (c *ResilientConn) pump(ctx context.Context, conn Conn) {
	for {
		select {
		case env, ok := <-conn.Inbound():
			if !ok {
				return
			}
			select {
			case c.inbound <- env:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *ResilientConn) detach(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *ResilientConn) enqueueLocked(env Envelope) {
	if dropped, ok := c.queue.push(env); ok {
		c.log.Warn("offline queue full, dropped oldest envelope",
			"dropped_id", dropped.ID, "dropped_event", dropped.Event, "capacity", c.opts.QueueCapacity)
	}
}

// sleep waits out a backoff delay; a reachability nudge or teardown cuts it
// short. Returns false when the loop should exit.
func (c *ResilientConn) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-c.wake:
		return true
	}
}

func (c *ResilientConn) waitWake(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.wake:
		return true
	}
}

func (c *ResilientConn) nudge() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *ResilientConn) isOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *ResilientConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
