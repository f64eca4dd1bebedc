package transport

// sendQueue buffers outbound envelopes while the connection is down.
// FIFO and bounded: pushing into a full queue drops the oldest entry so
// fresh signaling always wins. Not safe for concurrent use; the owner
// serializes access.
type sendQueue struct {
	capacity int
	items    []Envelope
	drops    uint64
}

func newSendQueue(capacity int) *sendQueue {
	if capacity <= 0 {
		capacity = 100
	}
	return &sendQueue{capacity: capacity}
}

// push appends env. When the queue is full the oldest entry is evicted and
// returned with ok=true so the caller can report the drop.
func (q *sendQueue) push(env Envelope) (dropped Envelope, ok bool) {
	if len(q.items) >= q.capacity {
		dropped = q.items[0]
		q.items = append(q.items[:0], q.items[1:]...)
		q.items = append(q.items, env)
		q.drops++
		return dropped, true
	}
	q.items = append(q.items, env)
	return Envelope{}, false
}

// drain empties the queue, returning entries in submission order.
func (q *sendQueue) drain() []Envelope {
	out := q.items
	q.items = nil
	return out
}

// requeueFront puts undelivered entries back at the head, preserving their
// original order ahead of anything pushed since the drain.
func (q *sendQueue) requeueFront(items []Envelope) {
	if len(items) == 0 {
		return
	}
	merged := make([]Envelope, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)
	if len(merged) > q.capacity {
		over := len(merged) - q.capacity
		q.drops += uint64(over)
		merged = merged[over:]
	}
	q.items = merged
}

func (q *sendQueue) len() int { return len(q.items) }

func (q *sendQueue) dropped() uint64 { return q.drops }

func (q *sendQueue) reset() { q.items = nil }
