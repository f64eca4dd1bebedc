package events

import "sync"

// Stream is a typed broadcast channel: one producer, any number of
// subscribers, each with its own bounded buffer.
//
// Rules:
// - Publish never blocks. A subscriber that falls behind loses its oldest
//   buffered events, not the newest; state-style streams always converge
//   on the latest value.
// - Close terminates every subscriber channel. Publishing after Close is
//   a no-op.
type Stream[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	buffer int
	closed bool
}

// NewStream creates a stream whose subscribers buffer up to buffer events.
func NewStream[T any](buffer int) *Stream[T] {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream[T]{subs: make(map[int]chan T), buffer: buffer}
}

// Subscribe registers a new consumer. The returned cancel func detaches the
// consumer and closes its channel; calling it more than once is safe.
// Subscribing to a closed stream yields an already-closed channel.
func (s *Stream[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, s.buffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Publish delivers v to every current subscriber without blocking.
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		// Full buffer: evict the oldest entry, then retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Close detaches and closes all subscriber channels. Idempotent.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
