package transport

import "testing"

func envWithID(id string) Envelope {
	return Envelope{ID: id, Event: EventCallSignal}
}

func TestSendQueue_FIFO(t *testing.T) {
	q := newSendQueue(10)
	q.push(envWithID("a"))
	q.push(envWithID("b"))
	q.push(envWithID("c"))

	out := q.drain()
	if len(out) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(out))
	}
	for i, want := range []string{"a", "b", "c"} {
		if out[i].ID != want {
			t.Fatalf("expected %s at %d, got %s", want, i, out[i].ID)
		}
	}
	if q.len() != 0 {
		t.Fatalf("expected empty queue after drain")
	}
}

func TestSendQueue_DropsOldestWhenFull(t *testing.T) {
	q := newSendQueue(3)
	q.push(envWithID("a"))
	q.push(envWithID("b"))
	q.push(envWithID("c"))

	dropped, ok := q.push(envWithID("d"))
	if !ok {
		t.Fatalf("expected a drop at capacity")
	}
	if dropped.ID != "a" {
		t.Fatalf("expected oldest dropped, got %s", dropped.ID)
	}
	if q.dropped() != 1 {
		t.Fatalf("expected drop counter 1, got %d", q.dropped())
	}

	out := q.drain()
	for i, want := range []string{"b", "c", "d"} {
		if out[i].ID != want {
			t.Fatalf("expected %s at %d, got %s", want, i, out[i].ID)
		}
	}
}

func TestSendQueue_RequeueFrontPreservesOrder(t *testing.T) {
	q := newSendQueue(10)
	q.push(envWithID("a"))
	q.push(envWithID("b"))
	q.push(envWithID("c"))

	pending := q.drain()
	// First entry delivered, connection broke; the rest goes back while a
	// newer send has already been queued.
	q.push(envWithID("d"))
	q.requeueFront(pending[1:])

	out := q.drain()
	for i, want := range []string{"b", "c", "d"} {
		if out[i].ID != want {
			t.Fatalf("expected %s at %d, got %s", want, i, out[i].ID)
		}
	}
}

func TestSendQueue_RequeueFrontRespectsCapacity(t *testing.T) {
	q := newSendQueue(2)
	q.push(envWithID("x"))
	q.requeueFront([]Envelope{envWithID("a"), envWithID("b")})

	if q.len() != 2 {
		t.Fatalf("expected capacity respected, got %d", q.len())
	}
	out := q.drain()
	// Oldest ("a") dropped.
	for i, want := range []string{"b", "x"} {
		if out[i].ID != want {
			t.Fatalf("expected %s at %d, got %s", want, i, out[i].ID)
		}
	}
	if q.dropped() != 1 {
		t.Fatalf("expected drop counter 1, got %d", q.dropped())
	}
}
