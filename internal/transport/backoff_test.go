package transport

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.3, RNG: rand.New(rand.NewSource(1))}

	prevMax := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		base := time.Second * (1 << (attempt - 1))
		if base > 30*time.Second {
			base = 30 * time.Second
		}
		lo := time.Duration(float64(base) * 0.7)
		hi := time.Duration(float64(base) * 1.3)

		d := b.Delay(attempt)
		if d < lo || d > hi {
			t.Fatalf("attempt %d: delay %v outside jitter window [%v, %v]", attempt, d, lo, hi)
		}
		if hi > prevMax {
			prevMax = hi
		}
	}

	// Never exceeds cap plus jitter.
	if d := b.Delay(50); d > time.Duration(float64(30*time.Second)*1.3) {
		t.Fatalf("expected capped delay, got %v", d)
	}
}

func TestBackoff_JitterStaysWithinFraction(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.3, RNG: rand.New(rand.NewSource(42))}

	for i := 0; i < 200; i++ {
		d := b.Delay(1)
		if d < 700*time.Millisecond || d > 1300*time.Millisecond {
			t.Fatalf("delay %v outside ±30%% of 1s", d)
		}
	}
}

func TestBackoff_DefaultsApplied(t *testing.T) {
	var b Backoff
	d := b.Delay(1)
	// Zero value means 1s initial with ±30% jitter.
	if d < 700*time.Millisecond || d > 1300*time.Millisecond {
		t.Fatalf("expected default initial delay near 1s, got %v", d)
	}
}

func TestBackoff_AttemptFloor(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.3, RNG: rand.New(rand.NewSource(7))}
	d := b.Delay(0)
	if d < 700*time.Millisecond || d > 1300*time.Millisecond {
		t.Fatalf("expected attempt floor of 1, got delay %v", d)
	}
}
