package transport

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth from Initial,
// doubling (or Multiplier-ing) per attempt up to Max, randomized by
// ±Jitter so a fleet of clients does not retry in lockstep.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction of random perturbation, e.g. 0.3 for ±30%.
	Jitter float64
	// RNG is injectable for deterministic tests; nil uses the global source.
	RNG *rand.Rand
}

func (b Backoff) withDefaults() Backoff {
	out := b
	if out.Initial <= 0 {
		out.Initial = time.Second
	}
	if out.Max <= 0 {
		out.Max = 30 * time.Second
	}
	if out.Multiplier < 1 {
		out.Multiplier = 2.0
	}
	if out.Jitter <= 0 || out.Jitter >= 1 {
		out.Jitter = 0.3
	}
	return out
}

// Delay returns the wait before the given reconnect attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d *= 1 + b.Jitter*(2*b.rand()-1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (b Backoff) rand() float64 {
	if b.RNG != nil {
		return b.RNG.Float64()
	}
	return rand.Float64()
}
