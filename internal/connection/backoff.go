package connection

import (
	"math"
	"math/rand/v2"
	"time"
)

// DefaultJitter spreads delays uniformly over +-25% of the base delay.
const DefaultJitter = 0.25

// Backoff computes reconnect delays from the retry count.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Base is min(Initial * Multiplier^retry, Max) without jitter.
func (b Backoff) Base(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(retry))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Delay applies jitter to Base.
func (b Backoff) Delay(retry int) time.Duration {
	base := b.Base(retry)
	if b.Jitter <= 0 {
		return base
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	offset := b.Jitter * (2*r() - 1)
	d := time.Duration(float64(base) * (1 + offset))
	if d < 0 {
		return 0
	}
	return d
}
