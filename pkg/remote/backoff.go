package remote

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff returns the delay before retry attempt n (n starts at 1).
type Backoff interface {
	NextInterval(attempt int) time.Duration
}

// ExponentialBackoff doubles the delay per attempt with optional jitter.
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64
}

func (e ExponentialBackoff) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	initial := cmpOr(e.Initial, 200*time.Millisecond)
	ceiling := cmpOr(e.Max, 2*time.Second)

	interval := float64(initial) * math.Pow(2, float64(attempt-1))
	if e.Jitter > 0 {
		interval *= 1 + (rand.Float64()*2-1)*e.Jitter
	}
	return min(time.Duration(interval), ceiling)
}

// ConstantBackoff waits the same interval between attempts.
type ConstantBackoff time.Duration

func (c ConstantBackoff) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return time.Duration(c)
}

func cmpOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
