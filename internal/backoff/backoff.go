// Package backoff computes the delay before a failed job becomes eligible again.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always waits the same interval.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(_ int) time.Duration { return c.Interval }

// Exponential doubles the delay each attempt, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	return capped(e.Initial, e.Max, attempt)
}

// ExponentialWithJitter picks a random delay in [d/2, d] where d is the
// exponential delay for the attempt, so a burst of failures spreads out.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

func (e ExponentialWithJitter) Delay(attempt int) time.Duration {
	d := capped(e.Initial, e.Max, attempt)
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int64N(int64(half)+1)) //nolint:gosec // jitter does not need crypto rand
}

// Default is exponential with jitter from 1s up to 1h.
func Default() Strategy {
	return ExponentialWithJitter{Initial: time.Second, Max: time.Hour}
}

func capped(initial, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	f := float64(initial) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && f > float64(maxDelay) {
		return maxDelay
	}
	if f > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}
