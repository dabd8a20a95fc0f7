package inbox

import (
	"math"
	"math/rand/v2"
	"time"
)

// DelayFunc returns how long to wait after the given failed attempt
// (0 based) before retrying.
type DelayFunc func(attempt int) time.Duration

// Fixed returns a DelayFunc that waits the same delay after every attempt.
func Fixed(delay time.Duration) DelayFunc {
	return func(int) time.Duration {
		return delay
	}
}

// Exponential returns a DelayFunc that doubles the delay after each attempt,
// starting at delay and capped at maxDelay.
//
// For example, with a delay of 200 milliseconds and a maxDelay of 15 seconds:
//
//	after attempt 0: 200ms
//	after attempt 1: 400ms
//	after attempt 2: 800ms
//	after attempt 3: 1.6s
//	after attempt 4: 3.2s
//	after attempt 5: 6.4s
//	after attempt 6: 12.8s
//	after attempt 7: 15s
//	...
func Exponential(delay time.Duration, maxDelay time.Duration) DelayFunc {
	if delay <= 0 {
		return Fixed(0)
	}

	// shifting past this point would overflow int64
	maxShifts := uint(0)
	if logDelay := math.Floor(math.Log2(float64(delay))); logDelay < 62 {
		maxShifts = 62 - uint(logDelay)
	}

	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return min(delay, maxDelay)
		}

		// nolint:gosec
		n := min(uint(attempt), maxShifts)
		return min(delay<<n, maxDelay)
	}
}

// WithJitter spreads the delays returned by f randomly over
// [d*(1-fraction), d], so that consumers failing together do not retry
// together. fraction is clamped to [0, 1].
func WithJitter(f DelayFunc, fraction float64) DelayFunc {
	fraction = max(0, min(fraction, 1))

	return func(attempt int) time.Duration {
		d := f(attempt)
		if d <= 0 || fraction == 0 {
			return d
		}
		spread := time.Duration(float64(d) * fraction)
		if spread <= 0 {
			return d
		}
		// nolint:gosec
		return d - time.Duration(rand.Int64N(int64(spread)+1))
	}
}
