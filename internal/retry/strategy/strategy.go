// Package strategy implements the retry engine's pure delay-computation
// functions: every Strategy is a function of attempt -> time.Duration with
// no side effects, so callers can combine them freely via Combine/Compose.
package strategy

import (
	"math/rand"
	"time"
)

// Strategy computes the delay before the given attempt (0-based).
type Strategy func(attempt int) time.Duration

// Fixed always waits d.
func Fixed(d time.Duration) Strategy {
	return func(int) time.Duration { return d }
}

// Linear waits attempt*base.
func Linear(base time.Duration) Strategy {
	return func(attempt int) time.Duration { return time.Duration(attempt) * base }
}

// Exponential waits base*2^attempt.
func Exponential(base time.Duration) Strategy {
	return func(attempt int) time.Duration {
		return base * time.Duration(1<<uint(attempt))
	}
}

// Jitter waits random(0..max-1) + attempt.
func Jitter(max time.Duration) Strategy {
	return func(attempt int) time.Duration {
		var r time.Duration
		if max > 0 {
			r = time.Duration(rand.Int63n(int64(max)))
		}
		return r + time.Duration(attempt)
	}
}

// Random waits a uniform duration in [min, max].
func Random(min, max time.Duration) Strategy {
	return func(int) time.Duration {
		if max <= min {
			return min
		}
		return min + time.Duration(rand.Int63n(int64(max-min+1)))
	}
}

// Backoff waits min(base*2^attempt, limit).
func Backoff(base, limit time.Duration) Strategy {
	return func(attempt int) time.Duration {
		d := base * time.Duration(1<<uint(attempt))
		if d > limit || d < 0 {
			d = limit
		}
		return d
	}
}

// Combine sums the component strategies' delays.
func Combine(strategies ...Strategy) Strategy {
	return func(attempt int) time.Duration {
		var total time.Duration
		for _, s := range strategies {
			total += s(attempt)
		}
		return total
	}
}

// Compose takes the maximum of the component strategies' delays.
func Compose(strategies ...Strategy) Strategy {
	return func(attempt int) time.Duration {
		var max time.Duration
		for i, s := range strategies {
			d := s(attempt)
			if i == 0 || d > max {
				max = d
			}
		}
		return max
	}
}
