package domain

import "time"

// Backoff returns the delay before the next attempt of a task that failed
// on the given attempt: base * 2^(attempt-1), capped at max. Attempts below
// one are treated as the first attempt. A non-positive base yields zero.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if max < base {
		max = base
	}
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}

	delay := base
	for i := 0; i < exp; i++ {
		// delay <= max here, so max-delay cannot overflow
		if delay > max-delay {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}
