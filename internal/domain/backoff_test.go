package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Parallel()

	base := time.Second
	max := 30 * time.Second

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"zero attempt treated as first", 0, time.Second},
		{"negative attempt treated as first", -4, time.Second},
		{"first attempt", 1, time.Second},
		{"second attempt doubles", 2, 2 * time.Second},
		{"third attempt", 3, 4 * time.Second},
		{"fifth attempt", 5, 16 * time.Second},
		{"sixth attempt capped", 6, 30 * time.Second},
		{"huge attempt capped", 10_000, 30 * time.Second},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Backoff(tc.attempt, base, max))
		})
	}
}

func TestBackoff_MonotonicAndBounded(t *testing.T) {
	t.Parallel()

	bases := []time.Duration{time.Millisecond, 250 * time.Millisecond, 3 * time.Second}
	maxes := []time.Duration{time.Second, 7 * time.Second, time.Hour}

	for _, base := range bases {
		for _, max := range maxes {
			prev := time.Duration(0)
			for attempt := 1; attempt <= 200; attempt++ {
				got := Backoff(attempt, base, max)
				assert.GreaterOrEqual(t, got, prev, "base=%s max=%s attempt=%d", base, max, attempt)
				if max >= base {
					assert.LessOrEqual(t, got, max, "base=%s max=%s attempt=%d", base, max, attempt)
				}
				prev = got
			}
		}
	}
}

func TestBackoff_NonPositiveBase(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(0), Backoff(3, 0, time.Minute))
	assert.Equal(t, time.Duration(0), Backoff(3, -time.Second, time.Minute))
}

func TestBackoff_MaxBelowBase(t *testing.T) {
	t.Parallel()

	// max is raised to base so the first attempt still waits base
	assert.Equal(t, 5*time.Second, Backoff(1, 5*time.Second, time.Second))
	assert.Equal(t, 5*time.Second, Backoff(4, 5*time.Second, time.Second))
}

func TestBackoff_OddMaxDoublesUpToCap(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 2*time.Nanosecond, Backoff(2, time.Nanosecond, 3*time.Nanosecond))
	assert.Equal(t, 3*time.Nanosecond, Backoff(3, time.Nanosecond, 3*time.Nanosecond))
	assert.Equal(t, 4*time.Second, Backoff(3, time.Second, 5*time.Second))
	assert.Equal(t, 5*time.Second, Backoff(4, time.Second, 5*time.Second))
	assert.Equal(t, time.Duration(1<<62), Backoff(100, time.Nanosecond, time.Duration(1<<62)))
}
