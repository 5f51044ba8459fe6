package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pixelforge/pixelforge/internal/ratelimit"
)

func TestBackoff_DoublesPerAttempt(t *testing.T) {
	base := time.Second
	tests := []struct {
		attempt int
		min     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tt := range tests {
		d := ratelimit.Backoff(tt.attempt, base)
		assert.GreaterOrEqual(t, d, tt.min, "attempt %d", tt.attempt)
		// Jitter adds at most a quarter on top.
		assert.LessOrEqual(t, d, tt.min+tt.min/4, "attempt %d", tt.attempt)
	}
}

func TestBackoff_CappedAtOneMinute(t *testing.T) {
	for _, attempt := range []int{10, 20, 63, 100} {
		d := ratelimit.Backoff(attempt, time.Second)
		assert.Equal(t, time.Minute, d, "attempt %d", attempt)
	}
}

func TestBackoff_JitterNeverExceedsCap(t *testing.T) {
	// Jitter is applied before the cap, so even attempts that saturate the
	// doubling stay at or under the ceiling.
	for attempt := 0; attempt < 16; attempt++ {
		for i := 0; i < 50; i++ {
			d := ratelimit.Backoff(attempt, time.Second)
			assert.LessOrEqual(t, d, time.Minute, "attempt %d", attempt)
		}
	}
}

func TestBackoff_ZeroBaseDefaults(t *testing.T) {
	d := ratelimit.Backoff(0, 0)
	assert.GreaterOrEqual(t, d, time.Second)
}
