package ratelimit

import (
	"math/rand"
	"time"
)

// maxBackoff caps retry delays so a long retry chain never parks a job for
// more than a minute at a time.
const maxBackoff = time.Minute

// Backoff returns the delay before retry number attempt (0-based):
// base doubled per attempt, plus up to 25% jitter to spread retries from
// workers that were rejected together. The jittered result never exceeds
// maxBackoff.
func Backoff(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	d += time.Duration(rand.Int63n(int64(d)/4 + 1))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
