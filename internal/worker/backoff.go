package worker

import (
	"math"
	"math/rand"
	"time"
)

// backoffDelay returns the wait before retrying after the given attempt
// (1-based): base * 2^(attempt-1), plus up to 25% jitter, capped at max.
// The jitter is additive only, so consecutive delays for the same job never
// decrease while they double toward the cap.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	exp := float64(attempt - 1)
	delay := time.Duration(float64(base) * math.Pow(2, exp))
	if delay <= 0 || delay > max {
		delay = max
	}
	jittered := time.Duration(float64(delay) * (1 + 0.25*rand.Float64()))
	if jittered > max {
		return max
	}
	return jittered
}
