package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	base := 5 * time.Second
	max := 5 * time.Minute

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffDelay(attempt, base, max)
		assert.GreaterOrEqual(t, d, base, "attempt %d below base", attempt)
		assert.LessOrEqual(t, d, max, "attempt %d above cap", attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d shrank", attempt)
		prev = d
	}

	// Deep attempts stay pinned at the cap.
	assert.Equal(t, max, backoffDelay(30, base, max))
}

func TestBackoffDelayBounds(t *testing.T) {
	base := 2 * time.Second
	max := time.Minute

	// Attempt 1 lands inside [base, base*1.25).
	for i := 0; i < 100; i++ {
		d := backoffDelay(1, base, max)
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, time.Duration(float64(base)*1.25))
	}

	// Nonsense attempt numbers degrade to attempt 1.
	d := backoffDelay(0, base, max)
	assert.GreaterOrEqual(t, d, base)
	assert.Less(t, d, time.Duration(float64(base)*1.25))
}
