package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelayDoubles(t *testing.T) {
	base := 30 * time.Second
	max := 1 * time.Hour

	assert.Equal(t, 30*time.Second, NextDelay(1, base, max))
	assert.Equal(t, 1*time.Minute, NextDelay(2, base, max))
	assert.Equal(t, 2*time.Minute, NextDelay(3, base, max))
	assert.Equal(t, 16*time.Minute, NextDelay(6, base, max))
}

func TestNextDelayCaps(t *testing.T) {
	base := 30 * time.Second
	max := 10 * time.Minute

	assert.Equal(t, max, NextDelay(6, base, max))
	assert.Equal(t, max, NextDelay(50, base, max))
}

func TestNextDelayClampsAttempts(t *testing.T) {
	base := 30 * time.Second
	max := 1 * time.Hour

	assert.Equal(t, base, NextDelay(0, base, max))
	assert.Equal(t, base, NextDelay(-3, base, max))
}

func TestNextDelayBaseAboveMax(t *testing.T) {
	assert.Equal(t, time.Minute, NextDelay(1, 5*time.Minute, time.Minute))
}

func TestNextRunAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got := NextRunAt(now, 2, 30*time.Second, time.Hour)
	assert.Equal(t, now.Add(time.Minute), got)
}

func TestExhausted(t *testing.T) {
	assert.False(t, Exhausted(0, 3))
	assert.False(t, Exhausted(2, 3))
	assert.True(t, Exhausted(3, 3))
	assert.True(t, Exhausted(7, 3))
}
