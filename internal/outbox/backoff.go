package outbox

import "time"

// NextDelay computes the wait before the next attempt after `attempts`
// failed deliveries: base doubled per failure, capped at max.
func NextDelay(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// NextRunAt schedules the next eligibility window after a failure.
func NextRunAt(now time.Time, attempts int, base, max time.Duration) time.Time {
	return now.Add(NextDelay(attempts, base, max))
}

// Exhausted reports whether the retry budget is spent.
func Exhausted(attempts, maxAttempts int) bool {
	return attempts >= maxAttempts
}
