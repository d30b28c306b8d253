package reconnect

import "time"

const maxDelay = 30 * time.Second

// Delay returns the backoff duration before the given reconnect attempt.
// The schedule doubles from one second and is capped at thirty seconds:
// 1s, 2s, 4s, 8s, 16s, 30s, 30s, ...
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 5 {
		return maxDelay
	}
	return time.Second << uint(attempt)
}
