package util

import "time"

// BackoffDelay returns the exponential backoff delay for a 1-based attempt:
// min(maxDelay, baseDelay * multiplier^(attempt-1)).
func BackoffDelay(attempt int, baseDelay, maxDelay time.Duration, multiplier float64) time.Duration {
	delay := float64(baseDelay)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if delay >= float64(maxDelay) {
			return maxDelay
		}
	}
	return min(time.Duration(delay), maxDelay)
}

// Jitter returns the delay plus a uniformly random addition in
// [0, delay*jitterRatio), drawn from the random.
func Jitter(delay time.Duration, jitterRatio float64, random Random) time.Duration {
	if jitterRatio <= 0 || delay <= 0 {
		return delay
	}
	return delay + time.Duration(random.Float64()*jitterRatio*float64(delay))
}
