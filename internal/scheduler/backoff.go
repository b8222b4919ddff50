package scheduler

import "time"

// backoffLadder is the retry delay after the Nth consecutive failure
// (index N-1). Failures beyond the ladder reuse the last step.
var backoffLadder = []time.Duration{
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
}

// Backoff returns the delay before the next attempt after failures
// consecutive failures. Zero failures means no delay.
func Backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures > len(backoffLadder) {
		return backoffLadder[len(backoffLadder)-1]
	}
	return backoffLadder[failures-1]
}

// MaxOneShotAttempts is the number of failed attempts after which a one-shot
// job is exhausted: the point at which the ladder reaches its cap.
func MaxOneShotAttempts() int {
	return len(backoffLadder)
}
