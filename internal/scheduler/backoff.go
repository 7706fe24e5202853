package scheduler

import "time"

// RetryPolicy decides whether and when a failed run gets another attempt.
// The store records failures; this policy is the sole owner of the retry
// budget and backoff curve.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// ShouldRetry reports whether a run that has now failed retryCount times
// still has budget left.
func (p RetryPolicy) ShouldRetry(retryCount int) bool {
	return retryCount <= p.MaxRetries
}

// NextDelay is the backoff before retry number retryCount (1-based):
// BaseDelay doubled per prior retry, capped at MaxDelay.
func (p RetryPolicy) NextDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := p.BaseDelay
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
