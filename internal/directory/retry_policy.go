package directory

import (
	"math"
	"time"
)

// RetryDecision is the outcome of a RetryPolicy consultation.
type RetryDecision struct {
	Retry bool
	After time.Duration
}

// RetryPolicy implements deterministic capped exponential backoff. The same
// policy is consulted at two granularities: inside adapters for single HTTP
// calls, and by the scheduler when computing a target's next_crawl_at. The
// backoff is jitter-free so consecutive delays for the same target are
// monotone non-decreasing up to the ceiling.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	multiplier  float64
	maxDelay    time.Duration
}

// NewRetryPolicy builds a policy, substituting sane defaults for zero values.
func NewRetryPolicy(maxAttempts int, baseDelay time.Duration, multiplier float64, maxDelay time.Duration) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if multiplier < 1 {
		multiplier = 2
	}
	if maxDelay <= 0 {
		maxDelay = 15 * time.Minute
	}
	return &RetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		multiplier:  multiplier,
		maxDelay:    maxDelay,
	}
}

// Decide returns whether to retry after the given zero-based attempt, and
// how long to wait first. Permanent and integrity errors never retry.
func (p *RetryPolicy) Decide(attempt int, class ErrorClass) RetryDecision {
	if class != ClassTransient {
		return RetryDecision{}
	}
	if attempt >= p.maxAttempts {
		return RetryDecision{}
	}
	return RetryDecision{Retry: true, After: p.Backoff(attempt)}
}

// Backoff returns the delay before retrying the given zero-based attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.baseDelay) * math.Pow(p.multiplier, float64(attempt))
	if delay > float64(p.maxDelay) {
		return p.maxDelay
	}
	return time.Duration(delay)
}

// Exhausted reports whether the attempt count has passed the retry ceiling.
func (p *RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.maxAttempts
}

// MaxAttempts exposes the configured ceiling.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}
