package engine

import (
	"math"
	"math/rand/v2"
	"time"
)

// Reference retry constants. These are the documented defaults for
// RetryPolicy; deployments tune them through configuration rather than
// editing call sites.
const (
	DefaultBaseRetryDelay    = 30 * time.Second
	DefaultMaxRetryDelay     = 30 * time.Minute
	DefaultBackoffMultiplier = 2.0
	DefaultJitterFactor      = 0.2
)

// RetryPolicy decides whether a failed job should retry and how long to
// wait first. The delay grows exponentially with the attempt number,
// capped at MaxDelay, and is randomly perturbed by up to JitterFactor in
// either direction to avoid synchronized retry storms.
//
// RetryPolicy is a pure value; it is safe for concurrent use.
type RetryPolicy struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// DefaultRetryPolicy returns the reference policy: 30s base delay, 30m
// cap, doubling per attempt, ±20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:    DefaultBaseRetryDelay,
		MaxDelay:     DefaultMaxRetryDelay,
		Multiplier:   DefaultBackoffMultiplier,
		JitterFactor: DefaultJitterFactor,
	}
}

// ShouldRetry reports whether a failure with the given classification
// should be retried. Permanent failures are never retried; transient and
// system failures retry while the job has attempts left.
func (p RetryPolicy) ShouldRetry(retryCount, maxRetries int, class FailureClass) bool {
	if class == FailurePermanent {
		return false
	}
	return retryCount < maxRetries
}

// Delay returns the wait before retry attempt number attempt, where
// attempt 0 is the first retry after the initial failure:
//
//	min(MaxDelay, BaseDelay * Multiplier^attempt) * (1 ± JitterFactor)
//
// The result is clamped to be non-negative.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	base := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if max := float64(p.MaxDelay); base > max {
		base = max
	}

	jitter := 1 + (rand.Float64()*2-1)*p.JitterFactor //nolint:gosec // jitter intentionally uses non-crypto rand
	d := time.Duration(base * jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// Decide combines ShouldRetry and Delay: it returns whether the job
// should retry and, if so, how long to wait before the next attempt.
func (p RetryPolicy) Decide(retryCount, maxRetries int, class FailureClass) (bool, time.Duration) {
	if !p.ShouldRetry(retryCount, maxRetries, class) {
		return false, 0
	}
	return true, p.Delay(retryCount)
}
