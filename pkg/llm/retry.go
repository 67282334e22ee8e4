package llm

import (
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryableRe classifies transient failures worth retrying. Auth,
// validation, and JSON errors fail immediately.
var retryableRe = regexp.MustCompile(`(?i)timeout|rate[_ ]limit|429|5\d\d|overloaded|capacity|temporarily unavailable|connection|network`)

// IsRetryable reports whether the error message matches a transient
// failure pattern.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return retryableRe.MatchString(err.Error())
}

// RetryPolicy holds back-off parameters for per-call retries.
type RetryPolicy struct {
	BaseInterval time.Duration
	MaxInterval  time.Duration
	MaxRetries   int
}

// DefaultRetryPolicy is base 1 s, factor 2, cap 8 s, 3 retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseInterval: 1 * time.Second,
		MaxInterval:  8 * time.Second,
		MaxRetries:   3,
	}
}

// Backoff builds the exponential back-off schedule: base 1 s, factor 2,
// cap 8 s, with full jitter on each interval.
func (p RetryPolicy) Backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseInterval
	b.Multiplier = 2
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = 1 // jitter ∈ [0, interval)
	b.MaxElapsedTime = 0      // bounded by retry count, not wall clock
	return backoff.WithMaxRetries(b, uint64(p.MaxRetries))
}
