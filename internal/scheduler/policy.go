package scheduler

import "time"

// Backoff selects how the delay grows between attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// Policy bounds retries and the runtime of each attempt.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Timeout    time.Duration
	Backoff    Backoff
	// ShouldRetry reports whether err is worth another attempt. Nil retries
	// every error.
	ShouldRetry func(error) bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Timeout:    60 * time.Second,
		Backoff:    BackoffExponential,
	}
}

// Delay returns the wait after the failed attempt with the given zero-based
// index, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	var d time.Duration
	switch p.Backoff {
	case BackoffExponential:
		d = p.BaseDelay << uint(attempt)
		if d < p.BaseDelay {
			d = p.MaxDelay
		}
	case BackoffLinear:
		d = p.BaseDelay * time.Duration(attempt+1)
	default:
		return p.BaseDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) retryable(err error) bool {
	return p.ShouldRetry == nil || p.ShouldRetry(err)
}
