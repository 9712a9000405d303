package enrichment

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how often and how patiently a capability is retried.
type RetryPolicy struct {
	// MaxAttempts counts the first call. Values below 1 mean one attempt.
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// JitterFrac applies +/- jitter to each sleep (0.2 = +/-20%).
	JitterFrac float64
	// IsTransient decides whether an error is retried. Nil uses IsTransient.
	IsTransient func(error) bool
}

// DefaultRetryPolicy returns three attempts with 1s, 2s backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		JitterFrac:  0.1,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.IsTransient == nil {
		p.IsTransient = IsTransient
	}
	return p
}

func (p RetryPolicy) transient(err error) bool {
	if p.IsTransient == nil {
		return IsTransient(err)
	}
	return p.IsTransient(err)
}

// Backoff returns the sleep before retry n, where n=0 is the sleep after
// the first failed attempt.
func (p RetryPolicy) Backoff(n int) time.Duration {
	delay := float64(p.BaseDelay)
	for i := 0; i < n; i++ {
		delay *= p.Multiplier
		if p.MaxDelay > 0 && delay >= float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
			break
		}
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.JitterFrac > 0 {
		delay *= 1 + (rand.Float64()*2-1)*p.JitterFrac
	}
	return time.Duration(delay)
}
