package billing

import (
	"time"
)

// RetryPolicy schedules further attempts of a failed webhook event.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after which an event is failed (default: 3)
	MaxRetries int

	// Base is the delay unit (default: 1 minute)
	Base time.Duration

	// Factor is the exponential growth factor (default: 5)
	Factor int
}

// DefaultRetryPolicy retries after 5 and 25 minutes and gives up on the third failure.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Base: time.Minute, Factor: 5}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Factor <= 1 {
		p.Factor = def.Factor
	}
	return p
}

// Backoff returns the delay before the next attempt after retryCount failures:
// Base * Factor^retryCount.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	p = p.withDefaults()
	d := p.Base
	for i := 0; i < retryCount; i++ {
		d *= time.Duration(p.Factor)
	}
	return d
}

// Exhausted reports whether retryCount failures use up the budget.
func (p RetryPolicy) Exhausted(retryCount, maxRetries int) bool {
	if maxRetries <= 0 {
		maxRetries = p.withDefaults().MaxRetries
	}
	return retryCount >= maxRetries
}
