package worker

import "time"

// RetryPolicy spaces out redelivery of a failed task: the wait after attempt
// n is InitialDelay * BackoffFactor^(n-1), never more than MaxDelay.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy fills whatever a configured policy leaves at zero.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:    5,
	InitialDelay:  2 * time.Second,
	MaxDelay:      time.Minute,
	BackoffFactor: 2,
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.MaxRetries <= 0 {
		r.MaxRetries = DefaultRetryPolicy.MaxRetries
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = DefaultRetryPolicy.InitialDelay
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if r.BackoffFactor < 1 {
		r.BackoffFactor = DefaultRetryPolicy.BackoffFactor
	}
	if r.MaxDelay < r.InitialDelay {
		r.MaxDelay = r.InitialDelay
	}
	return r
}

// Exhausted reports whether a task that just failed its attempt-th delivery
// should be given up.
func (r RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= r.withDefaults().MaxRetries
}

// NextDelay returns the wait after the attempt-th failure (1-based).
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	p := r.withDefaults()

	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(delay) * p.BackoffFactor)
		if next <= delay || next >= p.MaxDelay {
			return p.MaxDelay
		}
		delay = next
	}
	return delay
}
