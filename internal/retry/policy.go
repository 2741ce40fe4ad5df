// Package retry computes backoff delays for jobs that failed and will be tried again.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

// jitterFraction is the largest share of a delay that jitter may add.
const jitterFraction = 0.25

// Policy decides how long a failed job waits before it becomes eligible again.
type Policy struct {
	// MaxRetries is the default retry budget for jobs enqueued without one.
	MaxRetries int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps every computed delay, jitter included.
	MaxDelay time.Duration
	// Exponential doubles the delay per attempt; otherwise BaseDelay is used as is.
	Exponential bool
	// Jitter adds up to 25% of the computed delay.
	Jitter bool

	// rnd returns a value in [0, 1). Nil means math/rand.
	rnd func() float64
}

// Default returns 3 retries, 1s base, 5m cap, exponential with jitter.
func Default() Policy {
	return Policy{
		MaxRetries:  3,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Minute,
		Exponential: true,
		Jitter:      true,
	}
}

// WithRand returns a copy of p that draws jitter from fn.
func (p Policy) WithRand(fn func() float64) Policy {
	p.rnd = fn
	return p
}

// Validate reports whether the policy can produce sane delays.
func (p Policy) Validate() error {
	switch {
	case p.MaxRetries < 0 || p.MaxRetries > 100:
		return errors.Errorf("retry: max retries %d out of range [0, 100]", p.MaxRetries)
	case p.BaseDelay <= 0:
		return errors.New("retry: base delay must be positive")
	case p.MaxDelay < p.BaseDelay:
		return errors.Errorf("retry: max delay %s below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// Delay returns the wait before the retry following the zero-indexed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := p.BaseDelay
	if p.Exponential {
		for i := 0; i < attempt; i++ {
			if p.MaxDelay > 0 && delay >= p.MaxDelay {
				break
			}
			if delay > math.MaxInt64/2 {
				delay = math.MaxInt64
				break
			}
			delay *= 2
		}
	}

	if p.Jitter {
		rnd := p.rnd
		if rnd == nil {
			rnd = rand.Float64
		}
		if j := time.Duration(float64(delay) * jitterFraction * rnd()); delay <= math.MaxInt64-j {
			delay += j
		}
	}

	// The cap is applied after jitter so MaxDelay is a hard upper bound.
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
