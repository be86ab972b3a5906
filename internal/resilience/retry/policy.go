package retry

import (
	"errors"
	"math"
	"time"
)

// JitterFraction is the maximum relative deviation applied when Policy.Jitter is set.
const JitterFraction = 0.25

// Policy is the immutable retry policy for one call.
type Policy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

// Validate rejects policies that cannot produce a sane schedule.
func (p Policy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return errors.New("max retries must not be negative")
	case p.BaseDelay < 0:
		return errors.New("base delay must not be negative")
	case p.MaxDelay < p.BaseDelay:
		return errors.New("max delay must be at least base delay")
	case p.BackoffMultiplier < 1:
		return errors.New("backoff multiplier must be at least 1")
	}
	return nil
}

// Backoff returns the delay before retry number attempt+1. rnd must return values
// in [0, 1); it is only consulted when jitter is enabled.
func (p Policy) Backoff(attempt int, rnd func() float64) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if p.Jitter && rnd != nil {
		delay *= 1 + JitterFraction*(2*rnd()-1)
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay < 0 || math.IsNaN(delay) {
		delay = 0
	}
	return time.Duration(delay)
}
