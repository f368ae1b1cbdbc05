// Package retry provides the capped exponential backoff used for reconnect
// scheduling and a blocking retry helper for outbound HTTP calls.
package retry

import (
	"math/rand"
	"time"
)

// Policy computes backoff delays. The zero value is not useful; start from
// DefaultPolicy.
type Policy struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps every computed delay.
	MaxDelay time.Duration
	// MaxAttempts is the retry ceiling. Once the failure count reaches it the
	// caller gives up.
	MaxAttempts int
	// Jitter adds up to half the computed delay, still capped at MaxDelay.
	Jitter bool
}

// DefaultPolicy returns the reconnect defaults: 1s doubling to a 10s cap,
// five attempts, no jitter.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   1 * time.Second,
		MaxDelay:    10 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns min(BaseDelay * 2^n, MaxDelay) for the zero-based retry n.
// Negative n is treated as zero.
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		if d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 1 {
		d += time.Duration(rand.Int63n(int64(d) / 2))
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}

// Action is what the caller should do after a failure.
type Action int

const (
	// RetryAfter means schedule a new attempt once Decision.Delay elapses.
	RetryAfter Action = iota + 1
	// RetryNow means schedule a new attempt without waiting.
	RetryNow
	// GiveUp means the ceiling has been reached.
	GiveUp
)

func (a Action) String() string {
	switch a {
	case RetryAfter:
		return "retry-after"
	case RetryNow:
		return "retry-now"
	case GiveUp:
		return "give-up"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Decide maps the number of consecutive failures so far (already including
// the one being handled) to an action. immediate requests a zero-delay retry,
// which still counts against the ceiling.
func (p Policy) Decide(failures int, immediate bool) Decision {
	if p.MaxAttempts > 0 && failures >= p.MaxAttempts {
		return Decision{Action: GiveUp}
	}
	if immediate {
		return Decision{Action: RetryNow}
	}
	return Decision{Action: RetryAfter, Delay: p.Delay(failures - 1)}
}
