package node

import (
	"math"
	"time"
)

// RetryPolicy bounds the request retry loop. MaxAttempts counts every
// transmission including the first.
type RetryPolicy struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy retries at 250ms doubling to a 2s cap, five
// transmissions total. These constants trade liveness under partition
// against message volume; they do not affect correctness.
var DefaultRetryPolicy = RetryPolicy{
	Base:        250 * time.Millisecond,
	Factor:      2.0,
	Cap:         2 * time.Second,
	MaxAttempts: 5,
}

type backoff struct {
	policy  RetryPolicy
	attempt int
}

func newBackoff(p RetryPolicy) *backoff {
	return &backoff{policy: p}
}

// next returns the wait interval following the current attempt.
func (b *backoff) next() time.Duration {
	d := float64(b.policy.Base) * math.Pow(b.policy.Factor, float64(b.attempt))
	b.attempt++
	if time.Duration(d) > b.policy.Cap {
		return b.policy.Cap
	}
	return time.Duration(d)
}
