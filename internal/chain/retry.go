package chain

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how hard an adapter retries a chain RPC call, per
// spec.md §7 (base 1s, cap 300s, max 5 retries). Grounded on
// libs/substrate/retry.go's RetryConfig/RetryWithBackoff shape, rebuilt on
// the ecosystem's own exponential-backoff library instead of the hand-
// rolled attempt loop.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxAttempts     uint64
}

// DefaultRetryPolicy matches spec.md §7's chain-call retry budget: the first
// call plus up to 5 retries, so 6 attempts in all.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		MaxInterval:     300 * time.Second,
		MaxElapsedTime:  0, // bounded by MaxAttempts instead of wall clock
		MaxAttempts:     6,
	}
}

// RetryWithBackoff runs fn under exponential backoff until it succeeds,
// the policy's attempt budget is exhausted, or ctx is cancelled.
func RetryWithBackoff(ctx context.Context, policy RetryPolicy, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialInterval
	eb.MaxInterval = policy.MaxInterval
	eb.MaxElapsedTime = policy.MaxElapsedTime

	var b backoff.BackOff = eb
	if policy.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(eb, policy.MaxAttempts-1)
	}
	b = backoff.WithContext(b, ctx)

	return backoff.Retry(fn, b)
}
