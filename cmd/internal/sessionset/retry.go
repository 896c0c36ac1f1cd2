package sessionset

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how transient storage failures are retried.
//
// Only errors the backend classifies as transient (lock contention,
// serialization failures, dropped connections) are retried. Business
// outcomes are results, not errors, so a capacity conflict is never retried.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// OnRetry is called before each retry (optional).
	OnRetry func(op string, err error, next time.Duration)
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
	}
}

// NoRetry disables retries.
func NoRetry() RetryPolicy { return RetryPolicy{} }

type retrier struct {
	policy    RetryPolicy
	transient func(error) bool
}

func newRetrier(p RetryPolicy, transient func(error) bool) retrier {
	return retrier{policy: p, transient: transient}
}

// do runs fn until it succeeds, fails permanently, or the retry budget is spent.
func (r retrier) do(ctx context.Context, op string, fn func() error) error {
	if r.policy.MaxRetries == 0 || r.transient == nil {
		return fn()
	}

	b := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		b.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		b.MaxInterval = r.policy.MaxInterval
	}
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.policy.MaxRetries), ctx)

	return backoff.RetryNotify(
		func() error {
			err := fn()
			if err != nil && !r.transient(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		policy,
		func(err error, next time.Duration) {
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(op, err, next)
			}
		},
	)
}
