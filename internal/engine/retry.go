package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"escalator/internal/domain"
)

// RetryPolicy bounds retries of transient storage failures. Other errors are
// returned on the first attempt.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: 50 * time.Millisecond, Max: time.Second}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	exp := backoff.NewExponentialBackOff()
	if p.Base > 0 {
		exp.InitialInterval = p.Base
	}
	if p.Max > 0 {
		exp.MaxInterval = p.Max
	}
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

func (p RetryPolicy) do(ctx context.Context, fn func() error) error {
	return backoff.Retry(func() error {
		err := fn()
		if err == nil || domain.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, p.backOff(ctx))
}

func retryValue[T any](ctx context.Context, p RetryPolicy, fn func() (T, error)) (T, error) {
	var out T
	err := p.do(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
