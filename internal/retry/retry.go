// Package retry wraps a fallible call in a bounded retry loop with
// exponential delay between attempts.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

const DefaultBaseDelay = 400 * time.Millisecond

// Policy controls Do. Delays are BaseDelay, 2*BaseDelay, 4*BaseDelay and so
// on, without jitter.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration

	// Retryable decides whether a failure is worth another attempt. Nil
	// retries every failure.
	Retryable func(error) bool

	// OnRetry is called before each wait with the number of attempts made so
	// far, the delay about to be slept and the failure that caused it.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Do calls fn until it succeeds, a non-retryable failure occurs, the retry
// budget is spent or ctx is done. When the budget is spent the last failure
// is returned unchanged.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}

	var (
		out      T
		lastErr  error
		attempts int
	)

	backoff := goretry.WithMaxRetries(uint64(p.MaxRetries), goretry.NewExponential(p.BaseDelay))
	if p.OnRetry != nil {
		inner := backoff
		backoff = goretry.BackoffFunc(func() (time.Duration, bool) {
			d, stop := inner.Next()
			if !stop {
				p.OnRetry(attempts, d, lastErr)
			}
			return d, stop
		})
	}

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		v, err := fn(ctx)
		if err != nil {
			lastErr = err
			if p.Retryable != nil && !p.Retryable(err) {
				return err
			}
			return goretry.RetryableError(err)
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
