package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds an exponential backoff loop.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// AttemptTimeout, when set, bounds each individual attempt.
	AttemptTimeout time.Duration
}

// Retry calls fn until it succeeds, returns an error for which retryable is
// false, or MaxAttempts is reached. The last error is returned on exhaustion.
// onRetry, if non-nil, is called before each backoff sleep.
func Retry(ctx context.Context, p RetryPolicy, retryable func(error) bool, onRetry func(attempt int, err error, wait time.Duration), fn func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		eb.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		eb.MaxInterval = p.MaxBackoff
	}

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		err := fn(actx)
		cancel()
		if err == nil {
			return struct{}{}, nil
		}
		if retryable != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	tries := max(p.MaxAttempts, 1)
	opts := []backoff.RetryOption{
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(tries)), //nolint:gosec // tries >= 1
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			onRetry(attempt, err, wait)
		}))
	}

	_, err := backoff.Retry(ctx, op, opts...)
	return err
}
