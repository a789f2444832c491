package engine

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"

	"github.com/rish2jain/youcom-sub007/config"
)

// withRetry runs fn with exponential backoff and jitter. Errors the adapter
// marks non-retryable stop immediately; everything else retries until the
// attempt or elapsed-time budget runs out. The last error is returned
// unwrapped so the caller's classification still works.
func withRetry(ctx context.Context, cfg config.RetryConfig, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = cfg.MaxElapsedTime

	op := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var ae *AdapterError
		if errors.As(err, &ae) && !ae.Retryable() {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithMaxRetries(backoff.WithContext(b, ctx), uint64(cfg.MaxAttempts-1))
	err := backoff.Retry(op, policy)
	var pe *backoff.PermanentError
	if errors.As(err, &pe) {
		return pe.Unwrap()
	}
	return err
}
