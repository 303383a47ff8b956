package errors

import (
	"context"
	"time"

	"ami/internal/logging"
)

// RetryConfig controls retry behaviour for transient failures.
type RetryConfig struct {
	MaxAttempts  int           // retries after the first attempt
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig matches the provider contract: 3 retries with
// exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryWithResult runs fn until it succeeds, the error is non-transient, the
// attempts are exhausted, or ctx is cancelled.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	logger = logging.OrNop(logger)
	var zero T
	delay := cfg.InitialDelay

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, Wrap(KindCancelled, ctx.Err())
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == cfg.MaxAttempts {
			break
		}

		logger.Warn("attempt %d/%d failed, retrying in %v: %v", attempt+1, cfg.MaxAttempts+1, delay, err)
		select {
		case <-ctx.Done():
			return zero, Wrap(KindCancelled, ctx.Err())
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return zero, lastErr
}
