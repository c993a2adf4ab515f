package utils

import (
	"context"
	"time"
)

// RetryConfig holds retry configuration.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// ShouldRetry decides whether an error is worth another attempt.
	// A nil ShouldRetry retries every error.
	ShouldRetry func(error) bool
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryWithResult executes fn with exponential backoff. Used for idempotent
// reads only; order submission is never retried here.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var lastErr error
	var zero T
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err != nil {
			lastErr = err
			if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
				return zero, err
			}

			// Don't sleep after the last attempt
			if attempt < cfg.MaxAttempts-1 {
				if err := Sleep(ctx, delay); err != nil {
					return zero, err
				}
				delay = nextDelay(delay, cfg)
			}
		} else {
			return result, nil
		}
	}

	return zero, lastErr
}

func nextDelay(delay time.Duration, cfg RetryConfig) time.Duration {
	delay = time.Duration(float64(delay) * cfg.BackoffFactor)
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}
