// Package retry implements bounded retries with exponential backoff for
// operations that fail transiently, object store reads in particular.
//
// A retried function either eventually succeeds, exhausts its attempts, or
// aborts early: wrapping an error with Stop marks it permanent, so the
// caller gets it back immediately instead of after a full backoff cycle.
//
//	err := retry.WithRetryAdvanced(ctx, func() error {
//		data, err = load(ctx, key)
//		if isNotFound(err) {
//			return retry.Stop(err) // the object will not appear by waiting
//		}
//		return err
//	}, retry.DefaultBackoffConfig())
//
// With jitter enabled the nth delay is drawn from [d/2, d) where d is
// InitialInterval * Multiplier^(n-1) capped at MaxInterval, which keeps
// simultaneous retriers from synchronizing.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/migadu/crake/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// ExponentialBackoff returns the delay schedule for config: attempt n maps
// to InitialInterval * Multiplier^(n-1), capped at MaxInterval.
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}

		// Cap in float space; Pow overflows Duration for large attempts.
		raw := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))
		if raw > float64(config.MaxInterval) {
			raw = float64(config.MaxInterval)
		}
		duration := time.Duration(raw)

		if config.Jitter && duration >= 2 {
			half := duration / 2
			duration = half + time.Duration(rand.Int63n(int64(half)))
		}

		return duration
	}
}

type RetryableFunc func() error

// WithRetry runs fn until it succeeds or MaxRetries additional attempts
// have failed. The last error is returned wrapped with the attempt count.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	return run(ctx, fn, config, false)
}

// StopError wraps an error that retrying cannot fix.
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop marks err as permanent so WithRetryAdvanced gives up immediately.
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError reports whether err carries a StopError anywhere in its chain.
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// WithRetryAdvanced is WithRetry with early termination: when fn reports a
// StopError the wrapped error is returned as-is, without further attempts.
func WithRetryAdvanced(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	return run(ctx, fn, config, true)
}

func run(ctx context.Context, fn RetryableFunc, config BackoffConfig, stopAware bool) error {
	delay := ExponentialBackoff(config)

	var lastErr error
	for attempt := 1; attempt <= config.MaxRetries+1; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-time.After(delay(attempt - 1)):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if stopAware {
			var stopErr StopError
			if errors.As(lastErr, &stopErr) {
				logger.Debug("RETRY: permanent error, giving up", "attempt", attempt, "error", stopErr.Err)
				return stopErr.Err
			}
		}
		logger.Debug("RETRY: attempt failed", "attempt", attempt, "max_attempts", config.MaxRetries+1, "error", lastErr)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}
