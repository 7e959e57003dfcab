// Copyright (C) 2025 Harborline Systems (oss@harborline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// MaxAttempts=1 disables retry. Default: 3
	MaxAttempts int

	// InitialBackoff is the wait before the first retry. Zero is legal
	// and means immediate retry. Default: 1s
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff. Default: 30s
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied after each failed attempt.
	// Default: 2.0
	BackoffFactor float64

	// JitterFactor is the maximum jitter as a fraction of backoff (0-1).
	// Default: 0 (deterministic delays).
	JitterFactor float64

	// Classifier decides whether an error should trigger a retry.
	// Defaults to IsRetryable. Non-retryable errors propagate immediately
	// without consuming further attempts.
	Classifier func(error) bool

	// Logger receives one entry per failed attempt with the attempt number
	// and computed delay. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Validate checks if the retry configuration is valid.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	if c.InitialBackoff < 0 {
		return errors.New("initial_backoff must be non-negative")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return errors.New("max_backoff must be >= initial_backoff")
	}
	if c.BackoffFactor < 1.0 {
		return errors.New("backoff_factor must be at least 1.0")
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return errors.New("jitter_factor must be between 0 and 1")
	}
	return nil
}

// RetryResult contains the outcome of a retry operation.
type RetryResult struct {
	// Attempts is the number of attempts made.
	Attempts int

	// TotalDuration is the total time spent including waits.
	TotalDuration time.Duration

	// LastError is the error from the last attempt (nil if successful).
	LastError error
}

// RetryableFunc is a function that can be retried. The attempt number
// starts at 1.
type RetryableFunc func(ctx context.Context, attempt int) error

// Retry executes fn with bounded exponential backoff.
//
// On a retryable failure it waits the current delay, multiplies the delay
// by BackoffFactor (capped at MaxBackoff), and tries again until
// MaxAttempts is reached; the last error is then returned. Non-retryable
// errors and context cancellation return immediately.
//
// The backoff wait suspends on the context, so cancellation interrupts a
// sleeping retry.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) (RetryResult, error) {
	start := time.Now()
	result := RetryResult{}

	classify := config.Classifier
	if classify == nil {
		classify = IsRetryable
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			result.TotalDuration = time.Since(start)
			return result, nil
		}

		result.LastError = err

		if !classify(err) {
			result.TotalDuration = time.Since(start)
			return result, err
		}

		// Don't wait after the last attempt
		if attempt == config.MaxAttempts {
			logger.Warn("attempt failed, retries exhausted",
				"attempt", attempt,
				"max_attempts", config.MaxAttempts,
				"error", err)
			break
		}

		waitTime := applyJitter(backoff, config.JitterFactor)
		logger.Warn("retrying after failure",
			"attempt", attempt,
			"max_attempts", config.MaxAttempts,
			"delay", waitTime,
			"error", err)

		if waitTime > 0 {
			select {
			case <-ctx.Done():
				result.LastError = ctx.Err()
				result.TotalDuration = time.Since(start)
				return result, ctx.Err()
			case <-time.After(waitTime):
			}
		}

		backoff = nextBackoff(backoff, config.BackoffFactor, config.MaxBackoff)
	}

	result.TotalDuration = time.Since(start)
	return result, result.LastError
}

// applyJitter spreads the backoff over [base*(1-jitter), base*(1+jitter)].
func applyJitter(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 || base <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

// nextBackoff calculates the next backoff value.
func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
