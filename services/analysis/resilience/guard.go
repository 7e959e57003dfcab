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
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// GuardConfig configures the composed protection around one dependency.
type GuardConfig struct {
	// Retry configures the outer retry policy.
	Retry RetryConfig

	// CallTimeout bounds each individual attempt against the dependency.
	// Zero disables the per-call timeout (the run-level deadline still
	// applies). Default: 15s.
	CallTimeout time.Duration

	// RateLimit is the sustained request rate allowed against the
	// dependency in requests per second. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the rate limiter. Defaults to 1
	// when RateLimit is set.
	RateBurst int

	// OnAttempt, if set, is invoked once per attempt made against the
	// dependency. Used to feed metrics.
	OnAttempt func(dependency string, attempt int)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultGuardConfig returns sensible defaults for guarding a remote
// dependency.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Retry:       DefaultRetryConfig(),
		CallTimeout: 15 * time.Second,
	}
}

// Guard composes the full protection stack for one named dependency:
//
//	RetryPolicy → CircuitBreaker → rate limiter → per-call timeout → op
//
// The breaker is consulted on every attempt, so a circuit that opens
// mid-retry stops the remaining attempts (ErrCircuitOpen is never
// retried). One Guard exists per dependency and is shared by every
// concurrent run.
//
// Thread Safety: Safe for concurrent use.
type Guard struct {
	dependency string
	breaker    *CircuitBreaker
	limiter    *rate.Limiter
	config     GuardConfig
}

// NewGuard wraps the named dependency's breaker with retry and rate
// limiting.
func NewGuard(dependency string, breaker *CircuitBreaker, config GuardConfig) *Guard {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Retry.Logger == nil {
		config.Retry.Logger = config.Logger
	}
	// A guard must always make at least one attempt.
	if config.Retry.MaxAttempts < 1 {
		config.Retry.MaxAttempts = 1
	}
	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	return &Guard{
		dependency: dependency,
		breaker:    breaker,
		limiter:    limiter,
		config:     config,
	}
}

// Dependency returns the name of the guarded dependency.
func (g *Guard) Dependency() string { return g.dependency }

// Breaker exposes the underlying circuit breaker, mainly for stats.
func (g *Guard) Breaker() *CircuitBreaker { return g.breaker }

// Do executes op behind the full protection stack.
//
// Expected "no data" conditions must not surface here as errors; tasks
// model those as Failure values. Errors reaching Do are infrastructure
// failures: transient ones (wrapped in TransientError) are retried,
// everything else propagates immediately.
func (g *Guard) Do(ctx context.Context, op func(context.Context) error) error {
	_, err := Retry(ctx, g.config.Retry, func(ctx context.Context, attempt int) error {
		if g.config.OnAttempt != nil {
			g.config.OnAttempt(g.dependency, attempt)
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return g.breaker.Call(ctx, func(ctx context.Context) error {
			if g.config.CallTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, g.config.CallTimeout)
				defer cancel()
			}
			return op(ctx)
		})
	})
	return err
}
