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
	"testing"
	"time"
)

func testGuard(breakerCfg CircuitBreakerConfig, attempts int) *Guard {
	cfg := GuardConfig{
		Retry:       fastRetryConfig(attempts),
		CallTimeout: time.Second,
	}
	return NewGuard("search", NewCircuitBreaker("search", breakerCfg), cfg)
}

func TestGuard_RetriesTransientThenSucceeds(t *testing.T) {
	g := testGuard(testBreakerConfig(), 3)

	calls := 0
	err := g.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return Transient("search", errors.New("timeout"))
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if g.Breaker().State() != CircuitClosed {
		t.Errorf("expected breaker closed after success, got %v", g.Breaker().State())
	}
}

func TestGuard_BreakerOpensUnderRepeatedFailure(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 2
	g := testGuard(cfg, 3)

	err := g.Do(context.Background(), func(ctx context.Context) error {
		return Transient("search", errors.New("boom"))
	})

	// Two failed attempts trip the breaker; the third attempt is rejected
	// and not retried further.
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen once the breaker trips mid-retry, got %v", err)
	}
	if g.Breaker().State() != CircuitOpen {
		t.Errorf("expected breaker open, got %v", g.Breaker().State())
	}
}

func TestGuard_OpenCircuitShortCircuits(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 1
	g := testGuard(cfg, 3)

	_ = g.Do(context.Background(), func(ctx context.Context) error {
		return Transient("search", errors.New("boom"))
	})

	calls := 0
	err := g.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 0 {
		t.Errorf("operation must not run while circuit is open, ran %d times", calls)
	}
}

func TestGuard_NonTransientNotRetried(t *testing.T) {
	g := testGuard(testBreakerConfig(), 5)

	permanent := errors.New("bad request")
	calls := 0
	err := g.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return permanent
	})

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !errors.Is(err, permanent) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestGuard_CallTimeoutApplies(t *testing.T) {
	cfg := GuardConfig{
		Retry:       fastRetryConfig(1),
		CallTimeout: 20 * time.Millisecond,
	}
	g := NewGuard("search", NewCircuitBreaker("search", testBreakerConfig()), cfg)

	err := g.Do(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded from per-call timeout, got %v", err)
	}
}

func TestGuard_AttemptHook(t *testing.T) {
	var attempts []int
	cfg := GuardConfig{
		Retry: fastRetryConfig(3),
		OnAttempt: func(dependency string, attempt int) {
			if dependency != "search" {
				t.Errorf("unexpected dependency %q", dependency)
			}
			attempts = append(attempts, attempt)
		},
	}
	g := NewGuard("search", NewCircuitBreaker("search", testBreakerConfig()), cfg)

	calls := 0
	_ = g.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient("search", errors.New("boom"))
		}
		return nil
	})

	if len(attempts) != 3 {
		t.Errorf("expected 3 attempt callbacks, got %v", attempts)
	}
}

func TestGuard_RateLimiterSmoothsBursts(t *testing.T) {
	cfg := GuardConfig{
		Retry:     fastRetryConfig(1),
		RateLimit: 100, // 10ms between calls after the burst
		RateBurst: 1,
	}
	g := NewGuard("search", NewCircuitBreaker("search", testBreakerConfig()), cfg)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := g.Do(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// Three calls at 100 rps with burst 1 need at least ~20ms.
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("expected rate limiting to pace calls, elapsed %v", elapsed)
	}
}
