// Copyright (C) 2025 Harborline Systems (oss@harborline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience provides the fault-tolerance primitives that sit in
// front of every external dependency: a per-dependency circuit breaker,
// a bounded exponential-backoff retry policy, and a Guard that composes
// the two with rate limiting and per-call timeouts.
package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows requests through normally.
	CircuitClosed CircuitState = iota

	// CircuitOpen rejects all requests immediately.
	CircuitOpen

	// CircuitHalfOpen allows limited trial requests to test recovery.
	CircuitHalfOpen
)

// String returns the human-readable name for the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	// Default: 5
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before the next
	// call is allowed through as a half-open probe.
	// Default: 30s
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive successes in half-open
	// required to close the circuit.
	// Default: 2
	SuccessThreshold int

	// HalfOpenMaxRequests is the max in-flight probes in half-open state.
	// Default: 2
	HalfOpenMaxRequests int

	// Logger for state transitions. Defaults to slog.Default().
	Logger *slog.Logger

	// OnStateChange, if set, is invoked after every state transition with
	// the breaker's lock released. Used to feed metrics.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		RecoveryTimeout:     30 * time.Second,
		SuccessThreshold:    2,
		HalfOpenMaxRequests: 2,
	}
}

// CircuitBreaker implements the circuit breaker pattern for one named
// dependency.
//
// The breaker has three states:
//   - Closed: normal operation, requests pass through
//   - Open: failure threshold exceeded, requests rejected immediately
//   - Half-Open: testing recovery, limited probes allowed
//
// One breaker instance exists per dependency name for the process
// lifetime and is shared across all concurrent analysis runs.
//
// Thread Safety: Safe for concurrent use. All state is mutated under a
// single mutex per instance.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenRequests     int
	lastFailureTime      time.Time
	lastStateChange      time.Time

	now func() time.Time

	mu sync.Mutex
}

// NewCircuitBreaker creates a breaker for the named dependency, starting
// in the closed state.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultCircuitBreakerConfig().RecoveryTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultCircuitBreakerConfig().SuccessThreshold
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = DefaultCircuitBreakerConfig().HalfOpenMaxRequests
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Name returns the dependency name this breaker protects.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Call executes op under the breaker's admission control.
//
// If the breaker is open and the recovery timeout has not elapsed, Call
// returns ErrCircuitOpen without invoking op. Otherwise op runs and its
// outcome updates the breaker state; op's error (if any) is returned to
// the caller after bookkeeping.
//
// Thread Safety: Safe for concurrent use. The operation itself runs
// outside the lock.
func (cb *CircuitBreaker) Call(ctx context.Context, op func(context.Context) error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}

	err := op(ctx)
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// Allow checks whether a request may proceed, moving an expired open
// circuit to half-open before admitting the probe.
//
// The recovery check is a timestamp comparison at call time, never a sleep.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()

	switch cb.state {
	case CircuitClosed:
		cb.mu.Unlock()
		return true

	case CircuitOpen:
		if cb.now().Sub(cb.lastFailureTime) > cb.config.RecoveryTimeout {
			notify := cb.transitionLocked(CircuitHalfOpen)
			cb.halfOpenRequests = 1
			cb.mu.Unlock()
			notify()
			return true
		}
		cb.mu.Unlock()
		return false

	case CircuitHalfOpen:
		if cb.halfOpenRequests < cb.config.HalfOpenMaxRequests {
			cb.halfOpenRequests++
			cb.mu.Unlock()
			return true
		}
		cb.mu.Unlock()
		return false

	default:
		cb.mu.Unlock()
		return false
	}
}

// RecordSuccess records a successful call against the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	notify := func() {}

	switch cb.state {
	case CircuitClosed:
		cb.consecutiveFailures = 0

	case CircuitHalfOpen:
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
			notify = cb.transitionLocked(CircuitClosed)
		} else if cb.halfOpenRequests > 0 {
			// The probe completed without closing the circuit; return its
			// admission slot so the next probe can be admitted.
			cb.halfOpenRequests--
		}
	}

	cb.mu.Unlock()
	notify()
}

// RecordFailure records a failed call against the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	notify := func() {}
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitClosed:
		cb.consecutiveFailures++
		cb.consecutiveSuccesses = 0
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			notify = cb.transitionLocked(CircuitOpen)
		}

	case CircuitHalfOpen:
		// Any failure during recovery probing reopens the circuit.
		notify = cb.transitionLocked(CircuitOpen)
	}

	cb.mu.Unlock()
	notify()
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		Name:                 cb.name,
		State:                cb.state,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastFailureTime:      cb.lastFailureTime,
		LastStateChange:      cb.lastStateChange,
	}
}

// Reset forces the breaker back to closed with all counters cleared.
// Breakers live for the process lifetime and are reset only explicitly.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := func() {}
	if cb.state != CircuitClosed {
		notify = cb.transitionLocked(CircuitClosed)
	}
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenRequests = 0
	cb.mu.Unlock()
	notify()
}

// transitionLocked changes state and returns the notification to run once
// the lock is released. Must be called with cb.mu held.
func (cb *CircuitBreaker) transitionLocked(newState CircuitState) func() {
	from := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.consecutiveSuccesses = 0
	cb.halfOpenRequests = 0
	if newState == CircuitClosed {
		cb.consecutiveFailures = 0
	}

	logger := cb.config.Logger
	hook := cb.config.OnStateChange
	name := cb.name
	return func() {
		logger.Info("circuit breaker state change",
			"dependency", name,
			"from", from.String(),
			"to", newState.String())
		if hook != nil {
			hook(name, from, newState)
		}
	}
}

// CircuitBreakerStats is a point-in-time snapshot of one breaker.
type CircuitBreakerStats struct {
	Name                 string
	State                CircuitState
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastFailureTime      time.Time
	LastStateChange      time.Time
}

// =============================================================================
// Registry
// =============================================================================

// BreakerRegistry owns one circuit breaker per dependency name.
//
// The registry is constructed once at startup by the composition root and
// injected wherever breakers are needed; there are no package-level
// singletons.
//
// Thread Safety: Safe for concurrent use.
type BreakerRegistry struct {
	config CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry creates a registry that stamps out breakers with the
// given shared configuration.
func NewBreakerRegistry(config CircuitBreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for the named dependency, creating it on first
// use. The same instance is returned for the process lifetime.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, r.config)
	r.breakers[name] = cb
	return cb
}

// Stats returns snapshots for every registered breaker.
func (r *BreakerRegistry) Stats() []CircuitBreakerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := make([]CircuitBreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	return stats
}
