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
	"fmt"
)

var (
	// ErrCircuitOpen is returned when a circuit breaker rejects a call
	// without attempting the downstream operation. It is deliberately
	// non-retryable: retrying would defeat the breaker's purpose.
	ErrCircuitOpen = errors.New("circuit breaker is open, requests blocked")
)

// TransientError marks an error as retryable. Task adapters wrap I/O and
// rate-limit failures in TransientError so the retry policy and circuit
// breaker treat them as recoverable.
type TransientError struct {
	// Dependency names the external service that failed.
	Dependency string

	// Err is the underlying cause.
	Err error
}

// Transient wraps err as a retryable failure of the named dependency.
func Transient(dependency string, err error) *TransientError {
	return &TransientError{Dependency: dependency, Err: err}
}

// Transientf wraps a formatted error as a retryable failure.
func Transientf(dependency, format string, args ...any) *TransientError {
	return &TransientError{Dependency: dependency, Err: fmt.Errorf(format, args...)}
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure of %s: %v", e.Dependency, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *TransientError) Unwrap() error { return e.Err }

// IsRetryable reports whether an error should trigger a retry.
//
// Only TransientError values are retryable. Context cancellation,
// ErrCircuitOpen, and everything else propagate immediately without
// consuming further attempts.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}
