// Copyright (C) 2025 Harborline Systems (oss@harborline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import "fmt"

// Stages at which a run can fail outright.
const (
	StageValidation = "validation"
	StageGathering  = "gathering"
	StageSynthesis  = "synthesis"
	StageTimeout    = "timeout"
)

// OrchestrationError is the only error Run surfaces. Individual task
// failures degrade the result's confidence instead; this error means no
// usable result could be produced at all.
type OrchestrationError struct {
	// Stage names where the run died: validation, gathering, synthesis,
	// or timeout.
	Stage string

	// Fingerprint identifies the failed request. Empty when validation
	// failed before fingerprinting.
	Fingerprint string

	// Err is the underlying cause, if any.
	Err error

	// Reason is a human-readable description.
	Reason string
}

// Error implements the error interface.
func (e *OrchestrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("orchestration failed at %s: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("orchestration failed at %s: %s", e.Stage, e.Reason)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *OrchestrationError) Unwrap() error { return e.Err }
