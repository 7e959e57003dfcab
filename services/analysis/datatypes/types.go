// Copyright (C) 2025 Harborline Systems (oss@harborline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the wire and domain types shared across the
// analysis engine: requests, per-task outcomes, phase aggregates, and the
// final assembled result.
//
// Tasks communicate expected failures ("no data", "not configured") as
// Failure values rather than Go errors. Only genuinely exceptional
// conditions travel as errors, and those never cross a phase boundary.
package datatypes

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Request
// =============================================================================

// AnalysisRequest describes one analysis run: a primary subject plus the
// analysis frameworks (qualifiers) to apply.
type AnalysisRequest struct {
	// PrimarySubject is the entity under analysis, e.g. "Acme Corp".
	PrimarySubject string `json:"primary_subject"`

	// Qualifiers selects the Phase-2 frameworks to run, e.g. ["porter", "swot"].
	// Order is preserved for presentation; cache identity sorts them.
	Qualifiers []string `json:"qualifiers,omitempty"`

	// Context is optional free-form steering text from the caller.
	Context string `json:"context,omitempty"`
}

// Validate checks that the request is well-formed.
func (r AnalysisRequest) Validate() error {
	if strings.TrimSpace(r.PrimarySubject) == "" {
		return fmt.Errorf("primary_subject must not be empty")
	}
	for i, q := range r.Qualifiers {
		if strings.TrimSpace(q) == "" {
			return fmt.Errorf("qualifier %d must not be empty", i)
		}
	}
	return nil
}

// SearchText returns the normalized descriptive string used by the
// similarity cache tier. Token order follows the request so that reordered
// but semantically identical requests still score high under a
// bag-of-tokens comparison.
func (r AnalysisRequest) SearchText() string {
	parts := []string{strings.ToLower(strings.TrimSpace(r.PrimarySubject))}
	for _, q := range r.Qualifiers {
		parts = append(parts, strings.ToLower(strings.TrimSpace(q)))
	}
	if c := strings.TrimSpace(r.Context); c != "" {
		parts = append(parts, strings.ToLower(c))
	}
	return strings.Join(parts, " ")
}

// =============================================================================
// Task Outcomes
// =============================================================================

// TaskResult is the sum type produced by every task: either a success
// carrying a structured payload, or a failure carrying a reason.
//
// The zero value is a failure with an empty reason; use Success/Failure
// constructors.
type TaskResult struct {
	ok      bool
	payload map[string]any
	reason  string
}

// Success returns a successful TaskResult carrying the given payload.
// A nil payload is stored as an empty map so callers can always range it.
func Success(payload map[string]any) TaskResult {
	if payload == nil {
		payload = map[string]any{}
	}
	return TaskResult{ok: true, payload: payload}
}

// Failure returns a failed TaskResult with a descriptive reason.
func Failure(reason string) TaskResult {
	return TaskResult{ok: false, reason: reason}
}

// Failuref returns a failed TaskResult with a formatted reason.
func Failuref(format string, args ...any) TaskResult {
	return Failure(fmt.Sprintf(format, args...))
}

// OK reports whether the task succeeded.
func (t TaskResult) OK() bool { return t.ok }

// Payload returns the success payload. Nil for failures.
func (t TaskResult) Payload() map[string]any {
	if !t.ok {
		return nil
	}
	return t.payload
}

// Reason returns the failure reason. Empty for successes.
func (t TaskResult) Reason() string {
	if t.ok {
		return ""
	}
	return t.reason
}

// taskResultJSON is the serialized form of TaskResult.
type taskResultJSON struct {
	OK      bool           `json:"ok"`
	Payload map[string]any `json:"payload,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (t TaskResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(taskResultJSON{OK: t.ok, Payload: t.payload, Reason: t.reason})
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *TaskResult) UnmarshalJSON(data []byte) error {
	var raw taskResultJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.ok = raw.OK
	t.payload = raw.Payload
	t.reason = raw.Reason
	if t.ok && t.payload == nil {
		t.payload = map[string]any{}
	}
	return nil
}

// =============================================================================
// Phase Aggregates
// =============================================================================

// PhaseOutcome maps task name to its result for one completed phase.
type PhaseOutcome map[string]TaskResult

// Errors derives the task-name → failure-reason mapping for the phase.
func (p PhaseOutcome) Errors() map[string]string {
	errs := map[string]string{}
	for name, res := range p {
		if !res.OK() {
			errs[name] = res.Reason()
		}
	}
	return errs
}

// Successes returns the names of tasks that succeeded, in no particular order.
func (p PhaseOutcome) Successes() []string {
	names := make([]string, 0, len(p))
	for name, res := range p {
		if res.OK() {
			names = append(names, name)
		}
	}
	return names
}

// FailureCount returns the number of failed tasks in the phase.
func (p PhaseOutcome) FailureCount() int {
	n := 0
	for _, res := range p {
		if !res.OK() {
			n++
		}
	}
	return n
}

// AllFailed reports whether the phase is non-empty and every task failed.
func (p PhaseOutcome) AllFailed() bool {
	if len(p) == 0 {
		return false
	}
	return p.FailureCount() == len(p)
}

// Payloads returns only the successful payloads keyed by task name.
// Failed tasks are simply absent, which downstream phases must tolerate.
func (p PhaseOutcome) Payloads() map[string]map[string]any {
	out := map[string]map[string]any{}
	for name, res := range p {
		if res.OK() {
			out[name] = res.Payload()
		}
	}
	return out
}

// =============================================================================
// Result
// =============================================================================

// Narrative is the synthesis output: the report body plus the model's
// self-reported confidence.
type Narrative struct {
	// Summary is the synthesized executive summary.
	Summary string `json:"summary"`

	// Sections holds named report sections in render order.
	Sections map[string]string `json:"sections,omitempty"`

	// Confidence is the synthesizer's self-reported confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Fallback marks a narrative assembled deterministically from raw
	// phase data after a synthesis failure.
	Fallback bool `json:"fallback,omitempty"`
}

// Result is the complete output of one analysis run. Callers receive either
// a Result or an error, never a partial object.
type Result struct {
	// Request echoes the originating request.
	Request AnalysisRequest `json:"request"`

	// Fingerprint is the cache identity of the request.
	Fingerprint string `json:"fingerprint"`

	// Gathering holds Phase-1 task outcomes.
	Gathering PhaseOutcome `json:"gathering"`

	// Frameworks holds Phase-2 task outcomes, keyed by qualifier.
	Frameworks PhaseOutcome `json:"frameworks"`

	// Narrative is the Phase-3 synthesis output (possibly a fallback).
	Narrative Narrative `json:"narrative"`

	// Confidence is the adjusted confidence: the narrative's self-reported
	// value minus a fixed penalty per failed task, floored.
	Confidence float64 `json:"confidence"`

	// SourcesUsed names every task whose output contributed to the result.
	SourcesUsed []string `json:"sources_used"`

	// Errors maps each failed task to its failure reason, across phases.
	Errors map[string]string `json:"errors,omitempty"`

	// GeneratedAt is when the result was assembled.
	GeneratedAt time.Time `json:"generated_at"`

	// CacheHit marks results served from the cache rather than computed.
	CacheHit bool `json:"cache_hit,omitempty"`
}

// FailedTaskCount returns the number of failed tasks across all phases.
func (r Result) FailedTaskCount() int {
	return r.Gathering.FailureCount() + r.Frameworks.FailureCount()
}
