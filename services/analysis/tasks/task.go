// Copyright (C) 2025 Harborline Systems (oss@harborline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tasks defines the contract between the analysis engine and its
// data-gathering and framework-analysis collaborators, plus the built-in
// adapters.
//
// A task distinguishes two failure channels:
//   - expected conditions ("no data for this subject", "not configured")
//     become Failure values inside a TaskResult;
//   - infrastructure problems (network faults, rate limits) are Go
//     errors, which the engine's resilience guard retries and counts
//     against the dependency's circuit breaker.
package tasks

import (
	"context"

	"github.com/harborline/strata/services/analysis/datatypes"
)

// TaskInput is the structured input every task receives.
type TaskInput struct {
	// Request is the originating analysis request.
	Request datatypes.AnalysisRequest

	// Gathered carries the successful Phase-1 payloads by task name.
	// Empty during Phase 1. Phase-2 tasks must tolerate absent entries
	// for failed gathering tasks.
	Gathered map[string]map[string]any
}

// Task is a single named unit of work within a phase.
//
// Run returns (TaskResult, nil) for every expected outcome, including
// "no data" failures. A non-nil error signals an infrastructure fault;
// transient faults should be wrapped with resilience.Transient so the
// guard retries them.
type Task interface {
	// Name identifies the task within its phase.
	Name() string

	// Dependency names the external service the task calls, which keys
	// its circuit breaker. Tasks with no external dependency return
	// their own name.
	Dependency() string

	// Run executes the task.
	Run(ctx context.Context, input TaskInput) (datatypes.TaskResult, error)
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc struct {
	TaskName       string
	DependencyName string
	Fn             func(ctx context.Context, input TaskInput) (datatypes.TaskResult, error)
}

// Name implements Task.
func (t TaskFunc) Name() string { return t.TaskName }

// Dependency implements Task.
func (t TaskFunc) Dependency() string {
	if t.DependencyName != "" {
		return t.DependencyName
	}
	return t.TaskName
}

// Run implements Task.
func (t TaskFunc) Run(ctx context.Context, input TaskInput) (datatypes.TaskResult, error) {
	return t.Fn(ctx, input)
}

// NotConfigured returns a task that always fails with "not configured".
//
// Capability resolution happens once at startup: an integration that is
// absent is represented by this task, so the engine treats it exactly
// like any other failing source instead of branching on availability.
func NotConfigured(name string) Task {
	return TaskFunc{
		TaskName:       name,
		DependencyName: name,
		Fn: func(ctx context.Context, input TaskInput) (datatypes.TaskResult, error) {
			return datatypes.Failure("not configured"), nil
		},
	}
}
