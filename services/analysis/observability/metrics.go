// Copyright (C) 2025 Harborline Systems (oss@harborline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the analysis core.
//
// # Description
//
// Counters and histograms for the events the engine and its resilience
// layer emit: cache hits/misses per tier, circuit-breaker transitions,
// retry attempts, per-task outcomes, and per-phase latency.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "strata"

// Metrics holds all Prometheus collectors for the analysis core.
//
// Construct one instance at startup via NewMetrics and inject it; a nil
// *Metrics is valid everywhere and disables emission, which keeps tests
// free of registry bookkeeping.
type Metrics struct {
	// CacheRequestsTotal counts cache lookups by tier and outcome.
	// Labels: tier (exact, similarity), outcome (hit, miss)
	CacheRequestsTotal *prometheus.CounterVec

	// BreakerTransitionsTotal counts circuit breaker state changes.
	// Labels: dependency, from, to
	BreakerTransitionsTotal *prometheus.CounterVec

	// RetryAttemptsTotal counts attempts made against dependencies.
	// Labels: dependency
	RetryAttemptsTotal *prometheus.CounterVec

	// TaskOutcomesTotal counts per-task outcomes.
	// Labels: phase (gathering, frameworks, synthesis), task, outcome (success, failure)
	TaskOutcomesTotal *prometheus.CounterVec

	// PhaseDurationSeconds measures per-phase latency.
	// Labels: phase
	PhaseDurationSeconds *prometheus.HistogramVec

	// RunsTotal counts completed analysis runs.
	// Labels: status (success, cache_hit, failed)
	RunsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors against the given
// registerer. Pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CacheRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Cache lookups by tier and outcome.",
		}, []string{"tier", "outcome"}),

		BreakerTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"dependency", "from", "to"}),

		RetryAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Attempts made against external dependencies.",
		}, []string{"dependency"}),

		TaskOutcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "task_outcomes_total",
			Help:      "Per-task outcomes by phase.",
		}, []string{"phase", "task", "outcome"}),

		PhaseDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "phase_duration_seconds",
			Help:      "Wall-clock duration of each pipeline phase.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"phase"}),

		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Completed analysis runs by status.",
		}, []string{"status"}),
	}
}

// ObserveCache records a cache lookup outcome. Safe on a nil receiver.
func (m *Metrics) ObserveCache(tier string, hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheRequestsTotal.WithLabelValues(tier, outcome).Inc()
}

// ObserveBreakerTransition records a breaker state change. Safe on a nil
// receiver.
func (m *Metrics) ObserveBreakerTransition(dependency, from, to string) {
	if m == nil {
		return
	}
	m.BreakerTransitionsTotal.WithLabelValues(dependency, from, to).Inc()
}

// ObserveAttempt records one attempt against a dependency. Safe on a nil
// receiver.
func (m *Metrics) ObserveAttempt(dependency string) {
	if m == nil {
		return
	}
	m.RetryAttemptsTotal.WithLabelValues(dependency).Inc()
}

// ObserveTask records a task outcome within a phase. Safe on a nil receiver.
func (m *Metrics) ObserveTask(phase, task string, ok bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.TaskOutcomesTotal.WithLabelValues(phase, task, outcome).Inc()
}

// ObservePhase records a phase duration in seconds. Safe on a nil receiver.
func (m *Metrics) ObservePhase(phase string, seconds float64) {
	if m == nil {
		return
	}
	m.PhaseDurationSeconds.WithLabelValues(phase).Observe(seconds)
}

// ObserveRun records a completed run. Safe on a nil receiver.
func (m *Metrics) ObserveRun(status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
}
