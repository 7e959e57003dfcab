// Copyright (C) 2025 Harborline Systems (oss@harborline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine orchestrates a full analysis run: parallel data
// gathering, framework analysis, narrative synthesis, confidence
// adjustment, and cache population.
//
// Callers receive either a complete Result or an OrchestrationError,
// never a partial object. Individual task failures are absorbed into
// the Result as recorded errors and reduced confidence.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/harborline/strata/services/analysis/cache"
	"github.com/harborline/strata/services/analysis/datatypes"
	"github.com/harborline/strata/services/analysis/observability"
	"github.com/harborline/strata/services/analysis/resilience"
	"github.com/harborline/strata/services/analysis/synthesis"
	"github.com/harborline/strata/services/analysis/tasks"
)

var tracer = otel.Tracer("strata.engine")

// Phase names used in spans, logs, and metrics labels.
const (
	phaseGathering  = "gathering"
	phaseFrameworks = "frameworks"
	phaseSynthesis  = "synthesis"
)

const synthesisDependency = "synthesis"

// Config tunes an Engine. The zero value is completed by applyDefaults.
type Config struct {
	// MaxConcurrency bounds parallel task execution within a phase.
	// Default: 5.
	MaxConcurrency int

	// RunTimeout bounds an entire run. Default: 2m.
	RunTimeout time.Duration

	// ConfidenceFloor is the minimum adjusted confidence for a result
	// that synthesized at all. Default: 0.3.
	ConfidenceFloor float64

	// FailurePenalty is subtracted from the narrative's self-reported
	// confidence once per failed task. Default: 0.1.
	FailurePenalty float64

	// SimilarityThreshold gates the similarity cache tier. Default: 0.95.
	SimilarityThreshold float64

	// Breaker configures the circuit breaker created per dependency.
	Breaker resilience.CircuitBreakerConfig

	// Guard configures the retry/rate-limit stack shared by every
	// dependency guard.
	Guard resilience.GuardConfig

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:      5,
		RunTimeout:          2 * time.Minute,
		ConfidenceFloor:     0.3,
		FailurePenalty:      0.1,
		SimilarityThreshold: cache.DefaultSimilarityThreshold,
		Breaker:             resilience.DefaultCircuitBreakerConfig(),
		Guard:               resilience.DefaultGuardConfig(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = def.RunTimeout
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = def.ConfidenceFloor
	}
	if c.FailurePenalty <= 0 {
		c.FailurePenalty = def.FailurePenalty
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = def.SimilarityThreshold
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine coordinates the three phases of an analysis run.
//
// One Engine serves many concurrent runs. Per-dependency breakers and
// guards are shared across runs, so a dependency that trips open for
// one run stays open for all of them until it recovers.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	config      Config
	gatherTasks []tasks.Task
	framework   func(qualifier string) tasks.Task
	synthesizer synthesis.Synthesizer

	exact   *cache.ExactCache
	similar *cache.SimilarityCache

	breakers *resilience.BreakerRegistry
	mu       sync.Mutex
	guards   map[string]*resilience.Guard

	sem   *Semaphore
	group singleflight.Group
}

// Option customizes an Engine beyond the required collaborators.
type Option func(*Engine)

// WithExactCache attaches the exact result cache tier.
func WithExactCache(ec *cache.ExactCache) Option {
	return func(e *Engine) { e.exact = ec }
}

// WithSimilarityCache attaches the similarity cache tier. Requires an
// exact tier for payload storage.
func WithSimilarityCache(sc *cache.SimilarityCache) Option {
	return func(e *Engine) { e.similar = sc }
}

// WithFrameworkResolver overrides how qualifiers map to Phase-2 tasks.
func WithFrameworkResolver(resolve func(qualifier string) tasks.Task) Option {
	return func(e *Engine) { e.framework = resolve }
}

// New creates an Engine running the given gathering tasks and
// synthesizer.
func New(cfg Config, gatherTasks []tasks.Task, synthesizer synthesis.Synthesizer, opts ...Option) *Engine {
	cfg.applyDefaults()

	breakerCfg := cfg.Breaker
	breakerCfg.Logger = cfg.Logger
	if m := cfg.Metrics; m != nil {
		breakerCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
			m.ObserveBreakerTransition(name, from.String(), to.String())
		}
	}

	e := &Engine{
		config:      cfg,
		gatherTasks: gatherTasks,
		framework:   tasks.FrameworkTask,
		synthesizer: synthesizer,
		breakers:    resilience.NewBreakerRegistry(breakerCfg),
		guards:      map[string]*resilience.Guard{},
		sem:         NewSemaphore(cfg.MaxConcurrency),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Breakers exposes per-dependency breaker stats for health reporting.
func (e *Engine) Breakers() []resilience.CircuitBreakerStats {
	return e.breakers.Stats()
}

// guard returns the shared guard for a dependency, creating it on first
// use.
func (e *Engine) guard(dependency string) *resilience.Guard {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.guards[dependency]; ok {
		return g
	}
	cfg := e.config.Guard
	cfg.Logger = e.config.Logger
	if m := e.config.Metrics; m != nil {
		cfg.OnAttempt = func(dep string, attempt int) { m.ObserveAttempt(dep) }
	}
	g := resilience.NewGuard(dependency, e.breakers.Get(dependency), cfg)
	e.guards[dependency] = g
	return g
}

// ====================================================================
// Run
// ====================================================================

// Run executes a full analysis for the request.
//
// Concurrent runs for an identical request (same fingerprint) are
// collapsed into one execution; every caller receives the same Result.
//
// Outputs:
//   - datatypes.Result: Complete result, possibly served from cache.
//   - error: *OrchestrationError when no result could be produced.
func (e *Engine) Run(ctx context.Context, req datatypes.AnalysisRequest) (datatypes.Result, error) {
	if err := req.Validate(); err != nil {
		return datatypes.Result{}, &OrchestrationError{
			Stage:  StageValidation,
			Reason: "invalid request",
			Err:    err,
		}
	}

	fingerprint := cache.Fingerprint(req)
	value, err, _ := e.group.Do(fingerprint, func() (any, error) {
		return e.runOnce(ctx, req, fingerprint)
	})
	if err != nil {
		return datatypes.Result{}, err
	}
	return value.(datatypes.Result), nil
}

func (e *Engine) runOnce(ctx context.Context, req datatypes.AnalysisRequest, fingerprint string) (datatypes.Result, error) {
	logger := e.config.Logger.With("fingerprint", fingerprint, "subject", req.PrimarySubject)

	ctx, span := tracer.Start(ctx, "engine.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("analysis.fingerprint", fingerprint),
		attribute.Int("analysis.qualifiers", len(req.Qualifiers)),
	)

	if cached, ok := e.lookupCache(ctx, req, fingerprint); ok {
		logger.Info("Serving cached result", "confidence", cached.Confidence)
		if m := e.config.Metrics; m != nil {
			m.ObserveRun("cache_hit")
		}
		span.SetStatus(codes.Ok, "")
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.RunTimeout)
	defer cancel()

	started := time.Now()
	logger.Info("Starting analysis run",
		"gather_tasks", len(e.gatherTasks),
		"qualifiers", req.Qualifiers)

	// Phase 1: gather in parallel, wait for every task.
	gathering := e.runPhase(ctx, phaseGathering, e.gatherTasks, tasks.TaskInput{Request: req})
	if gathering.AllFailed() {
		err := e.gatheringError(ctx, fingerprint)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.Result{}, err
	}

	// Phase 2: framework analysis over the gathered payloads.
	frameworkTasks := make([]tasks.Task, 0, len(req.Qualifiers))
	for _, q := range req.Qualifiers {
		frameworkTasks = append(frameworkTasks, e.framework(q))
	}
	frameworks := e.runPhase(ctx, phaseFrameworks, frameworkTasks, tasks.TaskInput{
		Request:  req,
		Gathered: gathering.Payloads(),
	})

	// Phase 3: synthesis, with a deterministic fallback.
	narrative, synthErr := e.synthesize(ctx, synthesis.Context{
		Request:    req,
		Gathering:  gathering,
		Frameworks: frameworks,
	})
	if synthErr != nil {
		fallback, fbErr := synthesis.Fallback{}.Synthesize(ctx, synthesis.Context{
			Request:    req,
			Gathering:  gathering,
			Frameworks: frameworks,
		})
		if fbErr != nil {
			stage := StageSynthesis
			reason := "synthesis failed and no data was available for fallback"
			cause := synthErr
			// A deadline expiring mid-synthesis also kills the fallback;
			// report it as a timeout, not a synthesis defect.
			if ctx.Err() != nil {
				stage = StageTimeout
				reason = "run deadline exceeded during synthesis"
				cause = ctx.Err()
			}
			span.RecordError(cause)
			span.SetStatus(codes.Error, "synthesis and fallback failed")
			if m := e.config.Metrics; m != nil {
				m.ObserveRun("error")
			}
			return datatypes.Result{}, &OrchestrationError{
				Stage:       stage,
				Fingerprint: fingerprint,
				Reason:      reason,
				Err:         cause,
			}
		}
		logger.Warn("Synthesis failed, using fallback narrative", "error", synthErr)
		narrative = fallback
	}

	result := e.assemble(req, fingerprint, gathering, frameworks, narrative, synthErr != nil)
	e.storeCache(ctx, req, fingerprint, result)

	logger.Info("Analysis run complete",
		"confidence", result.Confidence,
		"failed_tasks", len(result.Errors),
		"fallback", narrative.Fallback,
		"duration", time.Since(started))
	if m := e.config.Metrics; m != nil {
		m.ObserveRun("success")
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// gatheringError builds the terminal error for an all-failed gathering
// phase, distinguishing a run timeout from dependency failure.
func (e *Engine) gatheringError(ctx context.Context, fingerprint string) error {
	if m := e.config.Metrics; m != nil {
		m.ObserveRun("error")
	}
	stage := StageGathering
	reason := "all gathering tasks failed"
	if ctx.Err() != nil {
		stage = StageTimeout
		reason = "run deadline exceeded during gathering"
	}
	e.config.Logger.Error("Analysis run failed", "fingerprint", fingerprint, "stage", stage)
	return &OrchestrationError{
		Stage:       stage,
		Fingerprint: fingerprint,
		Reason:      reason,
		Err:         ctx.Err(),
	}
}

// runPhase executes every task in parallel, bounded by the engine's
// semaphore, and waits for all of them. A task's infrastructure error
// (after the guard exhausts retries) is recorded as that task's
// failure; it never aborts the phase.
func (e *Engine) runPhase(ctx context.Context, phase string, list []tasks.Task, input tasks.TaskInput) datatypes.PhaseOutcome {
	ctx, span := tracer.Start(ctx, "engine.phase."+phase)
	defer span.End()
	span.SetAttributes(attribute.Int("phase.tasks", len(list)))

	started := time.Now()
	outcomes := make([]datatypes.TaskResult, len(list))

	var wg sync.WaitGroup
	for i, task := range list {
		wg.Add(1)
		go func(i int, task tasks.Task) {
			defer wg.Done()
			outcomes[i] = e.runTask(ctx, task, input)
		}(i, task)
	}
	wg.Wait()

	outcome := datatypes.PhaseOutcome{}
	for i, task := range list {
		outcome[task.Name()] = outcomes[i]
		if m := e.config.Metrics; m != nil {
			m.ObserveTask(phase, task.Name(), outcomes[i].OK())
		}
	}
	if m := e.config.Metrics; m != nil {
		m.ObservePhase(phase, time.Since(started).Seconds())
	}
	e.config.Logger.Debug("Phase complete",
		"phase", phase,
		"tasks", len(list),
		"failed", outcome.FailureCount(),
		"duration", time.Since(started))
	return outcome
}

// runTask executes one task behind its dependency guard and converts
// any surviving error into a recorded failure.
func (e *Engine) runTask(ctx context.Context, task tasks.Task, input tasks.TaskInput) datatypes.TaskResult {
	if err := e.sem.Acquire(ctx); err != nil {
		return datatypes.Failuref("task not started: %v", err)
	}
	defer e.sem.Release()

	var result datatypes.TaskResult
	err := e.guard(task.Dependency()).Do(ctx, func(ctx context.Context) error {
		var runErr error
		result, runErr = task.Run(ctx, input)
		return runErr
	})
	if err != nil {
		e.config.Logger.Warn("Task failed",
			"task", task.Name(),
			"dependency", task.Dependency(),
			"error", err)
		return datatypes.Failure(err.Error())
	}
	return result
}

// synthesize runs the synthesizer behind its own guard.
func (e *Engine) synthesize(ctx context.Context, sc synthesis.Context) (datatypes.Narrative, error) {
	ctx, span := tracer.Start(ctx, "engine.phase."+phaseSynthesis)
	defer span.End()

	started := time.Now()
	var narrative datatypes.Narrative
	err := e.guard(synthesisDependency).Do(ctx, func(ctx context.Context) error {
		var synthErr error
		narrative, synthErr = e.synthesizer.Synthesize(ctx, sc)
		return synthErr
	})
	if m := e.config.Metrics; m != nil {
		m.ObservePhase(phaseSynthesis, time.Since(started).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.Narrative{}, err
	}
	return narrative, nil
}

// ====================================================================
// Assembly
// ====================================================================

// assemble builds the final Result, applying the confidence adjustment:
//
//	confidence = max(floor, reported − penalty × failedTasks)
//
// A failed synthesis that fell back counts as one more failed task.
func (e *Engine) assemble(req datatypes.AnalysisRequest, fingerprint string, gathering, frameworks datatypes.PhaseOutcome, narrative datatypes.Narrative, synthFailed bool) datatypes.Result {
	errs := map[string]string{}
	for name, reason := range gathering.Errors() {
		errs[name] = reason
	}
	for name, reason := range frameworks.Errors() {
		errs[name] = reason
	}
	failed := len(errs)
	if synthFailed {
		errs[phaseSynthesis] = "narrative synthesis failed, deterministic fallback used"
		failed++
	}

	sources := append(gathering.Successes(), frameworks.Successes()...)
	sort.Strings(sources)

	return datatypes.Result{
		Request:     req,
		Fingerprint: fingerprint,
		Gathering:   gathering,
		Frameworks:  frameworks,
		Narrative:   narrative,
		Confidence:  e.adjustConfidence(narrative.Confidence, failed),
		SourcesUsed: sources,
		Errors:      errs,
		GeneratedAt: time.Now().UTC(),
	}
}

// adjustConfidence applies the per-failure penalty and floor.
func (e *Engine) adjustConfidence(reported float64, failed int) float64 {
	adjusted := reported - e.config.FailurePenalty*float64(failed)
	if adjusted < e.config.ConfidenceFloor {
		return e.config.ConfidenceFloor
	}
	return adjusted
}

// ====================================================================
// Cache
// ====================================================================

// lookupCache consults the exact tier, then the similarity tier.
func (e *Engine) lookupCache(ctx context.Context, req datatypes.AnalysisRequest, fingerprint string) (datatypes.Result, bool) {
	if e.exact != nil {
		if result, ok := e.exact.Get(fingerprint); ok {
			result.CacheHit = true
			return result, true
		}
	}
	if e.similar != nil {
		if result, ok := e.similar.Lookup(ctx, req.SearchText(), e.config.SimilarityThreshold); ok {
			result.CacheHit = true
			return result, true
		}
	}
	return datatypes.Result{}, false
}

// storeCache populates both tiers. Errors are already absorbed by the
// cache layer; storage never affects the returned result.
func (e *Engine) storeCache(ctx context.Context, req datatypes.AnalysisRequest, fingerprint string, result datatypes.Result) {
	if e.similar != nil {
		e.similar.Store(ctx, req.SearchText(), fingerprint, result)
		return
	}
	if e.exact != nil {
		e.exact.Set(fingerprint, result)
	}
}
