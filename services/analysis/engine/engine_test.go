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

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harborline/strata/services/analysis/cache"
	"github.com/harborline/strata/services/analysis/datatypes"
	"github.com/harborline/strata/services/analysis/resilience"
	"github.com/harborline/strata/services/analysis/synthesis"
	"github.com/harborline/strata/services/analysis/tasks"
)

// fixedTask always returns the same outcome.
func fixedTask(name string, result datatypes.TaskResult, err error) tasks.Task {
	return tasks.TaskFunc{
		TaskName:       name,
		DependencyName: name,
		Fn: func(ctx context.Context, in tasks.TaskInput) (datatypes.TaskResult, error) {
			return result, err
		},
	}
}

// countingTask records how many times it ran.
type countingTask struct {
	name  string
	runs  atomic.Int64
	delay time.Duration
}

func (t *countingTask) Name() string       { return t.name }
func (t *countingTask) Dependency() string { return t.name }
func (t *countingTask) Run(ctx context.Context, in tasks.TaskInput) (datatypes.TaskResult, error) {
	t.runs.Add(1)
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return datatypes.TaskResult{}, ctx.Err()
		}
	}
	return datatypes.Success(map[string]any{"task": t.name}), nil
}

// stubSynthesizer returns a fixed narrative or error and counts calls.
type stubSynthesizer struct {
	narrative datatypes.Narrative
	err       error
	calls     atomic.Int64
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, sc synthesis.Context) (datatypes.Narrative, error) {
	s.calls.Add(1)
	if s.err != nil {
		return datatypes.Narrative{}, s.err
	}
	return s.narrative, nil
}

// blockingSynthesizer waits out the run deadline before failing.
type blockingSynthesizer struct{}

func (blockingSynthesizer) Synthesize(ctx context.Context, sc synthesis.Context) (datatypes.Narrative, error) {
	<-ctx.Done()
	return datatypes.Narrative{}, ctx.Err()
}

// testConfig disables backoff so failed attempts complete immediately.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Guard.Retry.MaxAttempts = 1
	cfg.Guard.CallTimeout = 0
	return cfg
}

func analysisRequest() datatypes.AnalysisRequest {
	return datatypes.AnalysisRequest{
		PrimarySubject: "tesla",
		Qualifiers:     []string{"swot"},
	}
}

func TestRunHappyPath(t *testing.T) {
	synth := &stubSynthesizer{narrative: datatypes.Narrative{Summary: "ok", Confidence: 0.9}}
	eng := New(testConfig(), []tasks.Task{
		fixedTask("market", datatypes.Success(map[string]any{"close": 234.7}), nil),
		fixedTask("research", datatypes.Success(map[string]any{"summary": "ev"}), nil),
	}, synth)

	result, err := eng.Run(context.Background(), analysisRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", result.Confidence)
	}
	if len(result.Errors) != 0 {
		t.Errorf("unexpected errors: %v", result.Errors)
	}
	want := []string{"market", "research", "swot"}
	if len(result.SourcesUsed) != len(want) {
		t.Fatalf("sources = %v, want %v", result.SourcesUsed, want)
	}
	for i, s := range want {
		if result.SourcesUsed[i] != s {
			t.Errorf("sources[%d] = %q, want %q", i, result.SourcesUsed[i], s)
		}
	}
	if result.CacheHit {
		t.Error("fresh result marked as cache hit")
	}
	if result.Fingerprint == "" {
		t.Error("missing fingerprint")
	}
}

func TestRunSingleFailureReducesConfidence(t *testing.T) {
	synth := &stubSynthesizer{narrative: datatypes.Narrative{Summary: "ok", Confidence: 0.9}}
	eng := New(testConfig(), []tasks.Task{
		fixedTask("market", datatypes.Success(map[string]any{"close": 234.7}), nil),
		fixedTask("research", datatypes.TaskResult{}, resilience.Transient("research", errors.New("upstream down"))),
		fixedTask("financial", datatypes.Success(map[string]any{"revenue": 1.0}), nil),
	}, synth)

	result, err := eng.Run(context.Background(), analysisRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if math.Abs(result.Confidence-0.8) > 1e-9 {
		t.Errorf("confidence = %v, want 0.8", result.Confidence)
	}
	if _, ok := result.Errors["research"]; !ok {
		t.Errorf("errors = %v, want research entry", result.Errors)
	}
	for _, s := range result.SourcesUsed {
		if s == "research" {
			t.Error("failed task listed in sources")
		}
	}
}

func TestRunExpectedFailureValueAlsoCounts(t *testing.T) {
	synth := &stubSynthesizer{narrative: datatypes.Narrative{Summary: "ok", Confidence: 0.9}}
	eng := New(testConfig(), []tasks.Task{
		fixedTask("market", datatypes.Success(nil), nil),
		fixedTask("research", datatypes.Failure("no data for subject"), nil),
	}, synth)

	result, err := eng.Run(context.Background(), analysisRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Errors["research"] != "no data for subject" {
		t.Errorf("errors = %v", result.Errors)
	}
	if math.Abs(result.Confidence-0.8) > 1e-9 {
		t.Errorf("confidence = %v, want 0.8", result.Confidence)
	}
}

func TestRunConfidenceFloor(t *testing.T) {
	synth := &stubSynthesizer{narrative: datatypes.Narrative{Summary: "ok", Confidence: 0.9}}
	var list []tasks.Task
	list = append(list, fixedTask("market", datatypes.Success(nil), nil))
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		list = append(list, fixedTask(name, datatypes.Failure("down"), nil))
	}
	eng := New(testConfig(), list, synth)

	result, err := eng.Run(context.Background(), analysisRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// 0.9 − 0.1×7 would land at 0.2, below the floor.
	if result.Confidence != 0.3 {
		t.Errorf("confidence = %v, want floor 0.3", result.Confidence)
	}
}

func TestRunAllGatheringFailedIsTerminal(t *testing.T) {
	synth := &stubSynthesizer{narrative: datatypes.Narrative{Summary: "ok", Confidence: 0.9}}
	eng := New(testConfig(), []tasks.Task{
		fixedTask("market", datatypes.Failure("down"), nil),
		fixedTask("research", datatypes.TaskResult{}, resilience.Transient("research", errors.New("down"))),
	}, synth)

	_, err := eng.Run(context.Background(), analysisRequest())
	var oErr *OrchestrationError
	if !errors.As(err, &oErr) {
		t.Fatalf("err = %v, want OrchestrationError", err)
	}
	if oErr.Stage != StageGathering {
		t.Errorf("stage = %q, want %q", oErr.Stage, StageGathering)
	}
	if synth.calls.Load() != 0 {
		t.Error("synthesizer called despite terminal gathering failure")
	}
}

func TestRunInvalidRequest(t *testing.T) {
	eng := New(testConfig(), nil, &stubSynthesizer{})
	_, err := eng.Run(context.Background(), datatypes.AnalysisRequest{})
	var oErr *OrchestrationError
	if !errors.As(err, &oErr) {
		t.Fatalf("err = %v, want OrchestrationError", err)
	}
	if oErr.Stage != StageValidation {
		t.Errorf("stage = %q, want %q", oErr.Stage, StageValidation)
	}
}

func TestRunSynthesisFallback(t *testing.T) {
	synth := &stubSynthesizer{err: resilience.Transient("synthesis", errors.New("llm down"))}
	eng := New(testConfig(), []tasks.Task{
		fixedTask("market", datatypes.Success(map[string]any{"close": 1.0}), nil),
	}, synth)

	result, err := eng.Run(context.Background(), analysisRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Narrative.Fallback {
		t.Error("narrative not marked as fallback")
	}
	// Fallback self-reports 0.5; the failed synthesis costs one penalty.
	if math.Abs(result.Confidence-0.4) > 1e-9 {
		t.Errorf("confidence = %v, want 0.4", result.Confidence)
	}
	if _, ok := result.Errors["synthesis"]; !ok {
		t.Errorf("errors = %v, want synthesis entry", result.Errors)
	}
}

func TestRunSynthesisAndFallbackImpossible(t *testing.T) {
	// Gathering partially succeeds via a Failure-valued task plus one
	// success, then everything the fallback needs is present, so force
	// the impossible case with an empty phase instead: no tasks, no
	// qualifiers, failing synthesizer.
	synth := &stubSynthesizer{err: errors.New("llm down")}
	eng := New(testConfig(), nil, synth)

	req := datatypes.AnalysisRequest{PrimarySubject: "tesla"}
	_, err := eng.Run(context.Background(), req)
	var oErr *OrchestrationError
	if !errors.As(err, &oErr) {
		t.Fatalf("err = %v, want OrchestrationError", err)
	}
	if oErr.Stage != StageSynthesis {
		t.Errorf("stage = %q, want %q", oErr.Stage, StageSynthesis)
	}
}

func TestRunTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RunTimeout = 20 * time.Millisecond
	slow := &countingTask{name: "slow", delay: time.Second}
	synth := &stubSynthesizer{narrative: datatypes.Narrative{Summary: "ok", Confidence: 0.9}}
	eng := New(cfg, []tasks.Task{slow}, synth)

	_, err := eng.Run(context.Background(), analysisRequest())
	var oErr *OrchestrationError
	if !errors.As(err, &oErr) {
		t.Fatalf("err = %v, want OrchestrationError", err)
	}
	if oErr.Stage != StageTimeout {
		t.Errorf("stage = %q, want %q", oErr.Stage, StageTimeout)
	}
}

func TestRunTimeoutDuringSynthesis(t *testing.T) {
	cfg := testConfig()
	cfg.RunTimeout = 20 * time.Millisecond
	// Gathering succeeds quickly; the deadline then expires inside the
	// synthesis call, which also starves the fallback of a live context.
	synth := &blockingSynthesizer{}
	eng := New(cfg, []tasks.Task{
		fixedTask("market", datatypes.Success(map[string]any{"close": 1.0}), nil),
	}, synth)

	_, err := eng.Run(context.Background(), analysisRequest())
	var oErr *OrchestrationError
	if !errors.As(err, &oErr) {
		t.Fatalf("err = %v, want OrchestrationError", err)
	}
	if oErr.Stage != StageTimeout {
		t.Errorf("stage = %q, want %q", oErr.Stage, StageTimeout)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want wrapped deadline error", err)
	}
}

func TestRunBreakerShortCircuitsRepeatedFailures(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.RecoveryTimeout = time.Hour

	var calls atomic.Int64
	failing := tasks.TaskFunc{
		TaskName:       "market",
		DependencyName: "market_api",
		Fn: func(ctx context.Context, in tasks.TaskInput) (datatypes.TaskResult, error) {
			calls.Add(1)
			return datatypes.TaskResult{}, resilience.Transient("market_api", errors.New("down"))
		},
	}
	ok := fixedTask("research", datatypes.Success(nil), nil)
	synth := &stubSynthesizer{narrative: datatypes.Narrative{Summary: "ok", Confidence: 0.9}}
	eng := New(cfg, []tasks.Task{failing, ok}, synth)

	for i := 0; i < 3; i++ {
		req := analysisRequest()
		req.Context = string(rune('a' + i)) // distinct fingerprints
		if _, err := eng.Run(context.Background(), req); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}

	// Threshold 2: the op runs twice, then the open breaker rejects
	// without invoking it.
	if calls.Load() != 2 {
		t.Errorf("task calls = %d, want 2", calls.Load())
	}
}

func newEngineCaches(t *testing.T) (*cache.ExactCache, *cache.SimilarityCache) {
	t.Helper()
	store, err := cache.OpenStore(cache.InMemoryStoreConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	exact := cache.NewExactCache(store, time.Hour, nil, nil)
	similar := cache.NewSimilarityCache(cache.NewMemoryIndex(), exact, nil, nil)
	return exact, similar
}

func TestRunCachesResult(t *testing.T) {
	exact, similar := newEngineCaches(t)
	task := &countingTask{name: "market"}
	synth := &stubSynthesizer{narrative: datatypes.Narrative{Summary: "ok", Confidence: 0.9}}
	eng := New(testConfig(), []tasks.Task{task}, synth,
		WithExactCache(exact), WithSimilarityCache(similar))

	first, err := eng.Run(context.Background(), analysisRequest())
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if first.CacheHit {
		t.Error("first run marked as cache hit")
	}

	second, err := eng.Run(context.Background(), analysisRequest())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if !second.CacheHit {
		t.Error("second run not served from cache")
	}
	if task.runs.Load() != 1 {
		t.Errorf("task ran %d times, want 1", task.runs.Load())
	}
	if second.Fingerprint != first.Fingerprint {
		t.Error("fingerprint mismatch between runs")
	}
}

func TestRunSimilarRequestServedFromSimilarityTier(t *testing.T) {
	exact, similar := newEngineCaches(t)
	task := &countingTask{name: "market"}
	synth := &stubSynthesizer{narrative: datatypes.Narrative{Summary: "ok", Confidence: 0.9}}
	cfg := testConfig()
	cfg.SimilarityThreshold = 0.9
	eng := New(cfg, []tasks.Task{task}, synth,
		WithExactCache(exact), WithSimilarityCache(similar))

	req := datatypes.AnalysisRequest{
		PrimarySubject: "tesla",
		Qualifiers:     []string{"swot"},
		Context:        "growth outlook",
	}
	if _, err := eng.Run(context.Background(), req); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// Same tokens with the context reworded: the fingerprint differs
	// (exact miss) but the embedding is identical (similarity hit).
	reordered := datatypes.AnalysisRequest{
		PrimarySubject: "tesla",
		Qualifiers:     []string{"swot"},
		Context:        "outlook growth",
	}
	result, err := eng.Run(context.Background(), reordered)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if !result.CacheHit {
		t.Error("reordered request not served from similarity tier")
	}
	if task.runs.Load() != 1 {
		t.Errorf("task ran %d times, want 1", task.runs.Load())
	}
}

func TestRunFailedRunNotCached(t *testing.T) {
	exact, similar := newEngineCaches(t)
	synth := &stubSynthesizer{narrative: datatypes.Narrative{Summary: "ok", Confidence: 0.9}}
	eng := New(testConfig(), []tasks.Task{
		fixedTask("market", datatypes.Failure("down"), nil),
	}, synth, WithExactCache(exact), WithSimilarityCache(similar))

	if _, err := eng.Run(context.Background(), analysisRequest()); err == nil {
		t.Fatal("expected terminal error")
	}
	if _, ok := exact.Get(cache.Fingerprint(analysisRequest())); ok {
		t.Error("failed run was cached")
	}
}

func TestRunDeduplicatesConcurrentIdenticalRequests(t *testing.T) {
	task := &countingTask{name: "market", delay: 50 * time.Millisecond}
	synth := &stubSynthesizer{narrative: datatypes.Narrative{Summary: "ok", Confidence: 0.9}}
	eng := New(testConfig(), []tasks.Task{task}, synth)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.Run(context.Background(), analysisRequest()); err != nil {
				t.Errorf("concurrent run failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if task.runs.Load() != 1 {
		t.Errorf("task ran %d times for identical concurrent requests, want 1", task.runs.Load())
	}
}

func TestRunBoundedConcurrency(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 2

	var active, peak atomic.Int64
	var list []tasks.Task
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		list = append(list, tasks.TaskFunc{
			TaskName:       name,
			DependencyName: name,
			Fn: func(ctx context.Context, in tasks.TaskInput) (datatypes.TaskResult, error) {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				active.Add(-1)
				return datatypes.Success(nil), nil
			},
		})
	}
	synth := &stubSynthesizer{narrative: datatypes.Narrative{Summary: "ok", Confidence: 0.9}}
	eng := New(cfg, list, synth)

	if _, err := eng.Run(context.Background(), analysisRequest()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want ≤ 2", peak.Load())
	}
}
