// Copyright (C) 2025 Harborline Systems (oss@harborline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/harborline/strata/services/analysis/cache"
	"github.com/harborline/strata/services/analysis/config"
	"github.com/harborline/strata/services/analysis/engine"
	"github.com/harborline/strata/services/analysis/observability"
	"github.com/harborline/strata/services/analysis/resilience"
	"github.com/harborline/strata/services/analysis/synthesis"
	"github.com/harborline/strata/services/analysis/tasks"
)

// application is the assembled object graph for one invocation.
type application struct {
	engine  *engine.Engine
	exact   *cache.ExactCache
	store   cache.Store
	metrics *observability.Metrics
}

// close releases held resources. Safe to call with partial assembly.
func (a *application) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("Failed to close cache store", "error", err)
		}
	}
}

// buildApplication wires the engine from config, top to bottom:
// metrics, cache tiers, gathering tasks, synthesizer.
func buildApplication(ctx context.Context, cfg config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}

	var opts []engine.Option
	if cfg.Cache.Enabled {
		storeCfg := cache.DefaultStoreConfig()
		storeCfg.Path = cfg.Cache.Dir
		storeCfg.InMemory = cfg.Cache.InMemory
		storeCfg.Logger = logger
		store, err := cache.OpenStore(storeCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache store: %w", err)
		}
		app.store = store
		app.exact = cache.NewExactCache(store, cfg.Cache.TTL.Std(), logger, app.metrics)

		index, err := buildSimilarityIndex(ctx, cfg.Cache, logger)
		if err != nil {
			app.close()
			return nil, err
		}
		opts = append(opts,
			engine.WithExactCache(app.exact),
			engine.WithSimilarityCache(cache.NewSimilarityCache(index, app.exact, logger, app.metrics)),
		)
	}

	synthesizer, err := buildSynthesizer(cfg.Synthesis, logger)
	if err != nil {
		app.close()
		return nil, err
	}

	app.engine = engine.New(engineConfig(cfg, logger, app.metrics), gatherTasks(cfg, logger), synthesizer, opts...)
	return app, nil
}

func buildSimilarityIndex(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (cache.SimilarityIndex, error) {
	if cfg.SimilarityBackend != "weaviate" {
		return cache.NewMemoryIndex(), nil
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   cfg.WeaviateHost,
		Scheme: cfg.WeaviateScheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}
	index, err := cache.NewWeaviateIndex(ctx, client, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize weaviate index: %w", err)
	}
	return index, nil
}

func buildSynthesizer(cfg config.SynthesisConfig, logger *slog.Logger) (synthesis.Synthesizer, error) {
	if cfg.Provider != "openai" {
		logger.Info("Using deterministic fallback synthesizer")
		return synthesis.Fallback{}, nil
	}
	return synthesis.NewOpenAISynthesizer(cfg.APIKey, cfg.Model, logger)
}

func gatherTasks(cfg config.Config, logger *slog.Logger) []tasks.Task {
	if !cfg.Market.Enabled {
		return []tasks.Task{tasks.NotConfigured(tasks.MarketTaskName)}
	}
	lookback := time.Duration(cfg.Market.LookbackDays) * 24 * time.Hour
	return []tasks.Task{
		tasks.NewMarketDataTask(nil, logger,
			tasks.WithMarketInterval(cfg.Market.Interval),
			tasks.WithMarketLookback(lookback)),
	}
}

func engineConfig(cfg config.Config, logger *slog.Logger, metrics *observability.Metrics) engine.Config {
	ec := engine.DefaultConfig()
	ec.MaxConcurrency = cfg.Engine.MaxConcurrency
	ec.RunTimeout = cfg.Engine.RunTimeout.Std()
	ec.ConfidenceFloor = cfg.Engine.ConfidenceFloor
	ec.FailurePenalty = cfg.Engine.FailurePenalty
	ec.SimilarityThreshold = cfg.Engine.SimilarityThreshold
	ec.Logger = logger
	ec.Metrics = metrics

	ec.Breaker = resilience.CircuitBreakerConfig{
		FailureThreshold:    cfg.Resilience.FailureThreshold,
		RecoveryTimeout:     cfg.Resilience.RecoveryTimeout.Std(),
		SuccessThreshold:    cfg.Resilience.SuccessThreshold,
		HalfOpenMaxRequests: resilience.DefaultCircuitBreakerConfig().HalfOpenMaxRequests,
	}
	ec.Guard = resilience.GuardConfig{
		Retry: resilience.RetryConfig{
			MaxAttempts:    cfg.Resilience.MaxAttempts,
			InitialBackoff: cfg.Resilience.InitialBackoff.Std(),
			MaxBackoff:     cfg.Resilience.MaxBackoff.Std(),
			BackoffFactor:  cfg.Resilience.BackoffFactor,
		},
		CallTimeout: cfg.Resilience.CallTimeout.Std(),
		RateLimit:   cfg.Resilience.RateLimit,
	}
	return ec
}
