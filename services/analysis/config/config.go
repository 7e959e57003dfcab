// Copyright (C) 2025 Harborline Systems (oss@harborline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the service configuration from
// YAML, with environment overrides for secrets.
//
// Thread Safety:
//
//	Load returns a value; callers must not mutate a shared Config after
//	startup.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxYAMLFileSize is the maximum allowed config file size (1MB).
// Prevents memory issues from large files.
const MaxYAMLFileSize = 1024 * 1024

var configValidate = validator.New()

// Duration accepts "30s"-style strings (or integer nanoseconds) in
// YAML, which time.Duration alone does not.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root service configuration.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Engine     EngineConfig     `yaml:"engine"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Cache      CacheConfig      `yaml:"cache"`
	Synthesis  SynthesisConfig  `yaml:"synthesis"`
	Market     MarketConfig     `yaml:"market"`
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// File, if set, duplicates log output to the given path.
	File string `yaml:"file"`
}

// EngineConfig tunes the orchestration engine.
type EngineConfig struct {
	MaxConcurrency      int      `yaml:"max_concurrency" validate:"gte=0,lte=256"`
	RunTimeout          Duration `yaml:"run_timeout" validate:"gte=0"`
	ConfidenceFloor     float64  `yaml:"confidence_floor" validate:"gte=0,lte=1"`
	FailurePenalty      float64  `yaml:"failure_penalty" validate:"gte=0,lte=1"`
	SimilarityThreshold float64  `yaml:"similarity_threshold" validate:"gte=0,lte=1"`
}

// ResilienceConfig tunes the per-dependency protection stack.
type ResilienceConfig struct {
	FailureThreshold int      `yaml:"failure_threshold" validate:"gte=0"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout" validate:"gte=0"`
	SuccessThreshold int      `yaml:"success_threshold" validate:"gte=0"`
	MaxAttempts      int      `yaml:"max_attempts" validate:"gte=0,lte=20"`
	InitialBackoff   Duration `yaml:"initial_backoff" validate:"gte=0"`
	MaxBackoff       Duration `yaml:"max_backoff" validate:"gte=0"`
	BackoffFactor    float64  `yaml:"backoff_factor" validate:"gte=0"`
	CallTimeout      Duration `yaml:"call_timeout" validate:"gte=0"`
	RateLimit        float64  `yaml:"rate_limit" validate:"gte=0"`
}

// CacheConfig controls the two cache tiers.
type CacheConfig struct {
	// Enabled turns result caching on. Both tiers follow this flag.
	Enabled bool `yaml:"enabled"`

	// Dir is the on-disk store location. Empty with InMemory false is
	// rejected when the cache is enabled.
	Dir string `yaml:"dir"`

	// InMemory keeps the store off disk, for tests and ephemeral runs.
	InMemory bool `yaml:"in_memory"`

	// TTL bounds the lifetime of cached results.
	TTL Duration `yaml:"ttl" validate:"gte=0"`

	// SimilarityBackend selects the index: memory or weaviate.
	SimilarityBackend string `yaml:"similarity_backend" validate:"omitempty,oneof=memory weaviate"`

	// WeaviateHost and WeaviateScheme locate the weaviate backend.
	WeaviateHost   string `yaml:"weaviate_host" validate:"required_if=SimilarityBackend weaviate"`
	WeaviateScheme string `yaml:"weaviate_scheme" validate:"omitempty,oneof=http https"`
}

// SynthesisConfig selects the narrative synthesizer.
type SynthesisConfig struct {
	// Provider is openai or fallback. The fallback provider skips the
	// model entirely and always assembles deterministically.
	Provider string `yaml:"provider" validate:"omitempty,oneof=openai fallback"`

	// Model names the chat model for the openai provider.
	Model string `yaml:"model"`

	// APIKey is normally supplied via OPENAI_API_KEY instead of the
	// config file.
	APIKey string `yaml:"api_key"`
}

// MarketConfig controls the built-in market-data gathering task.
type MarketConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Interval     string `yaml:"interval" validate:"omitempty,oneof=1m 1h 1d 1wk"`
	LookbackDays int    `yaml:"lookback_days" validate:"gte=0,lte=3650"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info"},
		Engine: EngineConfig{
			MaxConcurrency:      5,
			RunTimeout:          Duration(2 * time.Minute),
			ConfidenceFloor:     0.3,
			FailurePenalty:      0.1,
			SimilarityThreshold: 0.95,
		},
		Resilience: ResilienceConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  Duration(30 * time.Second),
			SuccessThreshold: 2,
			MaxAttempts:      3,
			InitialBackoff:   Duration(1 * time.Second),
			MaxBackoff:       Duration(30 * time.Second),
			BackoffFactor:    2.0,
			CallTimeout:      Duration(15 * time.Second),
		},
		Cache: CacheConfig{
			Enabled:           true,
			Dir:               "./data/cache",
			TTL:               Duration(24 * time.Hour),
			SimilarityBackend: "memory",
			WeaviateScheme:    "http",
		},
		Synthesis: SynthesisConfig{
			Provider: "fallback",
			Model:    "gpt-4o-mini",
		},
		Market: MarketConfig{
			Enabled:      true,
			Interval:     "1d",
			LookbackDays: 30,
		},
	}
}

// Load reads the YAML file at path, layers it over the defaults,
// applies environment overrides, and validates the result. An empty
// path returns the defaults with environment overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return Config{}, fmt.Errorf("config file not accessible: %w", err)
		}
		if info.Size() > MaxYAMLFileSize {
			return Config{}, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxYAMLFileSize)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv layers environment overrides for secrets and deployment
// toggles over the file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Synthesis.APIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		c.Synthesis.Model = v
	}
	if v := os.Getenv("STRATA_CACHE_DIR"); v != "" {
		c.Cache.Dir = v
	}
	if v := os.Getenv("STRATA_WEAVIATE_HOST"); v != "" {
		c.Cache.WeaviateHost = v
		c.Cache.SimilarityBackend = "weaviate"
	}
	if v := os.Getenv("STRATA_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks tag constraints plus the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Cache.Enabled && !c.Cache.InMemory && c.Cache.Dir == "" {
		return fmt.Errorf("invalid configuration: cache.dir required when cache is enabled and not in-memory")
	}
	if c.Synthesis.Provider == "openai" && c.Synthesis.APIKey == "" {
		return fmt.Errorf("invalid configuration: synthesis.api_key (or OPENAI_API_KEY) required for the openai provider")
	}
	if c.Resilience.MaxBackoff > 0 && c.Resilience.InitialBackoff > c.Resilience.MaxBackoff {
		return fmt.Errorf("invalid configuration: resilience.initial_backoff exceeds max_backoff")
	}
	return nil
}
