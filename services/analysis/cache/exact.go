// Copyright (C) 2025 Harborline Systems (oss@harborline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/harborline/strata/services/analysis/datatypes"
	"github.com/harborline/strata/services/analysis/observability"
)

// resultKeyPrefix namespaces result entries inside the shared store.
const resultKeyPrefix = "result:"

// ExactCache is the fingerprint-keyed cache tier.
//
// All operations are best-effort: a backing-store failure is logged and
// degrades to a miss or no-op. The cache guarantees at most one expensive
// engine run per distinct fingerprint within the TTL window; genuinely
// concurrent first requests may still race to compute, which is an
// accepted tradeoff rather than a correctness violation.
//
// Thread Safety: Safe for concurrent use (delegated to the Store).
type ExactCache struct {
	store   Store
	ttl     time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewExactCache wraps store with result serialization and a default TTL.
// A nil metrics handle disables metric emission.
func NewExactCache(store Store, ttl time.Duration, logger *slog.Logger, metrics *observability.Metrics) *ExactCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExactCache{store: store, ttl: ttl, logger: logger, metrics: metrics}
}

// TTL returns the cache's configured time-to-live.
func (c *ExactCache) TTL() time.Duration { return c.ttl }

// Get returns the cached result for fingerprint, or ok=false on a miss.
// Store failures and corrupt entries read as misses.
func (c *ExactCache) Get(fingerprint string) (datatypes.Result, bool) {
	raw, ok, err := c.store.Get(resultKeyPrefix + fingerprint)
	if err != nil {
		c.logger.Warn("exact cache read failed, treating as miss",
			"fingerprint", fingerprint, "error", err)
		c.metrics.ObserveCache("exact", false)
		return datatypes.Result{}, false
	}
	if !ok {
		c.metrics.ObserveCache("exact", false)
		return datatypes.Result{}, false
	}

	var result datatypes.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		c.logger.Warn("exact cache entry corrupt, treating as miss",
			"fingerprint", fingerprint, "error", err)
		// Drop the bad entry so it cannot shadow future writes.
		_ = c.store.Delete(resultKeyPrefix + fingerprint)
		c.metrics.ObserveCache("exact", false)
		return datatypes.Result{}, false
	}

	c.metrics.ObserveCache("exact", true)
	return result, true
}

// Contains reports whether a live entry exists for fingerprint without
// deserializing it. Used by the similarity tier's liveness check.
func (c *ExactCache) Contains(fingerprint string) bool {
	_, ok, err := c.store.Get(resultKeyPrefix + fingerprint)
	if err != nil {
		c.logger.Warn("exact cache liveness check failed",
			"fingerprint", fingerprint, "error", err)
		return false
	}
	return ok
}

// Set stores the result under its fingerprint with the cache's TTL.
// Failures are logged and dropped.
func (c *ExactCache) Set(fingerprint string, result datatypes.Result) {
	raw, err := json.Marshal(result)
	if err != nil {
		c.logger.Warn("exact cache serialization failed",
			"fingerprint", fingerprint, "error", err)
		return
	}
	if err := c.store.Set(resultKeyPrefix+fingerprint, raw, c.ttl); err != nil {
		c.logger.Warn("exact cache write failed",
			"fingerprint", fingerprint, "error", err)
	}
}

// Delete removes the entry for fingerprint. Failures are logged.
func (c *ExactCache) Delete(fingerprint string) {
	if err := c.store.Delete(resultKeyPrefix + fingerprint); err != nil {
		c.logger.Warn("exact cache delete failed",
			"fingerprint", fingerprint, "error", err)
	}
}

// Clear removes every cached result. Failures are logged.
func (c *ExactCache) Clear() {
	if err := c.store.Clear(resultKeyPrefix); err != nil {
		c.logger.Warn("exact cache clear failed", "error", err)
	}
}

// Stats returns approximate store size and entry count. Failures degrade
// to zeros.
func (c *ExactCache) Stats() (sizeBytes, entries int64) {
	if size, err := c.store.Size(); err == nil {
		sizeBytes = size
	}
	if count, err := c.store.Count(); err == nil {
		entries = count
	}
	return sizeBytes, entries
}
