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
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/harborline/strata/services/analysis/datatypes"
	"github.com/harborline/strata/services/analysis/observability"
)

// embeddingDim is the dimensionality of the lexical embedding space.
const embeddingDim = 256

// SimilarityIndex is the nearest-neighbor contract the similarity tier
// delegates to. Implementations must be safe for concurrent use.
type SimilarityIndex interface {
	// Add indexes text under the given exact-cache key.
	Add(ctx context.Context, text, key string) error

	// NearestNeighbor returns the key of the stored text closest to
	// text and its distance in [0,1], or ok=false on an empty index.
	// A lookup failure reads as absent with a non-nil error for logging.
	NearestNeighbor(ctx context.Context, text string) (key string, distance float64, ok bool, err error)

	// Remove drops the entry for key. Removing an absent key is not an
	// error.
	Remove(ctx context.Context, key string) error

	// Clear drops all entries.
	Clear(ctx context.Context) error
}

// =============================================================================
// Lexical Embedding
// =============================================================================

// EmbedText maps a short descriptive string onto a normalized vector via
// the hashing trick: each lowercase token is hashed into one of
// embeddingDim buckets. Token order does not affect the result, so
// reordered but otherwise identical requests embed identically.
func EmbedText(text string) []float32 {
	vec := make([]float32, embeddingDim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[h.Sum32()%embeddingDim]++
	}
	return normalize(vec)
}

// normalize scales vec to unit length. A zero vector is returned as-is.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical direction.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// =============================================================================
// In-Memory Index
// =============================================================================

// memoryEntry pairs an indexed text with its embedding.
type memoryEntry struct {
	text   string
	vector []float32
}

// MemoryIndex is the default in-process SimilarityIndex: a linear scan
// over lexical embeddings. The index holds short descriptive strings, so
// a scan is cheap at realistic cardinalities.
//
// Thread Safety: Safe for concurrent use.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]memoryEntry)}
}

// Add implements SimilarityIndex.
func (idx *MemoryIndex) Add(_ context.Context, text, key string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[key] = memoryEntry{text: text, vector: EmbedText(text)}
	return nil
}

// NearestNeighbor implements SimilarityIndex.
func (idx *MemoryIndex) NearestNeighbor(_ context.Context, text string) (string, float64, bool, error) {
	query := EmbedText(text)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	bestKey := ""
	bestSim := math.Inf(-1)
	for key, entry := range idx.entries {
		if sim := CosineSimilarity(query, entry.vector); sim > bestSim {
			bestSim = sim
			bestKey = key
		}
	}
	if bestKey == "" {
		return "", 0, false, nil
	}

	// Clamp negative similarity; distance stays within [0,1].
	if bestSim < 0 {
		bestSim = 0
	}
	return bestKey, 1 - bestSim, true, nil
}

// Remove implements SimilarityIndex.
func (idx *MemoryIndex) Remove(_ context.Context, key string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, key)
	return nil
}

// Clear implements SimilarityIndex.
func (idx *MemoryIndex) Clear(_ context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = make(map[string]memoryEntry)
	return nil
}

// Len returns the number of indexed entries.
func (idx *MemoryIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// =============================================================================
// Similarity Cache
// =============================================================================

// DefaultSimilarityThreshold is the minimum similarity (1 − distance)
// required for an approximate hit. Preserved as a configurable value, not
// re-derived.
const DefaultSimilarityThreshold = 0.95

// SimilarityCache is the approximate cache tier. It maintains a
// nearest-neighbor index over normalized request texts and resolves hits
// through the exact tier, so a similarity entry whose exact entry has
// expired reads as a miss.
//
// Thread Safety: Safe for concurrent use.
type SimilarityCache struct {
	index   SimilarityIndex
	exact   *ExactCache
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewSimilarityCache builds the similarity tier on top of index and the
// exact tier it delegates value retrieval to.
func NewSimilarityCache(index SimilarityIndex, exact *ExactCache, logger *slog.Logger, metrics *observability.Metrics) *SimilarityCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &SimilarityCache{index: index, exact: exact, logger: logger, metrics: metrics}
}

// Lookup returns the cached result whose indexed text is most similar to
// queryText, provided similarity ≥ threshold and the exact entry is still
// live. A miss in either tier is a transparent absent result, never an
// error.
func (c *SimilarityCache) Lookup(ctx context.Context, queryText string, threshold float64) (datatypes.Result, bool) {
	key, distance, ok, err := c.index.NearestNeighbor(ctx, queryText)
	if err != nil {
		c.logger.Warn("similarity index lookup failed, treating as miss",
			"query", queryText, "error", err)
		c.metrics.ObserveCache("similarity", false)
		return datatypes.Result{}, false
	}
	if !ok {
		c.metrics.ObserveCache("similarity", false)
		return datatypes.Result{}, false
	}

	similarity := 1 - distance
	if similarity < threshold {
		c.logger.Debug("similarity below threshold",
			"query", queryText,
			"similarity", similarity,
			"threshold", threshold)
		c.metrics.ObserveCache("similarity", false)
		return datatypes.Result{}, false
	}

	result, live := c.exact.Get(key)
	if !live {
		// The exact entry expired underneath the index entry; drop the
		// stale pointer so it stops matching.
		if err := c.index.Remove(ctx, key); err != nil {
			c.logger.Warn("stale similarity entry removal failed",
				"fingerprint", key, "error", err)
		}
		c.metrics.ObserveCache("similarity", false)
		return datatypes.Result{}, false
	}

	c.logger.Info("similarity cache hit",
		"fingerprint", key,
		"similarity", similarity)
	c.metrics.ObserveCache("similarity", true)
	return result, true
}

// Store writes the result to the exact tier under key and indexes
// queryText for approximate matches. Index failures are logged; the exact
// entry is still written.
func (c *SimilarityCache) Store(ctx context.Context, queryText, key string, result datatypes.Result) {
	c.exact.Set(key, result)
	if err := c.index.Add(ctx, queryText, key); err != nil {
		c.logger.Warn("similarity index add failed",
			"fingerprint", key, "error", err)
	}
}

// Invalidate removes key from both tiers.
func (c *SimilarityCache) Invalidate(ctx context.Context, key string) {
	c.exact.Delete(key)
	if err := c.index.Remove(ctx, key); err != nil {
		c.logger.Warn("similarity index remove failed",
			"fingerprint", key, "error", err)
	}
}
