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
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// weaviateClassName is the Weaviate class holding indexed request texts.
const weaviateClassName = "RequestFingerprint"

// WeaviateIndex is the optional network-backed SimilarityIndex, selected
// by a startup capability flag when a Weaviate deployment is configured.
// Vectors are computed locally with EmbedText, so the class uses no
// server-side vectorizer.
//
// Thread Safety: Safe for concurrent use (the underlying client is).
type WeaviateIndex struct {
	client *weaviate.Client
	logger *slog.Logger
}

// NewWeaviateIndex wraps client and ensures the index class exists.
func NewWeaviateIndex(ctx context.Context, client *weaviate.Client, logger *slog.Logger) (*WeaviateIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	idx := &WeaviateIndex{client: client, logger: logger}
	if err := idx.ensureClass(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

// ensureClass creates the index class if it is not present.
func (w *WeaviateIndex) ensureClass(ctx context.Context) error {
	exists, err := w.client.Schema().ClassExistenceChecker().
		WithClassName(weaviateClassName).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("check weaviate class: %w", err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:      weaviateClassName,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "text", DataType: []string{"text"}},
			{Name: "fingerprint", DataType: []string{"text"}},
		},
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create weaviate class: %w", err)
	}
	w.logger.Info("created weaviate index class", "class", weaviateClassName)
	return nil
}

// objectID derives a stable object ID from the fingerprint so re-adding
// a key replaces its entry.
func objectID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// Add implements SimilarityIndex.
func (w *WeaviateIndex) Add(ctx context.Context, text, key string) error {
	id := objectID(key)

	// Replace any previous entry for the key; absence is fine.
	_ = w.client.Data().Deleter().
		WithClassName(weaviateClassName).
		WithID(id).
		Do(ctx)

	_, err := w.client.Data().Creator().
		WithClassName(weaviateClassName).
		WithID(id).
		WithProperties(map[string]any{
			"text":        text,
			"fingerprint": key,
		}).
		WithVector(EmbedText(text)).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate add %s: %w", key, err)
	}
	return nil
}

// nearestResponse mirrors the GraphQL response shape for parsing.
type nearestResponse struct {
	Get struct {
		RequestFingerprint []struct {
			Fingerprint string `json:"fingerprint"`
			Additional  struct {
				Certainty float64 `json:"certainty"`
			} `json:"_additional"`
		} `json:"RequestFingerprint"`
	} `json:"Get"`
}

// NearestNeighbor implements SimilarityIndex.
func (w *WeaviateIndex) NearestNeighbor(ctx context.Context, text string) (string, float64, bool, error) {
	nearVector := w.client.GraphQL().NearVectorArgBuilder().
		WithVector(EmbedText(text))

	fields := []graphql.Field{
		{Name: "fingerprint"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	result, err := w.client.GraphQL().Get().
		WithClassName(weaviateClassName).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return "", 0, false, fmt.Errorf("weaviate nearest-neighbor query: %w", err)
	}
	if len(result.Errors) > 0 {
		return "", 0, false, fmt.Errorf("weaviate query error: %s", result.Errors[0].Message)
	}

	raw, err := json.Marshal(result.Data)
	if err != nil {
		return "", 0, false, fmt.Errorf("marshal weaviate response: %w", err)
	}
	var parsed nearestResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", 0, false, fmt.Errorf("parse weaviate response: %w", err)
	}
	if len(parsed.Get.RequestFingerprint) == 0 {
		return "", 0, false, nil
	}

	hit := parsed.Get.RequestFingerprint[0]
	// Weaviate reports certainty = (1 + cosine) / 2 for cosine metrics;
	// map it back to a distance in [0,1].
	similarity := 2*hit.Additional.Certainty - 1
	if similarity < 0 {
		similarity = 0
	}
	return hit.Fingerprint, 1 - similarity, true, nil
}

// Remove implements SimilarityIndex.
func (w *WeaviateIndex) Remove(ctx context.Context, key string) error {
	err := w.client.Data().Deleter().
		WithClassName(weaviateClassName).
		WithID(objectID(key)).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate remove %s: %w", key, err)
	}
	return nil
}

// Clear implements SimilarityIndex.
func (w *WeaviateIndex) Clear(ctx context.Context) error {
	if err := w.client.Schema().ClassDeleter().WithClassName(weaviateClassName).Do(ctx); err != nil {
		return fmt.Errorf("weaviate clear: %w", err)
	}
	return w.ensureClass(ctx)
}
