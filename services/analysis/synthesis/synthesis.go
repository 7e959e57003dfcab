// Copyright (C) 2025 Harborline Systems (oss@harborline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package synthesis turns phase outcomes into a final narrative. The
// primary path is an LLM-backed synthesizer; when it fails, the engine
// falls back to a deterministic assembly of the raw phase data.
package synthesis

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/harborline/strata/services/analysis/datatypes"
)

// Context is everything a synthesizer sees: the originating request and
// the outcomes of both phases, failures included.
type Context struct {
	Request    datatypes.AnalysisRequest
	Gathering  datatypes.PhaseOutcome
	Frameworks datatypes.PhaseOutcome
}

// Synthesizer produces a narrative from the phase outcomes.
//
// The returned Narrative's Confidence is the synthesizer's self-report
// in [0,1]; the engine adjusts it for upstream failures afterwards.
type Synthesizer interface {
	Synthesize(ctx context.Context, sc Context) (datatypes.Narrative, error)
}

// ====================================================================
// Fallback
// ====================================================================

// FallbackConfidence is the self-reported confidence of a fallback
// narrative, before the engine applies its failure penalty.
const FallbackConfidence = 0.5

// Fallback assembles a narrative directly from the successful payloads
// without any model call. It cannot fail as long as at least one phase
// produced data.
type Fallback struct{}

// Synthesize implements Synthesizer.
func (Fallback) Synthesize(ctx context.Context, sc Context) (datatypes.Narrative, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.Narrative{}, err
	}

	gathered := sc.Gathering.Payloads()
	frameworks := sc.Frameworks.Payloads()
	if len(gathered) == 0 && len(frameworks) == 0 {
		return datatypes.Narrative{}, fmt.Errorf("no successful phase data to assemble for %q", sc.Request.PrimarySubject)
	}

	sections := map[string]string{}
	for name, payload := range gathered {
		sections["data:"+name] = renderPayload(payload)
	}
	for name, payload := range frameworks {
		sections["framework:"+name] = renderPayload(payload)
	}

	summary := fmt.Sprintf("Analysis of %s assembled from %d data source(s) and %d framework(s) without narrative synthesis.",
		sc.Request.PrimarySubject, len(gathered), len(frameworks))
	if failed := sc.Gathering.FailureCount() + sc.Frameworks.FailureCount(); failed > 0 {
		summary += fmt.Sprintf(" %d task(s) failed; see the errors list.", failed)
	}

	return datatypes.Narrative{
		Summary:    summary,
		Sections:   sections,
		Confidence: FallbackConfidence,
		Fallback:   true,
	}, nil
}

// renderPayload flattens a payload into stable key: value lines so the
// fallback output is deterministic for a given set of inputs.
func renderPayload(payload map[string]any) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, payload[k])
	}
	return strings.TrimRight(b.String(), "\n")
}
