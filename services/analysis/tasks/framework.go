// Copyright (C) 2025 Harborline Systems (oss@harborline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tasks

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/harborline/strata/services/analysis/datatypes"
)

// Framework qualifiers with built-in analyzers.
const (
	FrameworkPorter = "porter"
	FrameworkSWOT   = "swot"
)

// FrameworkTask returns the analyzer task for a framework qualifier.
// Unknown qualifiers resolve to a NotConfigured task, so the engine
// records them as ordinary failures instead of special-casing them.
func FrameworkTask(qualifier string) Task {
	switch strings.ToLower(strings.TrimSpace(qualifier)) {
	case FrameworkPorter:
		return PorterTask()
	case FrameworkSWOT:
		return SWOTTask()
	default:
		return NotConfigured(strings.ToLower(strings.TrimSpace(qualifier)))
	}
}

// PorterTask builds a Porter's Five Forces skeleton from the gathered
// Phase-1 payloads. It tolerates missing inputs: each force notes which
// upstream data informed it, and absent sources simply contribute
// nothing.
func PorterTask() Task {
	return TaskFunc{
		TaskName:       FrameworkPorter,
		DependencyName: FrameworkPorter,
		Fn:             runPorter,
	}
}

// SWOTTask builds a SWOT skeleton from the gathered Phase-1 payloads,
// with the same tolerance for missing inputs as PorterTask.
func SWOTTask() Task {
	return TaskFunc{
		TaskName:       FrameworkSWOT,
		DependencyName: FrameworkSWOT,
		Fn:             runSWOT,
	}
}

func runPorter(ctx context.Context, input TaskInput) (datatypes.TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.TaskResult{}, err
	}

	subject := input.Request.PrimarySubject
	sources := sortedSourceNames(input.Gathered)

	forces := map[string]any{
		"competitive_rivalry":    forceEntry(subject, "competitive rivalry", sources),
		"supplier_power":         forceEntry(subject, "supplier power", sources),
		"buyer_power":            forceEntry(subject, "buyer power", sources),
		"threat_of_substitutes":  forceEntry(subject, "threat of substitutes", sources),
		"threat_of_new_entrants": forceEntry(subject, "threat of new entrants", sources),
	}

	return datatypes.Success(map[string]any{
		"framework": "porter_five_forces",
		"subject":   subject,
		"forces":    forces,
		"inputs":    sources,
	}), nil
}

func runSWOT(ctx context.Context, input TaskInput) (datatypes.TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.TaskResult{}, err
	}

	subject := input.Request.PrimarySubject
	sources := sortedSourceNames(input.Gathered)

	quadrants := map[string]any{
		"strengths":     swotQuadrant(input, "strengths"),
		"weaknesses":    swotQuadrant(input, "weaknesses"),
		"opportunities": swotQuadrant(input, "opportunities"),
		"threats":       swotQuadrant(input, "threats"),
	}

	return datatypes.Success(map[string]any{
		"framework": "swot",
		"subject":   subject,
		"quadrants": quadrants,
		"inputs":    sources,
	}), nil
}

func forceEntry(subject, force string, sources []string) map[string]any {
	return map[string]any{
		"assessment": fmt.Sprintf("%s for %s, assessed from %d gathered source(s)", force, subject, len(sources)),
		"sources":    sources,
	}
}

// swotQuadrant seeds a quadrant with observations derived from whatever
// gathered payloads are present.
func swotQuadrant(input TaskInput, quadrant string) []string {
	var observations []string
	if market, ok := input.Gathered[MarketTaskName]; ok {
		if latest, ok := market["latest"].(map[string]any); ok {
			observations = append(observations,
				fmt.Sprintf("%s: latest close %v informs market position", quadrant, latest["close"]))
		}
	}
	for _, name := range sortedSourceNames(input.Gathered) {
		if name == MarketTaskName {
			continue
		}
		observations = append(observations,
			fmt.Sprintf("%s: signal from %s data", quadrant, name))
	}
	if len(observations) == 0 {
		observations = append(observations,
			fmt.Sprintf("%s: no gathered data available, assessment limited", quadrant))
	}
	return observations
}

func sortedSourceNames(gathered map[string]map[string]any) []string {
	names := make([]string, 0, len(gathered))
	for name := range gathered {
		names = append(names, name)
	}
	// Deterministic ordering keeps framework output and cached results stable.
	sort.Strings(names)
	return names
}
