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
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/harborline/strata/pkg/validation"
	"github.com/harborline/strata/services/analysis/datatypes"
)

var (
	analyzeFrameworks []string
	analyzeContext    string
	analyzeJSON       bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [subject]",
	Short: "Run a full analysis for a subject",
	Long: `Runs the gathering, framework, and synthesis phases for a subject
and prints the confidence-scored result. Repeated and near-identical
requests are served from the cache.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, err := validation.SanitizeSubject(args[0])
		if err != nil {
			return err
		}
		if err := validation.ValidateQualifiers(analyzeFrameworks); err != nil {
			return err
		}
		if err := validation.ValidateContext(analyzeContext); err != nil {
			return err
		}

		runID := uuid.NewString()
		logger := logger.With("run_id", runID)

		app, err := buildApplication(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer app.close()

		result, err := app.engine.Run(cmd.Context(), datatypes.AnalysisRequest{
			PrimarySubject: subject,
			Qualifiers:     analyzeFrameworks,
			Context:        analyzeContext,
		})
		if err != nil {
			return err
		}

		if analyzeJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}
		printResult(result)
		return nil
	},
}

func init() {
	analyzeCmd.Flags().StringSliceVarP(&analyzeFrameworks, "framework", "f", []string{"swot"}, "framework qualifiers (swot, porter)")
	analyzeCmd.Flags().StringVar(&analyzeContext, "context", "", "free-form context for the analysis")
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "emit the full result as JSON")
}

func printResult(result datatypes.Result) {
	fmt.Printf("Analysis: %s\n", result.Request.PrimarySubject)
	if result.CacheHit {
		fmt.Println("(served from cache)")
	}
	fmt.Printf("Confidence: %.2f\n", result.Confidence)
	fmt.Printf("Sources: %s\n", strings.Join(result.SourcesUsed, ", "))
	if len(result.Errors) > 0 {
		names := make([]string, 0, len(result.Errors))
		for name := range result.Errors {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("Failed tasks:")
		for _, name := range names {
			fmt.Printf("  - %s: %s\n", name, result.Errors[name])
		}
	}
	fmt.Println()
	fmt.Println(result.Narrative.Summary)

	sections := make([]string, 0, len(result.Narrative.Sections))
	for name := range result.Narrative.Sections {
		sections = append(sections, name)
	}
	sort.Strings(sections)
	for _, name := range sections {
		fmt.Printf("\n## %s\n%s\n", name, result.Narrative.Sections[name])
	}
}
