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
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/harborline/strata/pkg/logging"
	"github.com/harborline/strata/services/analysis/config"
)

var (
	cfgPath   string
	cfg       config.Config
	logger    *slog.Logger
	logCloser = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Resilient multi-source analysis with cached, synthesized results",
	Long: `strata orchestrates failure-prone data sources and framework analyzers
into a single confidence-scored analysis report. Every external dependency
runs behind a circuit breaker with retries, and completed analyses are
served from a two-tier (exact + similarity) cache.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		logger, logCloser, err = logging.New(logging.Config{
			Level:   cfg.Logging.Level,
			File:    cfg.Logging.File,
			Service: "strata",
		})
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if err := logCloser(); err != nil {
			fmt.Fprintln(os.Stderr, "Warning: failed to close log file:", err)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to strata.yaml (defaults apply when omitted)")
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(cacheCmd)
}
