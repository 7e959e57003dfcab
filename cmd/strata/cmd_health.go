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

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Validate the configuration and check component wiring",
	RunE: func(cmd *cobra.Command, args []string) error {
		// config already validated by the root PersistentPreRun; assemble
		// the full graph to surface wiring problems (cache dir, weaviate).
		app, err := buildApplication(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer app.close()

		fmt.Println("Configuration: ok")
		if app.exact != nil {
			size, entries := app.exact.Stats()
			fmt.Printf("Cache: ok (%d entries, %d bytes, ttl %s, %s similarity index)\n",
				entries, size, cfg.Cache.TTL.Std(), cfg.Cache.SimilarityBackend)
		} else {
			fmt.Println("Cache: disabled")
		}
		fmt.Printf("Synthesis: %s\n", cfg.Synthesis.Provider)
		fmt.Printf("Market data: enabled=%v interval=%s\n", cfg.Market.Enabled, cfg.Market.Interval)

		for _, stats := range app.engine.Breakers() {
			fmt.Printf("Breaker %s: %s\n", stats.Name, stats.State)
		}
		return nil
	},
}
