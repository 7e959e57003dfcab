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

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the result cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size and entry count",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApplication(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer app.close()

		if app.exact == nil {
			fmt.Println("Cache is disabled.")
			return nil
		}
		size, entries := app.exact.Stats()
		fmt.Printf("Entries: %d\nSize: %d bytes\nTTL: %s\n", entries, size, cfg.Cache.TTL.Std())
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all cached results",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApplication(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer app.close()

		if app.exact == nil {
			fmt.Println("Cache is disabled.")
			return nil
		}
		app.exact.Clear()
		fmt.Println("Cache cleared.")
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}
