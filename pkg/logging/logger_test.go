// Copyright (C) 2025 Harborline Systems (oss@harborline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFileLoggingWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "strata.log")
	logger, closer, err := New(Config{Level: "debug", File: path, Quiet: true, Service: "test"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Info("run complete", "confidence", 0.8)
	if err := closer(); err != nil {
		t.Fatalf("closer failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := strings.TrimSpace(string(raw))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line not JSON: %v\n%s", err, line)
	}
	if entry["msg"] != "run complete" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["service"] != "test" {
		t.Errorf("service = %v", entry["service"])
	}
	if entry["confidence"] != 0.8 {
		t.Errorf("confidence = %v", entry["confidence"])
	}
}

func TestLevelFiltersFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata.log")
	logger, closer, err := New(Config{Level: "warn", File: path, Quiet: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("visible")
	if err := closer(); err != nil {
		t.Fatalf("closer failed: %v", err)
	}

	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "hidden") {
		t.Error("info entry written despite warn level")
	}
	if !strings.Contains(string(raw), "visible") {
		t.Error("warn entry missing")
	}
}

func TestDefaultNeverNil(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default returned nil")
	}
}
