// Copyright (C) 2025 Harborline Systems (oss@harborline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for strata components.
//
// Output goes to stderr by default, following Unix CLI conventions, with
// optional duplication to a JSON log file. The package is a thin layer
// over the standard library slog:
//
//	logger, closer, err := logging.New(logging.Config{Level: "debug"})
//	defer closer()
//	logger.Info("starting run", "fingerprint", fp)
//
// # Thread Safety
//
// The returned *slog.Logger is safe for concurrent use.
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers
// must ensure API keys and request payloads are not logged verbatim.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Config controls logger construction.
type Config struct {
	// Level is the minimum severity: debug, info, warn, or error.
	// Unknown or empty values default to info.
	Level string

	// File, if set, duplicates output to the given path in JSON format.
	// Parent directories are created with 0750 permissions.
	File string

	// Service is attached to every entry as the "service" attribute
	// when non-empty.
	Service string

	// Quiet disables stderr output. Useful when only the file matters.
	Quiet bool
}

// ParseLevel maps a config string onto a slog.Level.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger per the config. The returned closer flushes and
// closes the log file, if any, and is always safe to call.
func New(cfg Config) (*slog.Logger, func() error, error) {
	level := ParseLevel(cfg.Level)
	closer := func() error { return nil }

	var writers []io.Writer
	if !cfg.Quiet {
		writers = append(writers, os.Stderr)
	}
	if cfg.File != "" {
		if dir := filepath.Dir(cfg.File); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, closer, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, closer, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, f)
		closer = f.Close
	}

	var handler slog.Handler
	switch len(writers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: level})
	case 1:
		handler = handlerFor(writers[0], cfg.File != "" && cfg.Quiet, level)
	default:
		// stderr stays human-readable; the file is always JSON.
		handler = &teeHandler{
			handlers: []slog.Handler{
				slog.NewTextHandler(writers[0], &slog.HandlerOptions{Level: level}),
				slog.NewJSONHandler(writers[1], &slog.HandlerOptions{Level: level}),
			},
		}
	}

	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	return logger, closer, nil
}

// Default returns a stderr text logger at info level.
func Default() *slog.Logger {
	logger, _, _ := New(Config{})
	return logger
}

func handlerFor(w io.Writer, json bool, level slog.Level) slog.Handler {
	if json {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
}
