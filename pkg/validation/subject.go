// Copyright (C) 2025 Harborline Systems (oss@harborline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for user-provided
// request fields.
//
// Request subjects and qualifiers end up in log lines, cache keys, and
// upstream query URLs, so they are validated before the engine touches
// them.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// subjectPattern matches analysis subjects: company names, ticker-style
// symbols, or short topic phrases. Letters, digits, spaces, and the
// punctuation common in company names (&.,'-).
var subjectPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 &.,'\-]{0,99}$`)

// qualifierPattern matches framework qualifiers: short lowercase-friendly
// identifiers like "swot" or "porter_five_forces".
var qualifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_\-]{0,31}$`)

// MaxContextLength bounds the free-form context field.
const MaxContextLength = 2048

// ValidateSubject validates an analysis subject.
//
// Valid subjects:
//   - 1-100 characters
//   - Start with a letter or digit
//   - Letters, digits, spaces, and & . , ' - thereafter
//
// Returns an error if the subject is invalid.
func ValidateSubject(subject string) error {
	if strings.TrimSpace(subject) == "" {
		return fmt.Errorf("subject cannot be empty")
	}
	if !subjectPattern.MatchString(subject) {
		return fmt.Errorf("invalid subject format: %q (must be 1-100 chars: letters, digits, spaces, &.,'-)", subject)
	}
	return nil
}

// ValidateQualifier validates a single framework qualifier.
func ValidateQualifier(qualifier string) error {
	if qualifier == "" {
		return fmt.Errorf("qualifier cannot be empty")
	}
	if !qualifierPattern.MatchString(qualifier) {
		return fmt.Errorf("invalid qualifier format: %q (must be 1-32 chars: letters, digits, _ -)", qualifier)
	}
	return nil
}

// ValidateQualifiers validates multiple qualifiers.
// Returns an error listing all invalid qualifiers if any fail validation.
func ValidateQualifiers(qualifiers []string) error {
	var invalid []string
	for _, q := range qualifiers {
		if err := ValidateQualifier(q); err != nil {
			invalid = append(invalid, q)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid qualifiers: %v", invalid)
	}
	return nil
}

// ValidateContext bounds the free-form context field.
func ValidateContext(context string) error {
	if len(context) > MaxContextLength {
		return fmt.Errorf("context too long: %d bytes (max %d)", len(context), MaxContextLength)
	}
	return nil
}

// SanitizeSubject normalizes and validates a subject.
// Returns the trimmed subject if valid, or an error if invalid.
func SanitizeSubject(subject string) (string, error) {
	normalized := strings.TrimSpace(subject)
	if err := ValidateSubject(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
