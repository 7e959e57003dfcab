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
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/harborline/strata/services/analysis/datatypes"
)

// Fingerprint derives the normalized cache identity of a request.
//
// Identity is insensitive to subject casing and qualifier ordering:
// the lowercased subject, the sorted lowercased qualifiers, and the
// optional context are hashed with SHA-256 and hex-encoded.
func Fingerprint(req datatypes.AnalysisRequest) string {
	qualifiers := make([]string, len(req.Qualifiers))
	for i, q := range req.Qualifiers {
		qualifiers[i] = strings.ToLower(strings.TrimSpace(q))
	}
	sort.Strings(qualifiers)

	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(req.PrimarySubject))))
	h.Write([]byte{0})
	for _, q := range qualifiers {
		h.Write([]byte(q))
		h.Write([]byte{0})
	}
	h.Write([]byte(strings.TrimSpace(req.Context)))
	return hex.EncodeToString(h.Sum(nil))
}
