// Copyright Kilo Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package gwhttp has the small shared HTTP response helpers.
package gwhttp

import (
	"encoding/json"
	"net/http"
)

// JSON writes body as a JSON response with the given status code. Errors
// sent to callers always use the fixed shape
// {"error": string, "detail"?: string, ...context}; callers pass that shape
// as a map or struct.
func JSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Error writes the fixed error shape with the given slug and optional
// context fields.
func Error(w http.ResponseWriter, status int, slug string, context map[string]any) {
	body := map[string]any{"error": slug}
	for k, v := range context {
		body[k] = v
	}
	JSON(w, status, body)
}
