// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httputil provides small response-writing helpers shared by the
// API handlers.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"gopkg.in/yaml.v3"
)

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteYAML writes a YAML response with the given status code and data.
// Revision documents are served as YAML; everything else is JSON.
func WriteYAML(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(status)
	if err := yaml.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write YAML response", slog.Any("error", err))
	}
}

// WriteYAMLSource writes verbatim YAML source text.
func WriteYAMLSource(w http.ResponseWriter, status int, source string) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(source)); err != nil {
		slog.Error("Failed to write YAML response", slog.Any("error", err))
	}
}
