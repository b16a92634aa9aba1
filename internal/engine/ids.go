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

package engine

import (
	"crypto/rand"
	"fmt"
	"regexp"
)

// URL-safe alphabet for execution IDs. Exactly 64 characters, so each
// random byte maps to one character without modulo bias.
const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"

// ExecutionIDLength is the fixed length of execution identifiers.
const ExecutionIDLength = 21

// ExecutionIDPattern matches well-formed execution IDs. Lookups reject
// anything else before touching storage.
var ExecutionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{21}$`)

// NewExecutionID generates a 21-character URL-safe random identifier.
func NewExecutionID() (string, error) {
	buf := make([]byte, ExecutionIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate execution ID: %w", err)
	}
	for i, b := range buf {
		buf[i] = idAlphabet[b&63]
	}
	return string(buf), nil
}

// ValidExecutionID reports whether id has the shape of a generated
// execution identifier.
func ValidExecutionID(id string) bool {
	return ExecutionIDPattern.MatchString(id)
}
