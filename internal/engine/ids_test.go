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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecutionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := NewExecutionID()
		require.NoError(t, err)
		assert.Len(t, id, ExecutionIDLength)
		assert.True(t, ValidExecutionID(id), "generated ID %q must satisfy its own validator", id)
		assert.False(t, seen[id], "duplicate ID %q", id)
		seen[id] = true
	}
}

func TestValidExecutionID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{name: "valid", id: "V1StGXR8_Z5jdHi6B-myT", want: true},
		{name: "too short", id: "V1StGXR8_Z5jdHi6B-my", want: false},
		{name: "too long", id: "V1StGXR8_Z5jdHi6B-myTx", want: false},
		{name: "illegal character", id: "V1StGXR8_Z5jdHi6B-my!", want: false},
		{name: "empty", id: "", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidExecutionID(tt.id))
		})
	}
}
