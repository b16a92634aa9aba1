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

// Package work provides the built-in work executors. Real deployments
// register their own kinds on top through workflow.WorkRegistry.
package work

import (
	"context"
	"fmt"

	"github.com/fmeurisse/maestro/pkg/workflow"
)

// KindNoop echoes its configuration as output. Useful for wiring tests
// and as a placeholder while a workflow is being designed.
const KindNoop = "noop"

// KindFail always fails with the configured message. Useful for
// exercising failure paths end to end.
const KindFail = "fail"

// Noop returns the step's configuration as its output, so downstream
// steps can reference it.
func Noop(ctx context.Context, config map[string]any, ec *workflow.ExecutionContext) (any, error) {
	if config == nil {
		return map[string]any{}, nil
	}
	return config, nil
}

// Fail fails with config["message"], or a fixed message when absent.
func Fail(ctx context.Context, config map[string]any, ec *workflow.ExecutionContext) (any, error) {
	if msg, ok := config["message"].(string); ok && msg != "" {
		return nil, fmt.Errorf("%s", msg)
	}
	return nil, fmt.Errorf("step configured to fail")
}

// RegisterBuiltins installs the built-in executors into reg.
func RegisterBuiltins(reg *workflow.WorkRegistry) {
	reg.Register(KindNoop, workflow.WorkExecutorFunc(Noop))
	reg.Register(KindFail, workflow.WorkExecutorFunc(Fail))
}
