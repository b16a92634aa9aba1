// Package expression provides an expr-lang based condition evaluator.
//
// The v1 condition dialect (true, false, params.<name>) is handled by
// workflow.StrictEvaluator and stays the default. This evaluator is the
// richer extension point: deployments that opt in can use full boolean
// expressions over inputs and step outputs, e.g.
//
//	params.retryCount > 3 && outputs.fetch != nil
//
// It satisfies workflow.ConditionEvaluator.
package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/fmeurisse/maestro/pkg/workflow"
)

// Evaluator evaluates condition expressions against an execution context.
// Compiled programs are cached for repeated evaluations.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate implements workflow.ConditionEvaluator.
// The environment exposes:
//   - params: the validated input parameters
//   - outputs: step outputs accumulated so far, keyed by step ID
func (e *Evaluator) Evaluate(condition string, ec *workflow.ExecutionContext) (bool, error) {
	if condition == "" {
		return false, fmt.Errorf("empty condition")
	}

	program, err := e.compile(condition)
	if err != nil {
		return false, fmt.Errorf("failed to compile condition %q: %w", condition, err)
	}

	env := map[string]any{
		"params":  ec.InputParameters(),
		"outputs": ec.StepOutputs(),
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("condition %q evaluation failed: %w", condition, err)
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q must return a boolean, got %T", condition, result)
	}
	return b, nil
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(condition string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[condition]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(condition,
		// The environment is supplied at runtime.
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[condition] = prog
	e.mu.Unlock()

	return prog, nil
}
