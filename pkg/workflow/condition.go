package workflow

import (
	"fmt"
	"strings"
)

// ConditionEvaluator decides If branches. The interpreter converts any
// evaluation error into a FAILED result with ErrTypeConditionEvaluation;
// an unrecognised condition is never a silent false.
//
// StrictEvaluator implements the v1 dialect. Richer evaluators (see the
// expression subpackage) are an extension point and must be opted into
// explicitly.
type ConditionEvaluator interface {
	Evaluate(condition string, ec *ExecutionContext) (bool, error)
}

// StrictEvaluator evaluates the v1 condition dialect:
//
//	true | false | params.<name>
//
// where <name> must reference a BOOLEAN parameter present in the context.
type StrictEvaluator struct{}

// Evaluate implements ConditionEvaluator.
func (StrictEvaluator) Evaluate(condition string, ec *ExecutionContext) (bool, error) {
	cond := strings.TrimSpace(condition)
	switch cond {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	if name, ok := strings.CutPrefix(cond, "params."); ok {
		if name == "" {
			return false, fmt.Errorf("condition %q references an empty parameter name", condition)
		}
		value, present := ec.Param(name)
		if !present {
			return false, fmt.Errorf("condition references unknown parameter %q", name)
		}
		b, isBool := value.(bool)
		if !isBool {
			return false, fmt.Errorf("condition parameter %q is not a boolean (got %T)", name, value)
		}
		return b, nil
	}

	return false, fmt.Errorf("unrecognised condition %q: expected true, false, or params.<name>", condition)
}
