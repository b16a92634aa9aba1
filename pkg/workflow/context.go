package workflow

// ExecutionContext is the immutable bundle of validated input parameters
// and accumulated step outputs threaded through an execution.
//
// Mutation is never observable: WithStepOutput returns a fresh instance
// and the accessor maps are shallow copies.
type ExecutionContext struct {
	params  map[string]any
	outputs map[string]any
}

// NewExecutionContext creates a context from validated input parameters.
func NewExecutionContext(params map[string]any) *ExecutionContext {
	return &ExecutionContext{
		params:  copyMap(params),
		outputs: map[string]any{},
	}
}

// WithStepOutput returns a new context with the given step output added.
// The receiver is left untouched.
func (c *ExecutionContext) WithStepOutput(stepID string, value any) *ExecutionContext {
	next := &ExecutionContext{
		params:  c.params,
		outputs: copyMap(c.outputs),
	}
	next.outputs[stepID] = value
	return next
}

// Param returns the named input parameter.
func (c *ExecutionContext) Param(name string) (any, bool) {
	v, ok := c.params[name]
	return v, ok
}

// InputParameters returns a shallow copy of the input parameters.
func (c *ExecutionContext) InputParameters() map[string]any {
	return copyMap(c.params)
}

// StepOutputs returns a shallow copy of the accumulated step outputs.
func (c *ExecutionContext) StepOutputs() map[string]any {
	return copyMap(c.outputs)
}

// Snapshot returns the step input snapshot persisted with every result:
// {"params": <inputs>, "outputs": <step outputs>}, both shallow copies.
func (c *ExecutionContext) Snapshot() map[string]any {
	return map[string]any{
		"params":  copyMap(c.params),
		"outputs": copyMap(c.outputs),
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
