package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/fmeurisse/maestro/pkg/errors"
)

// RunContext carries everything a leaf needs at execution time.
type RunContext struct {
	// Context is the execution's context; it carries the wall-clock
	// deadline, never the HTTP request's cancellation signal
	Context context.Context

	// Execution is the context prevailing at the leaf's point of traversal
	Execution *ExecutionContext
}

// StepDecoder builds a Step from a decoded document node.
// The node map contains the raw document fields including "type".
type StepDecoder func(node map[string]any) (Step, error)

// StepRegistry maps document type tags to decoders. It is consulted at
// parse time for tags that are not built in, letting deployments register
// additional step types without rebuilding.
//
// Safe for concurrent use.
type StepRegistry struct {
	mu       sync.RWMutex
	decoders map[string]StepDecoder
}

// NewStepRegistry creates an empty registry. The built-in tags
// (sequence, if, log, work) are handled natively by the parser and
// cannot be overridden.
func NewStepRegistry() *StepRegistry {
	return &StepRegistry{decoders: make(map[string]StepDecoder)}
}

// Register adds a decoder for the given type tag.
// Registering a built-in tag is an error.
func (r *StepRegistry) Register(tag string, dec StepDecoder) error {
	switch tag {
	case StepTypeSequence, StepTypeIf, StepTypeLog, StepTypeWork:
		return &errors.ValidationError{
			Field:   "type",
			Message: fmt.Sprintf("step type %q is built in and cannot be overridden", tag),
		}
	}
	if dec == nil {
		return errors.New("step decoder must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[tag] = dec
	return nil
}

// Unregister removes the decoder for the given type tag.
func (r *StepRegistry) Unregister(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.decoders, tag)
}

// Lookup returns the decoder registered for tag, if any.
func (r *StepRegistry) Lookup(tag string) (StepDecoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dec, ok := r.decoders[tag]
	return dec, ok
}

// WorkExecutor performs the work delegated by a WorkStep.
//
// Contract: on success return (value, nil); the value becomes the step's
// outputData and is threaded to sibling steps under the step's ID. On
// failure return (nil, err); the interpreter captures the error type and
// the step's input snapshot.
type WorkExecutor interface {
	Execute(ctx context.Context, config map[string]any, ec *ExecutionContext) (any, error)
}

// WorkExecutorFunc adapts a function to the WorkExecutor interface.
type WorkExecutorFunc func(ctx context.Context, config map[string]any, ec *ExecutionContext) (any, error)

// Execute implements WorkExecutor.
func (f WorkExecutorFunc) Execute(ctx context.Context, config map[string]any, ec *ExecutionContext) (any, error) {
	return f(ctx, config, ec)
}

// WorkRegistry maps work kinds to executors. It is consulted at run time
// for every WorkStep.
//
// Safe for concurrent use.
type WorkRegistry struct {
	mu        sync.RWMutex
	executors map[string]WorkExecutor
}

// NewWorkRegistry creates an empty work registry.
func NewWorkRegistry() *WorkRegistry {
	return &WorkRegistry{executors: make(map[string]WorkExecutor)}
}

// Register adds an executor for the given kind, replacing any previous one.
func (r *WorkRegistry) Register(kind string, exec WorkExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = exec
}

// Unregister removes the executor for the given kind.
func (r *WorkRegistry) Unregister(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executors, kind)
}

// Lookup returns the executor registered for kind, if any.
func (r *WorkRegistry) Lookup(kind string) (WorkExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[kind]
	return exec, ok
}

// Kinds returns the registered kinds in unspecified order.
func (r *WorkRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	return kinds
}
