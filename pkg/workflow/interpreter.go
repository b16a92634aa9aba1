package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"runtime/debug"
	"time"
)

// Sink receives every step result in execution order. A non-nil return
// aborts the run: the interpreter stops advancing and reports the error
// to its caller, which decides how to finalise the execution.
type Sink func(*StepResult) error

// Interpreter walks a step tree depth-first, left to right, emitting one
// result per visited or skipped leaf. Leaves are numbered by a single
// monotonic index shared across the whole tree; orchestration nodes only
// emit a result when they fail on their own behalf (condition errors,
// depth guard, timeout).
type Interpreter struct {
	work       *WorkRegistry
	conditions ConditionEvaluator
	logger     *slog.Logger
	now        func() time.Time
}

// InterpreterOption configures an Interpreter.
type InterpreterOption func(*Interpreter)

// WithConditionEvaluator replaces the default strict v1 evaluator.
func WithConditionEvaluator(eval ConditionEvaluator) InterpreterOption {
	return func(it *Interpreter) { it.conditions = eval }
}

// WithLogger sets the logger used by log steps.
func WithLogger(logger *slog.Logger) InterpreterOption {
	return func(it *Interpreter) { it.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) InterpreterOption {
	return func(it *Interpreter) { it.now = now }
}

// NewInterpreter creates an interpreter backed by the given work registry.
func NewInterpreter(work *WorkRegistry, opts ...InterpreterOption) *Interpreter {
	it := &Interpreter{
		work:       work,
		conditions: StrictEvaluator{},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(it)
	}
	return it
}

// Run executes the tree rooted at root against the initial context and
// streams results to sink. The returned context is the one after the
// last successful step. The error is non-nil only when the sink aborted
// the run; step failures are reported through the FAILED final status.
//
// The passed ctx carries the execution's wall-clock deadline. Exceeding
// it fails the step at the next boundary with ErrTypeExecutionTimeout;
// it is never the HTTP request's cancellation signal.
func (it *Interpreter) Run(ctx context.Context, root Step, ec *ExecutionContext, sink Sink) (Status, *ExecutionContext, error) {
	r := &run{it: it, ctx: ctx, sink: sink}
	final, ok, err := r.exec(root, ec, 1)
	if err != nil {
		return StatusFailed, final, err
	}
	if !ok {
		return StatusFailed, final, nil
	}
	return StatusCompleted, final, nil
}

// run holds the per-execution traversal state.
type run struct {
	it    *Interpreter
	ctx   context.Context
	sink  Sink
	index int
}

// failure carries the error payload of a FAILED result.
type failure struct {
	message string
	details *ErrorDetails
}

// exec evaluates one node. It returns the context to thread to the next
// sibling, whether the node completed, and a sink error if the run must
// abort.
func (r *run) exec(step Step, ec *ExecutionContext, depth int) (*ExecutionContext, bool, error) {
	if depth > MaxNestingDepth {
		err := r.emit(step, StepFailed, ec.Snapshot(), nil, &failure{
			message: fmt.Sprintf("step tree exceeds maximum nesting depth of %d", MaxNestingDepth),
			details: &ErrorDetails{ErrorType: ErrTypeNestingDepthExceeded, StepInputs: ec.Snapshot()},
		})
		return ec, false, err
	}

	if ctxErr := r.ctx.Err(); ctxErr != nil {
		err := r.emit(step, StepFailed, ec.Snapshot(), nil, &failure{
			message: fmt.Sprintf("execution deadline exceeded before step could run: %v", ctxErr),
			details: &ErrorDetails{ErrorType: ErrTypeExecutionTimeout, StepInputs: ec.Snapshot()},
		})
		return ec, false, err
	}

	switch st := step.(type) {
	case *SequenceStep:
		return r.execChildren(st.Children, ec, depth)

	case *IfStep:
		taken, condErr := r.it.conditions.Evaluate(st.Condition, ec)
		if condErr != nil {
			err := r.emit(step, StepFailed, ec.Snapshot(), nil, &failure{
				message: condErr.Error(),
				details: &ErrorDetails{ErrorType: ErrTypeConditionEvaluation, StepInputs: ec.Snapshot()},
			})
			return ec, false, err
		}
		// The non-taken branch never enters the visit order.
		branch := st.Else
		if taken {
			branch = st.Then
		}
		return r.execChildren(branch, ec, depth)

	case *LogStep:
		message := resolveMessage(st.Message, ec)
		r.it.logger.Info(message, slog.String("step_id", r.effectiveID(step)))
		err := r.emit(step, StepCompleted, ec.Snapshot(), nil, nil)
		return ec, err == nil, err

	case *WorkStep:
		return r.execWork(st, ec)

	case Leaf:
		return r.execLeaf(st, ec)

	default:
		err := r.emit(step, StepFailed, ec.Snapshot(), nil, &failure{
			message: fmt.Sprintf("step type %q is not executable", step.Type()),
			details: &ErrorDetails{ErrorType: "UnsupportedStepType", StepInputs: ec.Snapshot()},
		})
		return ec, false, err
	}
}

// execChildren runs an ordered child list with fail-fast semantics:
// after the first failed child, every unvisited descendant leaf of the
// remaining children is recorded as SKIPPED and the failure propagates.
func (r *run) execChildren(children []Step, ec *ExecutionContext, depth int) (*ExecutionContext, bool, error) {
	cur := ec
	for i, child := range children {
		next, ok, err := r.exec(child, cur, depth+1)
		if err != nil {
			return cur, false, err
		}
		if !ok {
			for _, rest := range children[i+1:] {
				if err := r.skipLeaves(rest); err != nil {
					return cur, false, err
				}
			}
			return cur, false, nil
		}
		cur = next
	}
	return cur, true, nil
}

// execWork invokes the registered executor for the step's kind.
func (r *run) execWork(st *WorkStep, ec *ExecutionContext) (*ExecutionContext, bool, error) {
	snapshot := ec.Snapshot()

	exec, ok := r.it.work.Lookup(st.Kind)
	if !ok {
		err := r.emit(st, StepFailed, snapshot, nil, &failure{
			message: fmt.Sprintf("no work executor registered for kind %q", st.Kind),
			details: &ErrorDetails{ErrorType: ErrTypeUnknownWorkKind, StepInputs: snapshot},
		})
		return ec, false, err
	}

	output, runErr := r.invoke(func(ctx context.Context) (any, error) {
		return exec.Execute(ctx, st.Config, ec)
	})
	if runErr != nil {
		runErr.details.StepInputs = snapshot
		err := r.emit(st, StepFailed, snapshot, nil, runErr)
		return ec, false, err
	}

	id := r.effectiveID(st)
	if err := r.emit(st, StepCompleted, snapshot, output, nil); err != nil {
		return ec, false, err
	}
	return ec.WithStepOutput(id, output), true, nil
}

// execLeaf runs a registered custom leaf step.
func (r *run) execLeaf(st Leaf, ec *ExecutionContext) (*ExecutionContext, bool, error) {
	snapshot := ec.Snapshot()

	output, runErr := r.invoke(func(ctx context.Context) (any, error) {
		return st.Run(RunContext{Context: ctx, Execution: ec})
	})
	if runErr != nil {
		runErr.details.StepInputs = snapshot
		err := r.emit(st, StepFailed, snapshot, nil, runErr)
		return ec, false, err
	}

	id := r.effectiveID(st)
	if err := r.emit(st, StepCompleted, snapshot, output, nil); err != nil {
		return ec, false, err
	}
	return ec.WithStepOutput(id, output), true, nil
}

// invoke calls fn with panic containment. A panic fails the step, never
// the process; the stack is preserved in the error details.
func (r *run) invoke(fn func(ctx context.Context) (any, error)) (output any, f *failure) {
	defer func() {
		if recovered := recover(); recovered != nil {
			f = &failure{
				message: fmt.Sprintf("step panicked: %v", recovered),
				details: &ErrorDetails{
					ErrorType:  fmt.Sprintf("%T", recovered),
					StackTrace: string(debug.Stack()),
				},
			}
		}
	}()

	out, err := fn(r.ctx)
	if err != nil {
		return nil, &failure{
			message: err.Error(),
			details: &ErrorDetails{ErrorType: errorTypeName(err)},
		}
	}
	return out, nil
}

// skipLeaves records SKIPPED results for every leaf under step, in
// document order. An unevaluated If contributes the leaves of both
// branches: its condition never ran, so neither branch was ruled out.
func (r *run) skipLeaves(step Step) error {
	switch st := step.(type) {
	case *SequenceStep:
		for _, c := range st.Children {
			if err := r.skipLeaves(c); err != nil {
				return err
			}
		}
		return nil
	case *IfStep:
		for _, c := range st.Then {
			if err := r.skipLeaves(c); err != nil {
				return err
			}
		}
		for _, c := range st.Else {
			if err := r.skipLeaves(c); err != nil {
				return err
			}
		}
		return nil
	default:
		return r.emit(step, StepSkipped, nil, nil, nil)
	}
}

// emit builds and delivers one result, advancing the shared step index.
// The sink must commit before the interpreter advances; its error aborts
// the run.
func (r *run) emit(step Step, status StepStatus, snapshot map[string]any, output any, f *failure) error {
	now := r.it.now().UTC()
	res := &StepResult{
		StepIndex:   r.index,
		StepID:      r.effectiveID(step),
		StepType:    step.Type(),
		Status:      status,
		InputData:   snapshot,
		OutputData:  output,
		StartedAt:   now,
		CompletedAt: now,
	}
	if f != nil {
		res.ErrorMessage = f.message
		res.ErrorDetails = f.details
	}
	r.index++
	return r.sink(res)
}

// effectiveID returns the step's ID, synthesising step-<index> when the
// document omitted one.
func (r *run) effectiveID(step Step) string {
	if id := step.StepID(); id != "" {
		return id
	}
	return fmt.Sprintf("step-%d", r.index)
}

// messageToken matches {name} placeholders in log messages.
var messageToken = regexp.MustCompile(`\{([A-Za-z0-9_-]+)\}`)

// resolveMessage substitutes {name} tokens with the string form of the
// matching input parameter. Unknown tokens are left as-is (best effort).
func resolveMessage(message string, ec *ExecutionContext) string {
	return messageToken.ReplaceAllStringFunc(message, func(token string) string {
		name := token[1 : len(token)-1]
		if v, ok := ec.Param(name); ok {
			return fmt.Sprintf("%v", v)
		}
		return token
	})
}

// errorTypeName extracts a bare type name from an error for diagnostics.
func errorTypeName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Name() == "" {
		return fmt.Sprintf("%T", err)
	}
	return t.Name()
}
