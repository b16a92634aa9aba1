package workflow

// Step type tags used as the sum-type discriminator in declarative
// documents and in persisted revision documents.
const (
	StepTypeSequence = "sequence"
	StepTypeIf       = "if"
	StepTypeLog      = "log"
	StepTypeWork     = "work"
)

// Step is one node of a workflow step tree.
//
// Built-in node kinds (Sequence, If, Log, Work) are evaluated directly by
// the interpreter; additional leaf kinds registered through a StepRegistry
// must implement Leaf.
type Step interface {
	// Type returns the node's type tag
	Type() string

	// StepID returns the node's identifier; empty means the interpreter
	// assigns step-<index> when the node produces a result
	StepID() string
}

// Leaf is an executable step that produces a single result record.
// Custom step types registered at parse time implement this to be
// runnable without interpreter changes.
type Leaf interface {
	Step

	// Run executes the leaf against the prevailing context and returns
	// its output value
	Run(rc RunContext) (any, error)
}

// SequenceStep executes its children in order and fails fast.
type SequenceStep struct {
	// ID is the optional node identifier
	ID string

	// Children are executed left to right
	Children []Step
}

// Type returns the node's type tag.
func (s *SequenceStep) Type() string { return StepTypeSequence }

// StepID returns the node's identifier.
func (s *SequenceStep) StepID() string { return s.ID }

// IfStep evaluates a condition and executes exactly one branch.
// The non-taken branch's leaves never enter the visit order.
type IfStep struct {
	// ID is the optional node identifier
	ID string

	// Condition is a v1-dialect predicate: "true", "false", or "params.<name>"
	Condition string

	// Then is executed when the condition holds
	Then []Step

	// Else is executed when the condition does not hold
	Else []Step
}

// Type returns the node's type tag.
func (s *IfStep) Type() string { return StepTypeIf }

// StepID returns the node's identifier.
func (s *IfStep) StepID() string { return s.ID }

// LogStep writes an interpolated message to the process log.
// A log-sink failure never fails the step.
type LogStep struct {
	// ID is the optional node identifier
	ID string

	// Message may contain {name} tokens resolved from input parameters
	Message string
}

// Type returns the node's type tag.
func (s *LogStep) Type() string { return StepTypeLog }

// StepID returns the node's identifier.
func (s *LogStep) StepID() string { return s.ID }

// WorkStep is an opaque leaf whose work is delegated to the executor
// registered for its kind.
type WorkStep struct {
	// ID is the optional node identifier
	ID string

	// Kind selects the registered work executor
	Kind string

	// Config is passed verbatim to the executor
	Config map[string]any
}

// Type returns the node's type tag.
func (s *WorkStep) Type() string { return StepTypeWork }

// StepID returns the node's identifier.
func (s *WorkStep) StepID() string { return s.ID }
