package workflow

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fmeurisse/maestro/pkg/errors"
)

// ParameterType enumerates the supported workflow parameter types.
type ParameterType string

const (
	// TypeString accepts string values only.
	TypeString ParameterType = "STRING"
	// TypeInteger accepts integers and base-10 integer strings.
	TypeInteger ParameterType = "INTEGER"
	// TypeFloat accepts integers, floats, and decimal strings.
	TypeFloat ParameterType = "FLOAT"
	// TypeBoolean accepts booleans and "true"/"false" strings.
	TypeBoolean ParameterType = "BOOLEAN"
)

// ParseParameterType converts a document type tag to a ParameterType.
// Matching is case-insensitive so YAML documents can use lowercase tags.
func ParseParameterType(s string) (ParameterType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STRING":
		return TypeString, nil
	case "INTEGER", "INT":
		return TypeInteger, nil
	case "FLOAT", "NUMBER":
		return TypeFloat, nil
	case "BOOLEAN", "BOOL":
		return TypeBoolean, nil
	default:
		return "", &errors.ValidationError{
			Field:      "type",
			Message:    fmt.Sprintf("unknown parameter type %q", s),
			Suggestion: "use one of: string, integer, float, boolean",
		}
	}
}

// ParameterDefinition describes one workflow input parameter.
type ParameterDefinition struct {
	// Name is the parameter identifier, unique within a revision
	Name string `json:"name" yaml:"name"`

	// Type is the declared parameter type
	Type ParameterType `json:"type" yaml:"type"`

	// Required marks the parameter as mandatory when no default exists
	Required bool `json:"required" yaml:"required"`

	// Default is applied when the parameter is not submitted.
	// Its type must match Type.
	Default any `json:"default,omitempty" yaml:"default,omitempty"`

	// Description explains what the parameter is for
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

const (
	// MaxIdentifierLength bounds namespace and workflow identifiers.
	MaxIdentifierLength = 100
	// MaxNameLength bounds the revision display name.
	MaxNameLength = 255
	// MaxDescriptionLength bounds the revision description.
	MaxDescriptionLength = 1000
	// MaxNestingDepth bounds the step tree depth.
	MaxNestingDepth = 10
)

// identifierPattern matches valid namespace and workflow identifiers.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidIdentifier reports whether s is a legal namespace or workflow identifier.
func ValidIdentifier(s string) bool {
	return s != "" && len(s) <= MaxIdentifierLength && identifierPattern.MatchString(s)
}

// RevisionID identifies one immutable revision of a workflow.
type RevisionID struct {
	// Namespace groups workflows, e.g. per team
	Namespace string `json:"namespace"`

	// WorkflowID identifies the workflow within the namespace
	WorkflowID string `json:"id"`

	// Version is assigned monotonically by the store, starting at 1
	Version int `json:"version"`
}

// String renders the identity as namespace/id/version.
func (r RevisionID) String() string {
	return fmt.Sprintf("%s/%s/%d", r.Namespace, r.WorkflowID, r.Version)
}

// Validate checks the identity components.
func (r RevisionID) Validate() error {
	if !ValidIdentifier(r.Namespace) {
		return &errors.ValidationError{
			Field:      "namespace",
			Message:    fmt.Sprintf("invalid namespace %q", r.Namespace),
			Suggestion: "use 1-100 characters from [A-Za-z0-9_-]",
		}
	}
	if !ValidIdentifier(r.WorkflowID) {
		return &errors.ValidationError{
			Field:      "id",
			Message:    fmt.Sprintf("invalid workflow id %q", r.WorkflowID),
			Suggestion: "use 1-100 characters from [A-Za-z0-9_-]",
		}
	}
	if r.Version < 1 {
		return &errors.ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("version must be >= 1, got %d", r.Version),
		}
	}
	return nil
}

// Revision is a specific, immutable version of a workflow definition.
type Revision struct {
	// ID is the revision identity
	ID RevisionID

	// Name is the human-readable workflow name
	Name string

	// Description provides optional context
	Description string

	// Parameters is the ordered input parameter schema
	Parameters []ParameterDefinition

	// Root is the step tree executed by the interpreter
	Root Step

	// Active marks the revision as eligible for production use.
	// Active revisions cannot be updated or deleted.
	Active bool

	// CreatedAt is when the revision was first stored (UTC)
	CreatedAt time.Time

	// UpdatedAt is refreshed on every mutation (UTC); UpdatedAt >= CreatedAt
	UpdatedAt time.Time
}

// RevisionWithSource additionally carries the original declarative text,
// preserved verbatim for readback. The execution core never inspects it.
type RevisionWithSource struct {
	Revision

	// Source is the declarative document as submitted
	Source string
}

// Status is the lifecycle state of a workflow execution.
type Status string

const (
	// StatusPending is reserved; executions are created RUNNING in v1.
	StatusPending Status = "PENDING"
	// StatusRunning indicates the execution is in progress.
	StatusRunning Status = "RUNNING"
	// StatusCompleted indicates every visited step completed.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates a step failed or the run was aborted.
	StatusFailed Status = "FAILED"
	// StatusCancelled is reserved and unused in v1.
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus converts a string to a Status, case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING":
		return StatusPending, nil
	case "RUNNING":
		return StatusRunning, nil
	case "COMPLETED":
		return StatusCompleted, nil
	case "FAILED":
		return StatusFailed, nil
	case "CANCELLED":
		return StatusCancelled, nil
	default:
		return "", &errors.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("unknown execution status %q", s),
		}
	}
}

// StepStatus is the terminal state of one step result.
type StepStatus string

const (
	// StepCompleted indicates the step ran and produced its output.
	StepCompleted StepStatus = "COMPLETED"
	// StepFailed indicates the step raised an error.
	StepFailed StepStatus = "FAILED"
	// StepSkipped indicates the step was never visited because an
	// earlier sibling failed.
	StepSkipped StepStatus = "SKIPPED"
)

// ErrorDetails captures diagnostic information for a failed step.
type ErrorDetails struct {
	// ErrorType is the classified failure kind or the raised error's type name
	ErrorType string `json:"errorType"`

	// StackTrace is captured for panics; empty for plain errors
	StackTrace string `json:"stackTrace,omitempty"`

	// StepInputs snapshots the inputs visible to the step when it failed
	StepInputs map[string]any `json:"stepInputs,omitempty"`
}

// Well-known ErrorType values emitted by the interpreter and coordinator.
const (
	// ErrTypeConditionEvaluation marks an If condition that could not be evaluated.
	ErrTypeConditionEvaluation = "ConditionEvaluationError"
	// ErrTypeUnknownWorkKind marks a work task with no registered executor.
	ErrTypeUnknownWorkKind = "UnknownWorkKind"
	// ErrTypeNestingDepthExceeded marks a node deeper than MaxNestingDepth.
	ErrTypeNestingDepthExceeded = "NestingDepthExceeded"
	// ErrTypeExecutionTimeout marks an execution that exceeded its wall-clock budget.
	ErrTypeExecutionTimeout = "ExecutionTimeout"
	// ErrTypeCheckpointCommitFailed marks an execution aborted because a
	// step-result commit failed.
	ErrTypeCheckpointCommitFailed = "CheckpointCommitFailed"
	// ErrTypeOrchestratorCrashed marks an execution resolved by the
	// stale-execution sweeper after a crash.
	ErrTypeOrchestratorCrashed = "OrchestratorCrashed"
)

// StepResult records the outcome of one visited or skipped leaf.
// Results are immutable once persisted.
type StepResult struct {
	// ResultID is an opaque token assigned by the coordinator
	ResultID string `json:"resultId"`

	// ExecutionID references the owning execution
	ExecutionID string `json:"executionId"`

	// StepIndex is the 0-based position in execution order; contiguous per execution
	StepIndex int `json:"stepIndex"`

	// StepID is the step's identifier within its tree
	StepID string `json:"stepId"`

	// StepType is the node's type tag
	StepType string `json:"stepType"`

	// Status is the terminal step status
	Status StepStatus `json:"status"`

	// InputData snapshots {"params": ..., "outputs": ...} at step entry
	InputData map[string]any `json:"inputData,omitempty"`

	// OutputData is the step return value; non-nil only when Status is COMPLETED
	OutputData any `json:"outputData,omitempty"`

	// ErrorMessage is present iff Status is FAILED
	ErrorMessage string `json:"errorMessage,omitempty"`

	// ErrorDetails is present iff Status is FAILED
	ErrorDetails *ErrorDetails `json:"errorDetails,omitempty"`

	// StartedAt is when the step was entered (UTC)
	StartedAt time.Time `json:"startedAt"`

	// CompletedAt is when the result was finalised (UTC); >= StartedAt
	CompletedAt time.Time `json:"completedAt"`
}
