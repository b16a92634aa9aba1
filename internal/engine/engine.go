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

// Package engine coordinates workflow executions: it loads the revision,
// validates parameters, drives the interpreter, and checkpoints every
// step result before the interpreter is allowed to advance.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fmeurisse/maestro/internal/log"
	"github.com/fmeurisse/maestro/internal/store"
	"github.com/fmeurisse/maestro/pkg/workflow"
)

// DefaultTimeout bounds the wall-clock duration of one execution.
const DefaultTimeout = 10 * time.Minute

// Metrics receives execution lifecycle events. The daemon wires a
// Prometheus implementation; the zero value of the engine uses a no-op.
type Metrics interface {
	ExecutionStarted()
	ExecutionFinished(status workflow.Status, duration time.Duration)
	StepRecorded(status workflow.StepStatus)
}

type noopMetrics struct{}

func (noopMetrics) ExecutionStarted()                                {}
func (noopMetrics) ExecutionFinished(workflow.Status, time.Duration) {}
func (noopMetrics) StepRecorded(workflow.StepStatus)                 {}

// Redactor rewrites a step result before it is persisted, typically to
// strip secrets from input snapshots and outputs. It must not change
// identity fields (execution ID, index).
type Redactor func(*workflow.StepResult)

// Engine runs workflow executions synchronously.
type Engine struct {
	revisions  store.RevisionStore
	executions store.ExecutionStore
	interp     *workflow.Interpreter
	timeout    time.Duration
	logger     *slog.Logger
	metrics    Metrics
	redact     Redactor
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout sets the per-execution wall-clock budget.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRedactor installs a redaction hook applied to every step result
// before it is written.
func WithRedactor(r Redactor) Option {
	return func(e *Engine) { e.redact = r }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an execution engine.
func New(revisions store.RevisionStore, executions store.ExecutionStore, interp *workflow.Interpreter, opts ...Option) *Engine {
	e := &Engine{
		revisions:  revisions,
		executions: executions,
		interp:     interp,
		timeout:    DefaultTimeout,
		logger:     slog.Default(),
		metrics:    noopMetrics{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Timeout returns the per-execution wall-clock budget.
func (e *Engine) Timeout() time.Duration {
	return e.timeout
}

// Execute runs one revision to completion and returns the terminal
// header with its step results. The error return covers request-level
// failures only (unknown revision, invalid parameters, storage faults
// before the header exists); once the execution header is committed,
// failures surface as a FAILED header, not an error.
//
// The HTTP request context is deliberately not threaded into the step
// tree: a client disconnect must not abort a running execution. Only
// the engine's own timeout bounds it, and only the interpreter observes
// that deadline; persistence keeps working past it so the results
// already earned and the terminal transition always commit.
func (e *Engine) Execute(ctx context.Context, id workflow.RevisionID, submitted map[string]any) (*store.Execution, []*workflow.StepResult, error) {
	rev, err := e.revisions.FindRevisionByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	validated, err := workflow.ValidateParameters(submitted, rev.Parameters)
	if err != nil {
		return nil, nil, err
	}

	executionID, err := NewExecutionID()
	if err != nil {
		return nil, nil, err
	}

	startedAt := e.now().UTC()
	exec := &store.Execution{
		ExecutionID:     executionID,
		RevisionID:      rev.ID,
		InputParameters: validated,
		Status:          workflow.StatusRunning,
		StartedAt:       startedAt,
		LastUpdatedAt:   startedAt,
	}
	if err := e.executions.CreateExecution(ctx, exec); err != nil {
		return nil, nil, err
	}
	e.metrics.ExecutionStarted()

	logger := log.WithExecutionContext(e.logger, executionID, rev.ID.String())
	logger.Info("execution started",
		slog.Int(log.VersionKey, rev.ID.Version))

	// Once the header exists, writes detach from both the request and the
	// run deadline: a gone client or an expired clock must not strand the
	// execution in RUNNING or lose checkpoints already earned.
	persistCtx := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	var results []*workflow.StepResult
	sink := func(res *workflow.StepResult) error {
		res.ResultID = uuid.NewString()
		res.ExecutionID = executionID
		if e.redact != nil {
			e.redact(res)
		}
		if err := e.executions.AppendStepResult(persistCtx, res); err != nil {
			return err
		}
		e.metrics.StepRecorded(res.Status)
		results = append(results, res)
		return nil
	}

	status, errorMessage := e.runTree(runCtx, logger, rev.Root, validated, sink, &results)

	completedAt := e.now().UTC()
	if err := e.executions.SetTerminal(persistCtx, executionID, status, errorMessage, completedAt); err != nil {
		logger.Error("failed to finalise execution", log.Error(err))
		return nil, nil, fmt.Errorf("failed to finalise execution %s: %w", executionID, err)
	}

	exec.Status = status
	exec.ErrorMessage = errorMessage
	exec.CompletedAt = &completedAt
	exec.LastUpdatedAt = completedAt

	e.metrics.ExecutionFinished(status, completedAt.Sub(startedAt))
	logger.Info("execution finished",
		slog.String("status", string(status)),
		slog.Duration(log.DurationKey, completedAt.Sub(startedAt)))

	return exec, results, nil
}

// runTree drives the interpreter and maps its outcome (including sink
// aborts and panics) to a terminal status plus error message.
func (e *Engine) runTree(ctx context.Context, logger *slog.Logger, root workflow.Step, params map[string]any, sink workflow.Sink, results *[]*workflow.StepResult) (status workflow.Status, errorMessage string) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("interpreter panicked",
				slog.Any("panic", recovered))
			status = workflow.StatusFailed
			errorMessage = fmt.Sprintf("internal error: %v", recovered)
		}
	}()

	ec := workflow.NewExecutionContext(params)
	final, _, err := e.interp.Run(ctx, root, ec, sink)
	if err != nil {
		// The sink refused a checkpoint: the step ran but its result is
		// not durable, so the execution cannot claim progress past it.
		logger.Error("step checkpoint failed", log.Error(err))
		return workflow.StatusFailed, fmt.Sprintf("%s: %v", workflow.ErrTypeCheckpointCommitFailed, err)
	}

	if final == workflow.StatusFailed {
		return workflow.StatusFailed, firstFailureMessage(*results)
	}
	return final, ""
}

// firstFailureMessage surfaces the first failed step's error on the
// execution header. A wall-clock expiry is named for what it is rather
// than for the step it happened to interrupt.
func firstFailureMessage(results []*workflow.StepResult) string {
	for _, res := range results {
		if res.Status != workflow.StepFailed {
			continue
		}
		if res.ErrorDetails != nil && res.ErrorDetails.ErrorType == workflow.ErrTypeExecutionTimeout {
			return fmt.Sprintf("%s: %s", workflow.ErrTypeExecutionTimeout, res.ErrorMessage)
		}
		if res.ErrorMessage != "" {
			return fmt.Sprintf("step %s failed: %s", res.StepID, res.ErrorMessage)
		}
		return fmt.Sprintf("step %s failed", res.StepID)
	}
	return "execution failed"
}
