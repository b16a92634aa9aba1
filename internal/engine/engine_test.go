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
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmeurisse/maestro/internal/store"
	"github.com/fmeurisse/maestro/internal/store/sqlite"
	"github.com/fmeurisse/maestro/pkg/errors"
	"github.com/fmeurisse/maestro/pkg/workflow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "test.db"), WAL: true}, workflow.NewStepRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedRevision stores version 1 of a workflow whose work steps run
// against the given registry kinds.
func seedRevision(t *testing.T, s *sqlite.Store, root workflow.Step) workflow.RevisionID {
	t.Helper()
	rev, err := s.CreateInitial(context.Background(), &workflow.Definition{
		Namespace:  "test-ns",
		WorkflowID: "wf",
		Name:       "Engine test workflow",
		Parameters: []workflow.ParameterDefinition{
			{Name: "userName", Type: workflow.TypeString, Required: true},
			{Name: "retryCount", Type: workflow.TypeInteger, Default: 3},
		},
		Root:   root,
		Source: "namespace: test-ns\nid: wf\n",
	})
	require.NoError(t, err)
	return rev.ID
}

func newTestEngine(s *sqlite.Store, work *workflow.WorkRegistry, opts ...Option) *Engine {
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	return New(s, s, workflow.NewInterpreter(work), opts...)
}

func TestEngine_ExecuteCompleted(t *testing.T) {
	s := newTestStore(t)
	work := workflow.NewWorkRegistry()
	work.Register("echo", workflow.WorkExecutorFunc(
		func(_ context.Context, config map[string]any, _ *workflow.ExecutionContext) (any, error) {
			return config, nil
		}))

	id := seedRevision(t, s, &workflow.SequenceStep{Children: []workflow.Step{
		&workflow.LogStep{ID: "greet", Message: "Hello {userName}"},
		&workflow.WorkStep{ID: "fetch", Kind: "echo", Config: map[string]any{"url": "x"}},
	}})

	eng := newTestEngine(s, work)
	exec, results, err := eng.Execute(context.Background(), id, map[string]any{"userName": "ada"})
	require.NoError(t, err)

	assert.True(t, ValidExecutionID(exec.ExecutionID))
	assert.Equal(t, workflow.StatusCompleted, exec.Status)
	assert.Empty(t, exec.ErrorMessage)
	require.NotNil(t, exec.CompletedAt)
	assert.False(t, exec.CompletedAt.Before(exec.StartedAt))
	assert.Equal(t, "ada", exec.InputParameters["userName"])
	assert.Equal(t, int64(3), exec.InputParameters["retryCount"])

	require.Len(t, results, 2)
	assert.NotEmpty(t, results[0].ResultID)
	assert.Equal(t, exec.ExecutionID, results[0].ExecutionID)

	// The header and results are durable, not just in-memory.
	stored, storedResults, err := s.FindByID(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, stored.Status)
	require.Len(t, storedResults, 2)
	assert.Equal(t, "greet", storedResults[0].StepID)
	assert.Equal(t, "fetch", storedResults[1].StepID)
}

func TestEngine_ExecuteFailed(t *testing.T) {
	s := newTestStore(t)
	work := workflow.NewWorkRegistry()
	work.Register("boom", workflow.WorkExecutorFunc(
		func(context.Context, map[string]any, *workflow.ExecutionContext) (any, error) {
			return nil, fmt.Errorf("kaboom")
		}))

	id := seedRevision(t, s, &workflow.SequenceStep{Children: []workflow.Step{
		&workflow.WorkStep{ID: "bad", Kind: "boom"},
		&workflow.LogStep{ID: "after", Message: "never"},
	}})

	eng := newTestEngine(s, work)
	exec, results, err := eng.Execute(context.Background(), id, map[string]any{"userName": "ada"})

	// A failed run is a successful request: the caller gets the FAILED
	// header, not an error.
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, exec.Status)
	assert.Equal(t, "step bad failed: kaboom", exec.ErrorMessage)

	require.Len(t, results, 2)
	assert.Equal(t, workflow.StepFailed, results[0].Status)
	assert.Equal(t, workflow.StepSkipped, results[1].Status)
}

func TestEngine_ExecuteTimeout(t *testing.T) {
	s := newTestStore(t)
	work := workflow.NewWorkRegistry()
	work.Register("slow", workflow.WorkExecutorFunc(
		func(context.Context, map[string]any, *workflow.ExecutionContext) (any, error) {
			time.Sleep(100 * time.Millisecond)
			return "done", nil
		}))

	id := seedRevision(t, s, &workflow.SequenceStep{Children: []workflow.Step{
		&workflow.WorkStep{ID: "crawl", Kind: "slow"},
		&workflow.LogStep{ID: "after", Message: "never"},
	}})

	eng := newTestEngine(s, work, WithTimeout(50*time.Millisecond))
	exec, results, err := eng.Execute(context.Background(), id, map[string]any{"userName": "ada"})
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusFailed, exec.Status)
	assert.True(t, strings.HasPrefix(exec.ErrorMessage, workflow.ErrTypeExecutionTimeout), exec.ErrorMessage)

	// The in-flight step's result still committed; only the next
	// boundary observed the expired clock.
	require.Len(t, results, 2)
	assert.Equal(t, workflow.StepCompleted, results[0].Status)
	assert.Equal(t, workflow.StepFailed, results[1].Status)
	require.NotNil(t, results[1].ErrorDetails)
	assert.Equal(t, workflow.ErrTypeExecutionTimeout, results[1].ErrorDetails.ErrorType)

	// Everything made it to storage despite the expired deadline.
	stored, storedResults, err := s.FindByID(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, stored.Status)
	assert.Len(t, storedResults, 2)
}

func TestEngine_ClientDisconnectDoesNotAbort(t *testing.T) {
	s := newTestStore(t)
	reqCtx, hangUp := context.WithCancel(context.Background())
	work := workflow.NewWorkRegistry()
	work.Register("detach", workflow.WorkExecutorFunc(
		func(context.Context, map[string]any, *workflow.ExecutionContext) (any, error) {
			hangUp() // the client goes away mid-step
			return "ok", nil
		}))

	id := seedRevision(t, s, &workflow.WorkStep{ID: "only", Kind: "detach"})

	eng := newTestEngine(s, work)
	exec, results, err := eng.Execute(reqCtx, id, map[string]any{"userName": "ada"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, exec.Status)
	require.Len(t, results, 1)

	// The run completed and finalised; the sweeper has nothing to claim.
	stored, _, err := s.FindByID(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, stored.Status)
}

func TestEngine_UnknownRevision(t *testing.T) {
	s := newTestStore(t)
	eng := newTestEngine(s, workflow.NewWorkRegistry())

	_, _, err := eng.Execute(context.Background(),
		workflow.RevisionID{Namespace: "ns", WorkflowID: "ghost", Version: 1}, nil)

	var notFound *errors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestEngine_InvalidParameters(t *testing.T) {
	s := newTestStore(t)
	id := seedRevision(t, s, &workflow.LogStep{Message: "hi"})
	eng := newTestEngine(s, workflow.NewWorkRegistry())

	_, _, err := eng.Execute(context.Background(), id, map[string]any{"retryCount": "lots"})

	var pve *errors.ParameterValidationError
	require.ErrorAs(t, err, &pve)
	// The required parameter is missing AND the integer won't coerce:
	// validation is total, both violations are reported.
	assert.Len(t, pve.Violations, 2)

	// No execution header was written for the rejected request.
	page, err := s.FindByWorkflow(context.Background(), "test-ns", "wf", store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
}

// failingAppend wraps an ExecutionStore and fails AppendStepResult from
// the given call onward, simulating checkpoint storage loss mid-run.
type failingAppend struct {
	store.ExecutionStore
	failFrom int
	calls    int
}

func (f *failingAppend) AppendStepResult(ctx context.Context, result *workflow.StepResult) error {
	f.calls++
	if f.calls >= f.failFrom {
		return fmt.Errorf("disk full")
	}
	return f.ExecutionStore.AppendStepResult(ctx, result)
}

func TestEngine_CheckpointFailureFailsExecution(t *testing.T) {
	s := newTestStore(t)
	id := seedRevision(t, s, &workflow.SequenceStep{Children: []workflow.Step{
		&workflow.LogStep{ID: "a", Message: "a"},
		&workflow.LogStep{ID: "b", Message: "b"},
	}})

	wrapped := &failingAppend{ExecutionStore: s, failFrom: 2}
	eng := New(s, wrapped, workflow.NewInterpreter(workflow.NewWorkRegistry()),
		WithLogger(discardLogger()))

	exec, results, err := eng.Execute(context.Background(), id, map[string]any{"userName": "ada"})
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusFailed, exec.Status)
	assert.True(t, strings.HasPrefix(exec.ErrorMessage, workflow.ErrTypeCheckpointCommitFailed))
	assert.Contains(t, exec.ErrorMessage, "disk full")

	// Only the durably checkpointed result is reported.
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].StepID)

	// The terminal header went through the real store.
	stored, storedResults, err := s.FindByID(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, stored.Status)
	assert.Len(t, storedResults, 1)
}

func TestEngine_MetricsAndRedaction(t *testing.T) {
	s := newTestStore(t)
	id := seedRevision(t, s, &workflow.LogStep{ID: "only", Message: "secret {userName}"})

	m := &recordingMetrics{}
	eng := newTestEngine(s, workflow.NewWorkRegistry(),
		WithMetrics(m),
		WithRedactor(func(res *workflow.StepResult) {
			res.InputData = nil
		}))

	exec, results, err := eng.Execute(context.Background(), id, map[string]any{"userName": "ada"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, exec.Status)

	assert.Equal(t, 1, m.started)
	assert.Equal(t, []workflow.Status{workflow.StatusCompleted}, m.finished)
	assert.Equal(t, 1, m.steps)

	require.Len(t, results, 1)
	assert.Nil(t, results[0].InputData)
}

type recordingMetrics struct {
	started  int
	finished []workflow.Status
	steps    int
}

func (m *recordingMetrics) ExecutionStarted() { m.started++ }
func (m *recordingMetrics) ExecutionFinished(status workflow.Status, _ time.Duration) {
	m.finished = append(m.finished, status)
}
func (m *recordingMetrics) StepRecorded(workflow.StepStatus) { m.steps++ }
