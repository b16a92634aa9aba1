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

// Package store defines the repository interfaces the execution core
// depends on. The sqlite subpackage provides the durable implementation.
package store

import (
	"context"
	"time"

	"github.com/fmeurisse/maestro/pkg/workflow"
)

// RevisionStore persists workflow revisions.
//
// Version assignment is owned by the store: the first revision of a
// workflow gets version 1, later ones one past the highest version ever
// assigned. Deletes punch holes but never renumber, and a deleted
// version number is never reassigned to a different definition.
// Mutations are optimistically locked on updatedAt.
type RevisionStore interface {
	// CreateInitial stores version 1 of a new workflow. It fails with a
	// ConflictError when any revision already exists for the
	// (namespace, workflowId) pair.
	CreateInitial(ctx context.Context, def *workflow.Definition) (*workflow.Revision, error)

	// CreateNextRevision stores the next version under an existing
	// workflow. It fails with a NotFoundError when no prior revision
	// exists.
	CreateNextRevision(ctx context.Context, namespace, workflowID string, def *workflow.Definition) (*workflow.Revision, error)

	// FindRevisionByID returns the revision or a NotFoundError.
	FindRevisionByID(ctx context.Context, id workflow.RevisionID) (*workflow.Revision, error)

	// FindRevisionWithSource returns the revision with its verbatim
	// source document, or a NotFoundError.
	FindRevisionWithSource(ctx context.Context, id workflow.RevisionID) (*workflow.RevisionWithSource, error)

	// List returns the workflow's revisions ordered by version ascending.
	// With activeOnly set, inactive revisions are filtered out.
	List(ctx context.Context, namespace, workflowID string, activeOnly bool) ([]*workflow.Revision, error)

	// Update replaces an inactive revision's definition. It fails with
	// a ConflictError when the revision is active and with an
	// OptimisticLockError when the stored updatedAt differs from
	// expectedUpdatedAt.
	Update(ctx context.Context, id workflow.RevisionID, def *workflow.Definition, expectedUpdatedAt time.Time) (*workflow.Revision, error)

	// SetActive toggles the active flag under the same conflict
	// taxonomy as Update. Setting the already-current state is
	// idempotent and succeeds.
	SetActive(ctx context.Context, id workflow.RevisionID, desired bool, expectedUpdatedAt time.Time) (*workflow.Revision, error)

	// DeleteRevision removes an inactive revision.
	DeleteRevision(ctx context.Context, id workflow.RevisionID) error

	// DeleteWorkflow removes every revision of a workflow. It fails
	// with a ConflictError when any revision is active, and succeeds
	// when nothing exists (idempotent).
	DeleteWorkflow(ctx context.Context, namespace, workflowID string) error
}

// Execution is the persisted header of one workflow run.
type Execution struct {
	// ExecutionID is the 21-character NanoID token
	ExecutionID string `json:"executionId"`

	// RevisionID references the exact revision executed
	RevisionID workflow.RevisionID `json:"revisionId"`

	// InputParameters is the validated parameter map, defaults applied
	InputParameters map[string]any `json:"inputParameters"`

	// Status is the execution lifecycle state; transitions are forward-only
	Status workflow.Status `json:"status"`

	// ErrorMessage is present iff Status is FAILED
	ErrorMessage string `json:"errorMessage,omitempty"`

	// StartedAt is when the header was created (UTC)
	StartedAt time.Time `json:"startedAt"`

	// CompletedAt is set iff Status is terminal; >= StartedAt
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// LastUpdatedAt is refreshed on every header write
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// ExecutionSummary is the listing projection for execution history.
type ExecutionSummary struct {
	ExecutionID     string          `json:"executionId"`
	Status          workflow.Status `json:"status"`
	RevisionVersion int             `json:"revisionVersion"`
	StartedAt       time.Time       `json:"startedAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	StepCount       int             `json:"stepCount"`
	CompletedSteps  int             `json:"completedSteps"`
	FailedSteps     int             `json:"failedSteps"`
}

// ExecutionFilter narrows and pages execution history queries.
type ExecutionFilter struct {
	// Version filters on the executed revision version when non-nil
	Version *int

	// Status filters on the execution status when non-empty
	Status workflow.Status

	// Limit caps the page size; values above MaxListLimit are clamped
	Limit int

	// Offset skips that many newest executions
	Offset int
}

// MaxListLimit caps execution history page sizes.
const MaxListLimit = 100

// DefaultListLimit is used when no limit is given.
const DefaultListLimit = 20

// ExecutionPage is one page of execution history plus pagination data.
type ExecutionPage struct {
	Executions []*ExecutionSummary `json:"executions"`
	Total      int                 `json:"total"`
	Limit      int                 `json:"limit"`
	Offset     int                 `json:"offset"`
	HasMore    bool                `json:"hasMore"`
}

// ExecutionStore persists execution headers and their append-only
// step-result streams.
type ExecutionStore interface {
	// CreateExecution inserts a RUNNING header. Duplicate execution IDs
	// are rejected as a defensive invariant.
	CreateExecution(ctx context.Context, exec *Execution) error

	// AppendStepResult inserts one result. Uniqueness on
	// (executionId, stepIndex) is enforced; updates are forbidden.
	AppendStepResult(ctx context.Context, result *workflow.StepResult) error

	// SetTerminal transitions the header to a terminal status.
	// Repeating the identical transition is idempotent; rewriting an
	// already-terminal header to something else is rejected.
	SetTerminal(ctx context.Context, executionID string, status workflow.Status, errorMessage string, completedAt time.Time) error

	// FindByID returns the header and its results ordered by stepIndex,
	// or a NotFoundError.
	FindByID(ctx context.Context, executionID string) (*Execution, []*workflow.StepResult, error)

	// FindByWorkflow returns a page of execution summaries ordered by
	// startedAt descending.
	FindByWorkflow(ctx context.Context, namespace, workflowID string, filter ExecutionFilter) (*ExecutionPage, error)

	// CountByWorkflow returns the total matching the filter, ignoring
	// Limit and Offset.
	CountByWorkflow(ctx context.Context, namespace, workflowID string, filter ExecutionFilter) (int, error)

	// ListStaleRunning returns RUNNING headers whose lastUpdatedAt is
	// older than the cutoff, for the stale-execution sweeper.
	ListStaleRunning(ctx context.Context, olderThan time.Time) ([]*Execution, error)
}
