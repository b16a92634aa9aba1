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

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fmeurisse/maestro/internal/store"
	"github.com/fmeurisse/maestro/pkg/errors"
	"github.com/fmeurisse/maestro/pkg/workflow"
)

// CreateExecution inserts a RUNNING execution header.
func (s *Store) CreateExecution(ctx context.Context, exec *store.Execution) error {
	params, err := marshalJSON(exec.InputParameters)
	if err != nil {
		return fmt.Errorf("failed to marshal input parameters: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions
			(execution_id, namespace, workflow_id, version, input_parameters,
			 status, error_message, started_at, completed_at, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ExecutionID,
		exec.RevisionID.Namespace, exec.RevisionID.WorkflowID, exec.RevisionID.Version,
		params, string(exec.Status), nullString(exec.ErrorMessage),
		formatTime(exec.StartedAt), formatTimePtr(exec.CompletedAt), formatTime(exec.LastUpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ConflictError{
				Resource: "execution",
				ID:       exec.ExecutionID,
				Reason:   "execution ID already exists",
			}
		}
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// AppendStepResult inserts one step result and refreshes the header's
// last_updated_at. The stream is append-only: a second result for the
// same (execution_id, step_index) is a conflict, never an update.
func (s *Store) AppendStepResult(ctx context.Context, result *workflow.StepResult) error {
	input, err := marshalJSON(result.InputData)
	if err != nil {
		return fmt.Errorf("failed to marshal input data: %w", err)
	}
	output, err := marshalJSON(result.OutputData)
	if err != nil {
		return fmt.Errorf("failed to marshal output data: %w", err)
	}
	var details any
	if result.ErrorDetails != nil {
		details, err = marshalJSON(result.ErrorDetails)
		if err != nil {
			return fmt.Errorf("failed to marshal error details: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO execution_step_results
			(result_id, execution_id, step_index, step_id, step_type, status,
			 input_data, output_data, error_message, error_details, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ResultID, result.ExecutionID, result.StepIndex,
		result.StepID, result.StepType, string(result.Status),
		input, output, nullString(result.ErrorMessage), details,
		formatTime(result.StartedAt), formatTime(result.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ConflictError{
				Resource: "step result",
				ID:       fmt.Sprintf("%s/%d", result.ExecutionID, result.StepIndex),
				Reason:   "step result already recorded at this index",
			}
		}
		return fmt.Errorf("failed to append step result: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE workflow_executions SET last_updated_at = ? WHERE execution_id = ?`,
		formatTime(time.Now().UTC()), result.ExecutionID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch execution header: %w", err)
	}

	return tx.Commit()
}

// SetTerminal moves the header to a terminal status. Repeating the
// identical transition succeeds; rewriting a terminal header to a
// different outcome is rejected.
func (s *Store) SetTerminal(ctx context.Context, executionID string, status workflow.Status, errorMessage string, completedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		current    string
		currentErr sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, error_message FROM workflow_executions WHERE execution_id = ?`,
		executionID,
	).Scan(&current, &currentErr)
	if err == sql.ErrNoRows {
		return &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	if err != nil {
		return fmt.Errorf("failed to get execution: %w", err)
	}

	if workflow.Status(current).Terminal() {
		if workflow.Status(current) == status && currentErr.String == errorMessage {
			return tx.Commit()
		}
		return &errors.ConflictError{
			Resource: "execution",
			ID:       executionID,
			Reason:   fmt.Sprintf("execution already terminal with status %s", current),
		}
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = ?, error_message = ?, completed_at = ?, last_updated_at = ?
		WHERE execution_id = ?`,
		string(status), nullString(errorMessage),
		formatTime(completedAt), formatTime(now), executionID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalise execution: %w", err)
	}
	return tx.Commit()
}

// FindByID returns the header and its results ordered by step index.
func (s *Store) FindByID(ctx context.Context, executionID string) (*store.Execution, []*workflow.StepResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, namespace, workflow_id, version, input_parameters,
		       status, error_message, started_at, completed_at, last_updated_at
		FROM workflow_executions WHERE execution_id = ?`,
		executionID,
	)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil, &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get execution: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT result_id, execution_id, step_index, step_id, step_type, status,
		       input_data, output_data, error_message, error_details, started_at, completed_at
		FROM execution_step_results
		WHERE execution_id = ?
		ORDER BY step_index ASC`,
		executionID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list step results: %w", err)
	}
	defer rows.Close()

	var results []*workflow.StepResult
	for rows.Next() {
		res, err := scanStepResult(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		results = append(results, res)
	}
	return exec, results, rows.Err()
}

// FindByWorkflow returns a page of execution summaries, newest first.
func (s *Store) FindByWorkflow(ctx context.Context, namespace, workflowID string, filter store.ExecutionFilter) (*store.ExecutionPage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	if limit > store.MaxListLimit {
		limit = store.MaxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	total, err := s.CountByWorkflow(ctx, namespace, workflowID, filter)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT e.execution_id, e.version, e.status, e.started_at, e.completed_at,
		       (SELECT COUNT(*) FROM execution_step_results r WHERE r.execution_id = e.execution_id),
		       (SELECT COUNT(*) FROM execution_step_results r WHERE r.execution_id = e.execution_id AND r.status = 'COMPLETED'),
		       (SELECT COUNT(*) FROM execution_step_results r WHERE r.execution_id = e.execution_id AND r.status = 'FAILED')
		FROM workflow_executions e
		WHERE e.namespace = ? AND e.workflow_id = ?`
	args := []any{namespace, workflowID}
	query, args = applyExecutionFilter(query, args, filter)
	query += ` ORDER BY e.started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	summaries := []*store.ExecutionSummary{}
	for rows.Next() {
		var (
			sum         store.ExecutionSummary
			status      string
			startedAt   string
			completedAt sql.NullString
		)
		err := rows.Scan(&sum.ExecutionID, &sum.RevisionVersion, &status,
			&startedAt, &completedAt,
			&sum.StepCount, &sum.CompletedSteps, &sum.FailedSteps)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution summary: %w", err)
		}
		sum.Status = workflow.Status(status)
		sum.StartedAt = parseTime(startedAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			sum.CompletedAt = &t
		}
		summaries = append(summaries, &sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &store.ExecutionPage{
		Executions: summaries,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
		HasMore:    offset+len(summaries) < total,
	}, nil
}

// CountByWorkflow returns the total matching the filter, ignoring paging.
func (s *Store) CountByWorkflow(ctx context.Context, namespace, workflowID string, filter store.ExecutionFilter) (int, error) {
	query := `SELECT COUNT(*) FROM workflow_executions e WHERE e.namespace = ? AND e.workflow_id = ?`
	args := []any{namespace, workflowID}
	query, args = applyExecutionFilter(query, args, filter)

	var total int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return total, nil
}

// ListStaleRunning returns RUNNING headers not touched since the cutoff.
func (s *Store) ListStaleRunning(ctx context.Context, olderThan time.Time) ([]*store.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, namespace, workflow_id, version, input_parameters,
		       status, error_message, started_at, completed_at, last_updated_at
		FROM workflow_executions
		WHERE status = ? AND last_updated_at < ?
		ORDER BY last_updated_at ASC`,
		string(workflow.StatusRunning), formatTime(olderThan),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale executions: %w", err)
	}
	defer rows.Close()

	var stale []*store.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		stale = append(stale, exec)
	}
	return stale, rows.Err()
}

func applyExecutionFilter(query string, args []any, filter store.ExecutionFilter) (string, []any) {
	if filter.Version != nil {
		query += ` AND e.version = ?`
		args = append(args, *filter.Version)
	}
	if filter.Status != "" {
		query += ` AND e.status = ?`
		args = append(args, string(filter.Status))
	}
	return query, args
}

func scanExecution(row rowScanner) (*store.Execution, error) {
	var (
		exec        store.Execution
		params      sql.NullString
		status      string
		errMsg      sql.NullString
		startedAt   string
		completedAt sql.NullString
		updatedAt   string
	)
	err := row.Scan(
		&exec.ExecutionID,
		&exec.RevisionID.Namespace, &exec.RevisionID.WorkflowID, &exec.RevisionID.Version,
		&params, &status, &errMsg, &startedAt, &completedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &exec.InputParameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input parameters: %w", err)
		}
	}
	exec.Status = workflow.Status(status)
	exec.ErrorMessage = errMsg.String
	exec.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		exec.CompletedAt = &t
	}
	exec.LastUpdatedAt = parseTime(updatedAt)
	return &exec, nil
}

func scanStepResult(row rowScanner) (*workflow.StepResult, error) {
	var (
		res         workflow.StepResult
		status      string
		input       sql.NullString
		output      sql.NullString
		errMsg      sql.NullString
		details     sql.NullString
		startedAt   string
		completedAt string
	)
	err := row.Scan(
		&res.ResultID, &res.ExecutionID, &res.StepIndex,
		&res.StepID, &res.StepType, &status,
		&input, &output, &errMsg, &details, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	res.Status = workflow.StepStatus(status)
	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &res.InputData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input data: %w", err)
		}
	}
	if output.Valid && output.String != "" {
		if err := json.Unmarshal([]byte(output.String), &res.OutputData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output data: %w", err)
		}
	}
	res.ErrorMessage = errMsg.String
	if details.Valid && details.String != "" {
		res.ErrorDetails = &workflow.ErrorDetails{}
		if err := json.Unmarshal([]byte(details.String), res.ErrorDetails); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error details: %w", err)
		}
	}
	res.StartedAt = parseTime(startedAt)
	res.CompletedAt = parseTime(completedAt)
	return &res, nil
}

// marshalJSON encodes v as JSON text or nil when v is nil.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
