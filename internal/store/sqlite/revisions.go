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
	"strings"
	"time"

	"github.com/fmeurisse/maestro/pkg/errors"
	"github.com/fmeurisse/maestro/pkg/workflow"
)

// documentJSON is the persisted revision document: the parameter schema
// and the step tree with type tags, decoded back through the step registry.
type documentJSON struct {
	Parameters []workflow.ParameterDefinition `json:"parameters,omitempty"`
	Root       map[string]any                 `json:"root"`
}

func encodeDocument(def *workflow.Definition) (string, error) {
	rootMap, err := workflow.StepToMap(def.Root)
	if err != nil {
		return "", fmt.Errorf("failed to encode step tree: %w", err)
	}
	raw, err := json.Marshal(documentJSON{Parameters: def.Parameters, Root: rootMap})
	if err != nil {
		return "", fmt.Errorf("failed to marshal document: %w", err)
	}
	return string(raw), nil
}

func (s *Store) decodeDocument(raw string) ([]workflow.ParameterDefinition, workflow.Step, error) {
	// UseNumber keeps numeric values exact: an INTEGER default of 3 must
	// come back as an integer, not float64, or validation rejects it.
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var doc documentJSON
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	for i := range doc.Parameters {
		doc.Parameters[i].Default = concreteNumbers(doc.Parameters[i].Default)
	}
	rootMap, _ := concreteNumbers(doc.Root).(map[string]any)
	root, err := workflow.BuildStep(rootMap, s.steps)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode step tree: %w", err)
	}
	return doc.Parameters, root, nil
}

// concreteNumbers replaces json.Number values, recursively through maps
// and lists, with int64 or float64.
func concreteNumbers(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case map[string]any:
		for k, e := range n {
			n[k] = concreteNumbers(e)
		}
		return n
	case []any:
		for i, e := range n {
			n[i] = concreteNumbers(e)
		}
		return n
	default:
		return v
	}
}

// CreateInitial stores version 1 of a new workflow.
func (s *Store) CreateInitial(ctx context.Context, def *workflow.Definition) (*workflow.Revision, error) {
	document, err := encodeDocument(def)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_revisions WHERE namespace = ? AND workflow_id = ?`,
		def.Namespace, def.WorkflowID,
	).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing revisions: %w", err)
	}
	if count > 0 {
		return nil, &errors.ConflictError{
			Resource: "workflow",
			ID:       def.Namespace + "/" + def.WorkflowID,
			Reason:   "workflow already exists; create the next revision instead",
		}
	}

	now := time.Now().UTC()
	rev := s.revisionFromDefinition(def, 1, now)
	if err := insertRevision(ctx, tx, rev, document, def.Source); err != nil {
		if isUniqueViolation(err) {
			return nil, &errors.ConflictError{
				Resource: "workflow",
				ID:       def.Namespace + "/" + def.WorkflowID,
				Reason:   "workflow already exists; create the next revision instead",
			}
		}
		return nil, fmt.Errorf("failed to create revision: %w", err)
	}

	if err := bumpVersionSeq(ctx, tx, def.Namespace, def.WorkflowID, 1); err != nil {
		return nil, fmt.Errorf("failed to record version sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return rev, nil
}

// CreateNextRevision stores the next version under an existing workflow.
// The number is one past the highest version ever assigned, so deleting
// the newest revision never lets its number be reassigned to a
// different definition.
func (s *Store) CreateNextRevision(ctx context.Context, namespace, workflowID string, def *workflow.Definition) (*workflow.Revision, error) {
	document, err := encodeDocument(def)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM workflow_revisions WHERE namespace = ? AND workflow_id = ?`,
		namespace, workflowID,
	).Scan(&maxVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to determine next version: %w", err)
	}
	if !maxVersion.Valid {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: namespace + "/" + workflowID}
	}

	next := int(maxVersion.Int64) + 1
	var last sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT last_version FROM workflow_version_seq WHERE namespace = ? AND workflow_id = ?`,
		namespace, workflowID,
	).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read version sequence: %w", err)
	}
	if last.Valid && int(last.Int64) >= next {
		next = int(last.Int64) + 1
	}

	now := time.Now().UTC()
	rev := s.revisionFromDefinition(def, next, now)
	rev.ID.Namespace = namespace
	rev.ID.WorkflowID = workflowID
	if err := insertRevision(ctx, tx, rev, document, def.Source); err != nil {
		return nil, fmt.Errorf("failed to create revision: %w", err)
	}
	if err := bumpVersionSeq(ctx, tx, namespace, workflowID, next); err != nil {
		return nil, fmt.Errorf("failed to record version sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return rev, nil
}

// bumpVersionSeq records the highest version ever assigned. The row
// outlives revision deletes so punched holes are never refilled.
func bumpVersionSeq(ctx context.Context, tx *sql.Tx, namespace, workflowID string, version int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_version_seq (namespace, workflow_id, last_version)
		VALUES (?, ?, ?)
		ON CONFLICT (namespace, workflow_id) DO UPDATE SET last_version = excluded.last_version`,
		namespace, workflowID, version,
	)
	return err
}

func (s *Store) revisionFromDefinition(def *workflow.Definition, version int, now time.Time) *workflow.Revision {
	return &workflow.Revision{
		ID: workflow.RevisionID{
			Namespace:  def.Namespace,
			WorkflowID: def.WorkflowID,
			Version:    version,
		},
		Name:        def.Name,
		Description: def.Description,
		Parameters:  def.Parameters,
		Root:        def.Root,
		Active:      false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func insertRevision(ctx context.Context, tx *sql.Tx, rev *workflow.Revision, document, source string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_revisions
			(namespace, workflow_id, version, name, description, document, source, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rev.ID.Namespace, rev.ID.WorkflowID, rev.ID.Version,
		rev.Name, nullString(rev.Description), document, source,
		boolToInt(rev.Active), formatTime(rev.CreatedAt), formatTime(rev.UpdatedAt),
	)
	return err
}

const revisionColumns = `namespace, workflow_id, version, name, description, document, source, active, created_at, updated_at`

// FindRevisionByID retrieves a revision by identity.
func (s *Store) FindRevisionByID(ctx context.Context, id workflow.RevisionID) (*workflow.Revision, error) {
	rev, err := s.findWithSource(ctx, id)
	if err != nil {
		return nil, err
	}
	return &rev.Revision, nil
}

// FindRevisionWithSource retrieves a revision with its verbatim source text.
func (s *Store) FindRevisionWithSource(ctx context.Context, id workflow.RevisionID) (*workflow.RevisionWithSource, error) {
	return s.findWithSource(ctx, id)
}

func (s *Store) findWithSource(ctx context.Context, id workflow.RevisionID) (*workflow.RevisionWithSource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+revisionColumns+` FROM workflow_revisions
		 WHERE namespace = ? AND workflow_id = ? AND version = ?`,
		id.Namespace, id.WorkflowID, id.Version,
	)
	rev, err := s.scanRevision(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow revision", ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get revision: %w", err)
	}
	return rev, nil
}

// List returns the workflow's revisions ordered by version ascending.
func (s *Store) List(ctx context.Context, namespace, workflowID string, activeOnly bool) ([]*workflow.Revision, error) {
	query := `SELECT ` + revisionColumns + ` FROM workflow_revisions
		WHERE namespace = ? AND workflow_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY version ASC`

	rows, err := s.db.QueryContext(ctx, query, namespace, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	defer rows.Close()

	var revisions []*workflow.Revision
	for rows.Next() {
		rev, err := s.scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan revision: %w", err)
		}
		revisions = append(revisions, &rev.Revision)
	}
	return revisions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRevision(row rowScanner) (*workflow.RevisionWithSource, error) {
	var (
		rev         workflow.RevisionWithSource
		description sql.NullString
		document    string
		active      int
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(
		&rev.ID.Namespace, &rev.ID.WorkflowID, &rev.ID.Version,
		&rev.Name, &description, &document, &rev.Source,
		&active, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		rev.Description = description.String
	}
	rev.Active = active == 1
	rev.CreatedAt = parseTime(createdAt)
	rev.UpdatedAt = parseTime(updatedAt)

	params, root, err := s.decodeDocument(document)
	if err != nil {
		return nil, err
	}
	rev.Parameters = params
	rev.Root = root
	return &rev, nil
}

// Update replaces an inactive revision's definition under optimistic locking.
func (s *Store) Update(ctx context.Context, id workflow.RevisionID, def *workflow.Definition, expectedUpdatedAt time.Time) (*workflow.Revision, error) {
	document, err := encodeDocument(def)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkMutable(ctx, tx, id, expectedUpdatedAt); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE workflow_revisions
		SET name = ?, description = ?, document = ?, source = ?, updated_at = ?
		WHERE namespace = ? AND workflow_id = ? AND version = ?`,
		def.Name, nullString(def.Description), document, def.Source, formatTime(now),
		id.Namespace, id.WorkflowID, id.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update revision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return s.FindRevisionByID(ctx, id)
}

// SetActive toggles the active flag under optimistic locking.
// Setting the already-current state is idempotent and succeeds.
func (s *Store) SetActive(ctx context.Context, id workflow.RevisionID, desired bool, expectedUpdatedAt time.Time) (*workflow.Revision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		active    int
		updatedAt string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT active, updated_at FROM workflow_revisions
		 WHERE namespace = ? AND workflow_id = ? AND version = ?`,
		id.Namespace, id.WorkflowID, id.Version,
	).Scan(&active, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow revision", ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get revision: %w", err)
	}

	if updatedAt != formatTime(expectedUpdatedAt) {
		return nil, &errors.OptimisticLockError{
			Resource: "workflow revision",
			ID:       id.String(),
			Expected: expectedUpdatedAt,
			Actual:   parseTime(updatedAt),
		}
	}

	if (active == 1) == desired {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return s.FindRevisionByID(ctx, id)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE workflow_revisions SET active = ?, updated_at = ?
		WHERE namespace = ? AND workflow_id = ? AND version = ?`,
		boolToInt(desired), formatTime(now),
		id.Namespace, id.WorkflowID, id.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set active flag: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return s.FindRevisionByID(ctx, id)
}

// DeleteRevision removes an inactive revision.
func (s *Store) DeleteRevision(ctx context.Context, id workflow.RevisionID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT active FROM workflow_revisions
		 WHERE namespace = ? AND workflow_id = ? AND version = ?`,
		id.Namespace, id.WorkflowID, id.Version,
	).Scan(&active)
	if err == sql.ErrNoRows {
		return &errors.NotFoundError{Resource: "workflow revision", ID: id.String()}
	}
	if err != nil {
		return fmt.Errorf("failed to get revision: %w", err)
	}
	if active == 1 {
		return &errors.ConflictError{
			Resource: "workflow revision",
			ID:       id.String(),
			Reason:   "active revisions cannot be deleted; deactivate it first",
		}
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM workflow_revisions WHERE namespace = ? AND workflow_id = ? AND version = ?`,
		id.Namespace, id.WorkflowID, id.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to delete revision: %w", err)
	}
	return tx.Commit()
}

// DeleteWorkflow removes every revision of a workflow. Deleting a
// workflow that does not exist succeeds (idempotent).
func (s *Store) DeleteWorkflow(ctx context.Context, namespace, workflowID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var activeCount int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_revisions
		 WHERE namespace = ? AND workflow_id = ? AND active = 1`,
		namespace, workflowID,
	).Scan(&activeCount)
	if err != nil {
		return fmt.Errorf("failed to check active revisions: %w", err)
	}
	if activeCount > 0 {
		return &errors.ConflictError{
			Resource: "workflow",
			ID:       namespace + "/" + workflowID,
			Reason:   "workflow has active revisions; deactivate them first",
		}
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM workflow_revisions WHERE namespace = ? AND workflow_id = ?`,
		namespace, workflowID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	// The version sequence goes with the workflow: recreating it starts
	// over at version 1.
	_, err = tx.ExecContext(ctx,
		`DELETE FROM workflow_version_seq WHERE namespace = ? AND workflow_id = ?`,
		namespace, workflowID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete version sequence: %w", err)
	}
	return tx.Commit()
}

// checkMutable verifies the revision exists, is inactive, and matches the
// caller's updatedAt.
func checkMutable(ctx context.Context, tx *sql.Tx, id workflow.RevisionID, expectedUpdatedAt time.Time) error {
	var (
		active    int
		updatedAt string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT active, updated_at FROM workflow_revisions
		 WHERE namespace = ? AND workflow_id = ? AND version = ?`,
		id.Namespace, id.WorkflowID, id.Version,
	).Scan(&active, &updatedAt)
	if err == sql.ErrNoRows {
		return &errors.NotFoundError{Resource: "workflow revision", ID: id.String()}
	}
	if err != nil {
		return fmt.Errorf("failed to get revision: %w", err)
	}

	if active == 1 {
		return &errors.ConflictError{
			Resource: "workflow revision",
			ID:       id.String(),
			Reason:   "active revisions cannot be updated; deactivate it first",
		}
	}
	if updatedAt != formatTime(expectedUpdatedAt) {
		return &errors.OptimisticLockError{
			Resource: "workflow revision",
			ID:       id.String(),
			Expected: expectedUpdatedAt,
			Actual:   parseTime(updatedAt),
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
