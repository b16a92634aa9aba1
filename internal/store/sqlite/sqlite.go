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

// Package sqlite provides the SQLite storage backend for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fmeurisse/maestro/internal/store"
	"github.com/fmeurisse/maestro/pkg/workflow"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ store.RevisionStore  = (*Store)(nil)
	_ store.ExecutionStore = (*Store)(nil)
)

// timeFormat is RFC3339 with nanoseconds so optimistic-lock comparisons
// on updatedAt never lose precision across a round trip.
const timeFormat = time.RFC3339Nano

// Store is a SQLite storage backend implementing both repository interfaces.
type Store struct {
	db    *sql.DB
	steps *workflow.StepRegistry
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens (and migrates) a SQLite store. The step registry is used to
// decode persisted revision documents back into step trees.
func New(cfg Config, steps *workflow.StepRegistry) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, steps: steps}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
//
// workflow_executions carries the executed revision's identity without a
// foreign key: executions must outlive revision deletion (>= 90 days
// retention), so the reference is unenforced by design.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflow_revisions (
			namespace TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			document TEXT NOT NULL,
			source TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (namespace, workflow_id, version)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_revisions_first
			ON workflow_revisions(namespace, workflow_id) WHERE version = 1`,
		`CREATE TABLE IF NOT EXISTS workflow_version_seq (
			namespace TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			last_version INTEGER NOT NULL,
			PRIMARY KEY (namespace, workflow_id)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			execution_id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			input_parameters TEXT,
			status TEXT NOT NULL,
			error_message TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			last_updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_history
			ON workflow_executions(namespace, workflow_id, version, started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status
			ON workflow_executions(status, last_updated_at)`,
		`CREATE TABLE IF NOT EXISTS execution_step_results (
			result_id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			step_id TEXT NOT NULL,
			step_type TEXT NOT NULL,
			status TEXT NOT NULL,
			input_data TEXT,
			output_data TEXT,
			error_message TEXT,
			error_details TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			UNIQUE (execution_id, step_index),
			FOREIGN KEY (execution_id) REFERENCES workflow_executions(execution_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_results_execution
			ON execution_step_results(execution_id, step_index)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Helper functions

// formatTime converts a time to its stored text form.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// formatTimePtr converts a *time.Time to its stored text form or nil.
func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseTime parses a stored text timestamp.
func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation reports whether err is a SQLite uniqueness error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed") && strings.Contains(msg, "2067") ||
		strings.Contains(msg, "1555")
}
