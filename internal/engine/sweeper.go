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
	"log/slog"
	"time"

	"github.com/fmeurisse/maestro/internal/log"
	"github.com/fmeurisse/maestro/internal/store"
	"github.com/fmeurisse/maestro/pkg/workflow"
)

// DefaultSweepInterval is how often the sweeper scans for stale runs.
const DefaultSweepInterval = time.Minute

// Sweeper fails executions left RUNNING by a crashed process. An
// execution counts as stale when nothing has touched its header for
// twice the execution timeout; a live run checkpoints on every step,
// so a header that old has no owner anymore.
type Sweeper struct {
	executions store.ExecutionStore
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewSweeper creates a sweeper. staleAfter should be at least twice the
// execution timeout so a slow-but-alive run is never reaped.
func NewSweeper(executions store.ExecutionStore, interval, staleAfter time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		executions: executions,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     log.WithComponent(logger, "sweeper"),
		now:        time.Now,
	}
}

// Run sweeps on a ticker until ctx is cancelled. It sweeps once
// immediately so a restart cleans up its predecessor's orphans without
// waiting a full interval.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one scan, failing every stale RUNNING execution.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.staleAfter)

	stale, err := s.executions.ListStaleRunning(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to list stale executions", log.Error(err))
		return
	}

	for _, exec := range stale {
		err := s.executions.SetTerminal(ctx, exec.ExecutionID, workflow.StatusFailed,
			workflow.ErrTypeOrchestratorCrashed+": the orchestrator stopped while the execution was in progress",
			s.now().UTC())
		if err != nil {
			s.logger.Error("failed to fail stale execution",
				slog.String(log.ExecutionIDKey, exec.ExecutionID), log.Error(err))
			continue
		}
		s.logger.Warn("failed stale execution",
			slog.String(log.ExecutionIDKey, exec.ExecutionID),
			slog.Time("last_updated_at", exec.LastUpdatedAt))
	}
}
