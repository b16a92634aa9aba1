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

// Package daemon wires the storage, engine, and HTTP layers into the
// maestrod process.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fmeurisse/maestro/internal/config"
	"github.com/fmeurisse/maestro/internal/daemon/api"
	"github.com/fmeurisse/maestro/internal/engine"
	"github.com/fmeurisse/maestro/internal/log"
	"github.com/fmeurisse/maestro/internal/store/sqlite"
	"github.com/fmeurisse/maestro/internal/work"
	"github.com/fmeurisse/maestro/pkg/workflow"
	"github.com/fmeurisse/maestro/pkg/workflow/expression"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the assembled maestrod process.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *sqlite.Store
	steps   *workflow.StepRegistry
	work    *workflow.WorkRegistry
	engine  *engine.Engine
	sweeper *engine.Sweeper
	server  *http.Server
}

// New assembles a daemon from configuration. The returned daemon owns
// the database handle; Close it when done.
func New(cfg *config.Config, info BuildInfo, logger *slog.Logger) (*Daemon, error) {
	steps := workflow.NewStepRegistry()
	workReg := workflow.NewWorkRegistry()
	work.RegisterBuiltins(workReg)

	st, err := sqlite.New(sqlite.Config{
		Path: cfg.Database.Path,
		WAL:  cfg.Database.WAL,
	}, steps)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	interpOpts := []workflow.InterpreterOption{
		workflow.WithLogger(log.WithComponent(logger, "interpreter")),
	}
	if cfg.Execution.ConditionDialect == "expr" {
		interpOpts = append(interpOpts, workflow.WithConditionEvaluator(expression.New()))
	}
	interp := workflow.NewInterpreter(workReg, interpOpts...)

	eng := engine.New(st, st, interp,
		engine.WithTimeout(cfg.Execution.Timeout.Std()),
		engine.WithLogger(log.WithComponent(logger, "engine")),
		engine.WithMetrics(PrometheusMetrics{}))

	// Stale means untouched for twice the execution budget: a live run
	// checkpoints on every step, so no healthy execution gets that old.
	sweeper := engine.NewSweeper(st, cfg.Execution.SweepInterval.Std(), 2*eng.Timeout(), logger)

	router := api.NewRouter(api.RouterConfig{
		Version:   info.Version,
		Commit:    info.Commit,
		BuildDate: info.BuildDate,
	}, log.WithComponent(logger, "http"))
	router.SetMetricsHandler(MetricsHandler())

	apiLogger := log.WithComponent(logger, "api")
	api.NewWorkflowsHandler(st, steps, apiLogger).RegisterRoutes(router.Mux())
	api.NewExecutionsHandler(eng, st, st, apiLogger).RegisterRoutes(router.Mux())

	return &Daemon{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		steps:   steps,
		work:    workReg,
		engine:  eng,
		sweeper: sweeper,
		server: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Steps exposes the step registry so embedders can register custom
// step types before Run.
func (d *Daemon) Steps() *workflow.StepRegistry {
	return d.steps
}

// Work exposes the work registry so embedders can register custom
// work executors before Run.
func (d *Daemon) Work() *workflow.WorkRegistry {
	return d.work
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go d.sweeper.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("listening", slog.String("addr", d.server.Addr))
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	d.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return <-errCh
}

// Close releases the database handle.
func (d *Daemon) Close() error {
	return d.store.Close()
}
