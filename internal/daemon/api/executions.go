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

package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/fmeurisse/maestro/internal/daemon/httputil"
	"github.com/fmeurisse/maestro/internal/engine"
	"github.com/fmeurisse/maestro/internal/store"
	"github.com/fmeurisse/maestro/pkg/errors"
	"github.com/fmeurisse/maestro/pkg/workflow"
)

// ExecutionsHandler serves the execution endpoints.
type ExecutionsHandler struct {
	engine     *engine.Engine
	executions store.ExecutionStore
	revisions  store.RevisionStore
	logger     *slog.Logger
}

// NewExecutionsHandler creates an executions handler.
func NewExecutionsHandler(eng *engine.Engine, executions store.ExecutionStore, revisions store.RevisionStore, logger *slog.Logger) *ExecutionsHandler {
	return &ExecutionsHandler{engine: eng, executions: executions, revisions: revisions, logger: logger}
}

// RegisterRoutes registers execution API routes on the router.
func (h *ExecutionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/executions", h.handleStart)
	mux.HandleFunc("GET /api/executions/{executionId}", h.handleGet)
	mux.HandleFunc("GET /api/workflows/{namespace}/{id}/executions", h.handleListByWorkflow)
}

// StartExecutionRequest is the request body for starting an execution.
type StartExecutionRequest struct {
	Namespace  string         `json:"namespace"`
	ID         string         `json:"id"`
	Version    int            `json:"version"`
	Parameters map[string]any `json:"parameters"`
}

// handleStart handles POST /api/executions. The run is synchronous: the
// response carries the terminal execution record. A FAILED execution is
// still a 200; only request-level errors map to problems.
func (h *ExecutionsHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	// UseNumber keeps integer parameters as json.Number so the validator
	// can tell 3 from 3.5.
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()

	var req StartExecutionRequest
	if err := dec.Decode(&req); err != nil {
		badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	revID := workflow.RevisionID{Namespace: req.Namespace, WorkflowID: req.ID, Version: req.Version}
	if err := revID.Validate(); err != nil {
		badRequest(w, err.Error())
		return
	}

	exec, results, err := h.engine.Execute(r.Context(), revID, req.Parameters)
	if err != nil {
		mapError(w, h.executeError(err), h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, executionResponse(exec, results))
}

// executeError rebrands revision lookups on the execute path: the
// contract there is workflow-not-found, not workflow-revision-not-found.
func (h *ExecutionsHandler) executeError(err error) error {
	var notFound *errors.NotFoundError
	if errors.As(err, &notFound) {
		return &errors.NotFoundError{Resource: "workflow", ID: notFound.ID}
	}
	return err
}

// handleGet handles GET /api/executions/{executionId}.
func (h *ExecutionsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("executionId")
	if !engine.ValidExecutionID(executionID) {
		badRequest(w, fmt.Sprintf("malformed execution ID %q", executionID))
		return
	}

	exec, results, err := h.executions.FindByID(r.Context(), executionID)
	if err != nil {
		mapError(w, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, executionResponse(exec, results))
}

// handleListByWorkflow handles GET /api/workflows/{ns}/{id}/executions.
func (h *ExecutionsHandler) handleListByWorkflow(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	id := r.PathValue("id")

	// The workflow must exist even when it has no executions yet.
	revs, err := h.revisions.List(r.Context(), namespace, id, false)
	if err != nil {
		mapError(w, err, h.logger)
		return
	}
	if len(revs) == 0 {
		mapError(w, &errors.NotFoundError{Resource: "workflow", ID: namespace + "/" + id}, h.logger)
		return
	}

	filter, ok := h.parseFilter(w, r)
	if !ok {
		return
	}

	page, err := h.executions.FindByWorkflow(r.Context(), namespace, id, filter)
	if err != nil {
		mapError(w, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"executions": page.Executions,
		"pagination": map[string]any{
			"total":   page.Total,
			"limit":   page.Limit,
			"offset":  page.Offset,
			"hasMore": page.HasMore,
		},
		"_links": map[string]any{
			"self": map[string]string{
				"href": fmt.Sprintf("/api/workflows/%s/%s/executions", namespace, id),
			},
		},
	})
}

// parseFilter decodes the version/status/limit/offset query parameters.
func (h *ExecutionsHandler) parseFilter(w http.ResponseWriter, r *http.Request) (store.ExecutionFilter, bool) {
	var filter store.ExecutionFilter
	q := r.URL.Query()

	if raw := q.Get("version"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			badRequest(w, fmt.Sprintf("invalid version %q", raw))
			return filter, false
		}
		filter.Version = &v
	}
	if raw := q.Get("status"); raw != "" {
		status, err := workflow.ParseStatus(raw)
		if err != nil {
			badRequest(w, err.Error())
			return filter, false
		}
		filter.Status = status
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			badRequest(w, fmt.Sprintf("invalid limit %q", raw))
			return filter, false
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			badRequest(w, fmt.Sprintf("invalid offset %q", raw))
			return filter, false
		}
		filter.Offset = offset
	}
	return filter, true
}

// executionResponse renders the execution header with its step results
// and HAL-style links.
func executionResponse(exec *store.Execution, results []*workflow.StepResult) map[string]any {
	if results == nil {
		results = []*workflow.StepResult{}
	}
	resp := map[string]any{
		"executionId":     exec.ExecutionID,
		"status":          exec.Status,
		"revisionId":      exec.RevisionID,
		"inputParameters": exec.InputParameters,
		"startedAt":       exec.StartedAt,
		"lastUpdatedAt":   exec.LastUpdatedAt,
		"steps":           results,
		"_links": map[string]any{
			"self": map[string]string{
				"href": "/api/executions/" + exec.ExecutionID,
			},
			"workflow": map[string]string{
				"href": fmt.Sprintf("/api/workflows/%s/%s/%d",
					exec.RevisionID.Namespace, exec.RevisionID.WorkflowID, exec.RevisionID.Version),
			},
		},
	}
	if exec.ErrorMessage != "" {
		resp["errorMessage"] = exec.ErrorMessage
	}
	if exec.CompletedAt != nil {
		resp["completedAt"] = exec.CompletedAt
	}
	return resp
}
