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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fmeurisse/maestro/internal/daemon/httputil"
	"github.com/fmeurisse/maestro/internal/store"
	"github.com/fmeurisse/maestro/pkg/errors"
	"github.com/fmeurisse/maestro/pkg/workflow"
	"gopkg.in/yaml.v3"
)

// maxDocumentSize bounds uploaded workflow documents.
const maxDocumentSize = 1 << 20 // 1 MiB

// WorkflowsHandler serves the revision lifecycle endpoints.
type WorkflowsHandler struct {
	revisions store.RevisionStore
	steps     *workflow.StepRegistry
	logger    *slog.Logger
}

// NewWorkflowsHandler creates a workflows handler.
func NewWorkflowsHandler(revisions store.RevisionStore, steps *workflow.StepRegistry, logger *slog.Logger) *WorkflowsHandler {
	return &WorkflowsHandler{revisions: revisions, steps: steps, logger: logger}
}

// RegisterRoutes registers revision API routes on the router.
func (h *WorkflowsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/workflows", h.handleCreate)
	mux.HandleFunc("POST /api/workflows/{namespace}/{id}", h.handleCreateNext)
	mux.HandleFunc("GET /api/workflows/{namespace}/{id}", h.handleList)
	mux.HandleFunc("GET /api/workflows/{namespace}/{id}/{version}", h.handleGet)
	mux.HandleFunc("PUT /api/workflows/{namespace}/{id}/{version}", h.handleUpdate)
	mux.HandleFunc("POST /api/workflows/{namespace}/{id}/{version}/activate", h.handleActivate)
	mux.HandleFunc("POST /api/workflows/{namespace}/{id}/{version}/deactivate", h.handleDeactivate)
	mux.HandleFunc("DELETE /api/workflows/{namespace}/{id}/{version}", h.handleDeleteRevision)
	mux.HandleFunc("DELETE /api/workflows/{namespace}/{id}", h.handleDeleteWorkflow)
}

// handleCreate handles POST /api/workflows: create version 1.
func (h *WorkflowsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	def, ok := h.readDefinition(w, r)
	if !ok {
		return
	}

	rev, err := h.revisions.CreateInitial(r.Context(), def)
	if err != nil {
		mapError(w, err, h.logger)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/workflows/%s/%s/%d",
		rev.ID.Namespace, rev.ID.WorkflowID, rev.ID.Version))
	httputil.WriteYAML(w, http.StatusCreated, revisionDocument(rev))
}

// handleCreateNext handles POST /api/workflows/{namespace}/{id}: create
// the next version under an existing workflow.
func (h *WorkflowsHandler) handleCreateNext(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	id := r.PathValue("id")

	def, ok := h.readDefinition(w, r)
	if !ok {
		return
	}
	if def.Namespace != namespace || def.WorkflowID != id {
		writeProblem(w, problem(slugInvalidRevision, "Invalid Workflow Revision",
			http.StatusBadRequest,
			fmt.Sprintf("document identity %s/%s does not match URL %s/%s",
				def.Namespace, def.WorkflowID, namespace, id)))
		return
	}

	rev, err := h.revisions.CreateNextRevision(r.Context(), namespace, id, def)
	if err != nil {
		mapError(w, err, h.logger)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/workflows/%s/%s/%d",
		namespace, id, rev.ID.Version))
	httputil.WriteYAML(w, http.StatusCreated, revisionDocument(rev))
}

// handleList handles GET /api/workflows/{namespace}/{id}. With
// ?active=true the (at most one) active revision is returned; none
// active is a 404, matching the established contract.
func (h *WorkflowsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	id := r.PathValue("id")
	activeOnly := r.URL.Query().Get("active") == "true"

	revs, err := h.revisions.List(r.Context(), namespace, id, activeOnly)
	if err != nil {
		mapError(w, err, h.logger)
		return
	}
	if activeOnly && len(revs) == 0 {
		mapError(w, &errors.NotFoundError{
			Resource: "active revision",
			ID:       namespace + "/" + id,
		}, h.logger)
		return
	}

	docs := make([]map[string]any, 0, len(revs))
	for _, rev := range revs {
		docs = append(docs, revisionDocument(rev))
	}
	httputil.WriteYAML(w, http.StatusOK, map[string]any{"revisions": docs})
}

// handleGet handles GET /api/workflows/{namespace}/{id}/{version}.
func (h *WorkflowsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.revisionID(w, r)
	if !ok {
		return
	}

	rev, err := h.revisions.FindRevisionWithSource(r.Context(), id)
	if err != nil {
		mapError(w, err, h.logger)
		return
	}

	// ?format=source returns the submitted document verbatim.
	if r.URL.Query().Get("format") == "source" {
		httputil.WriteYAMLSource(w, http.StatusOK, rev.Source)
		return
	}

	doc := revisionDocument(&rev.Revision)
	doc["source"] = rev.Source
	httputil.WriteYAML(w, http.StatusOK, doc)
}

// updateEnvelope carries the optimistic-lock token embedded in PUT bodies.
type updateEnvelope struct {
	Namespace string `yaml:"namespace"`
	ID        string `yaml:"id"`
	Version   int    `yaml:"version"`
	UpdatedAt string `yaml:"updatedAt"`
}

// handleUpdate handles PUT /api/workflows/{namespace}/{id}/{version}.
// The body is the replacement document plus the updatedAt the client
// last read; a stale token is an optimistic-lock conflict.
func (h *WorkflowsHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.revisionID(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentSize))
	if err != nil {
		badRequest(w, "failed to read request body")
		return
	}

	var envelope updateEnvelope
	if err := yaml.Unmarshal(body, &envelope); err != nil {
		badRequest(w, fmt.Sprintf("invalid YAML: %v", err))
		return
	}
	if envelope.UpdatedAt == "" {
		writeProblem(w, problem(slugInvalidRevision, "Invalid Workflow Revision",
			http.StatusBadRequest, "updatedAt is required for updates"))
		return
	}
	expectedUpdatedAt, err := parseTimestamp(envelope.UpdatedAt)
	if err != nil {
		writeProblem(w, problem(slugInvalidRevision, "Invalid Workflow Revision",
			http.StatusBadRequest, fmt.Sprintf("invalid updatedAt: %v", err)))
		return
	}
	if envelope.Namespace != id.Namespace || envelope.ID != id.WorkflowID ||
		(envelope.Version != 0 && envelope.Version != id.Version) {
		writeProblem(w, problem(slugInvalidRevision, "Invalid Workflow Revision",
			http.StatusBadRequest,
			fmt.Sprintf("document identity does not match URL %s", id)))
		return
	}

	def, err := workflow.ParseDefinition(body, h.steps)
	if err != nil {
		mapError(w, err, h.logger)
		return
	}

	rev, err := h.revisions.Update(r.Context(), id, def, expectedUpdatedAt)
	if err != nil {
		mapError(w, err, h.logger)
		return
	}
	httputil.WriteYAML(w, http.StatusOK, revisionDocument(rev))
}

// handleActivate handles POST .../activate.
func (h *WorkflowsHandler) handleActivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// handleDeactivate handles POST .../deactivate.
func (h *WorkflowsHandler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

// setActive flips the active flag. The client proves freshness through
// the X-Current-Updated-At header.
func (h *WorkflowsHandler) setActive(w http.ResponseWriter, r *http.Request, desired bool) {
	id, ok := h.revisionID(w, r)
	if !ok {
		return
	}

	header := r.Header.Get("X-Current-Updated-At")
	if header == "" {
		badRequest(w, "X-Current-Updated-At header is required")
		return
	}
	expectedUpdatedAt, err := parseTimestamp(header)
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid X-Current-Updated-At: %v", err))
		return
	}

	rev, err := h.revisions.SetActive(r.Context(), id, desired, expectedUpdatedAt)
	if err != nil {
		mapError(w, err, h.logger)
		return
	}
	httputil.WriteYAML(w, http.StatusOK, revisionDocument(rev))
}

// handleDeleteRevision handles DELETE /api/workflows/{namespace}/{id}/{version}.
func (h *WorkflowsHandler) handleDeleteRevision(w http.ResponseWriter, r *http.Request) {
	id, ok := h.revisionID(w, r)
	if !ok {
		return
	}

	if err := h.revisions.DeleteRevision(r.Context(), id); err != nil {
		mapError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteWorkflow handles DELETE /api/workflows/{namespace}/{id}.
// Deleting an absent workflow is a 204, so retried deletes are safe.
func (h *WorkflowsHandler) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	id := r.PathValue("id")

	if err := h.revisions.DeleteWorkflow(r.Context(), namespace, id); err != nil {
		mapError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readDefinition reads and parses the request body as a workflow document.
func (h *WorkflowsHandler) readDefinition(w http.ResponseWriter, r *http.Request) (*workflow.Definition, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentSize))
	if err != nil {
		badRequest(w, "failed to read request body")
		return nil, false
	}
	if len(body) == 0 {
		badRequest(w, "request body is empty")
		return nil, false
	}

	def, err := workflow.ParseDefinition(body, h.steps)
	if err != nil {
		mapError(w, err, h.logger)
		return nil, false
	}
	return def, true
}

// revisionID extracts and validates the revision identity from the URL.
func (h *WorkflowsHandler) revisionID(w http.ResponseWriter, r *http.Request) (workflow.RevisionID, bool) {
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid version %q", r.PathValue("version")))
		return workflow.RevisionID{}, false
	}
	id := workflow.RevisionID{
		Namespace:  r.PathValue("namespace"),
		WorkflowID: r.PathValue("id"),
		Version:    version,
	}
	if err := id.Validate(); err != nil {
		mapError(w, err, h.logger)
		return workflow.RevisionID{}, false
	}
	return id, true
}

// parseTimestamp accepts RFC 3339 timestamps with or without sub-second
// precision.
func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// revisionDocument renders a revision as a YAML-friendly document.
func revisionDocument(rev *workflow.Revision) map[string]any {
	root, err := workflow.StepToMap(rev.Root)
	if err != nil {
		// Persisted revisions always round-trip; a registered step that
		// stopped implementing StepMapper is a programming error.
		root = map[string]any{}
	}
	doc := map[string]any{
		"namespace":  rev.ID.Namespace,
		"id":         rev.ID.WorkflowID,
		"version":    rev.ID.Version,
		"name":       rev.Name,
		"parameters": rev.Parameters,
		"root":       root,
		"active":     rev.Active,
		"createdAt":  rev.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt":  rev.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if rev.Description != "" {
		doc["description"] = rev.Description
	}
	return doc
}
