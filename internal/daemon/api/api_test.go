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
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fmeurisse/maestro/internal/engine"
	"github.com/fmeurisse/maestro/internal/store/sqlite"
	"github.com/fmeurisse/maestro/internal/work"
	"github.com/fmeurisse/maestro/pkg/workflow"
)

const orderDocument = `namespace: shop
id: process-order
name: Process order
parameters:
  - name: userName
    type: string
    required: true
  - name: retryCount
    type: integer
    default: 3
root:
  type: sequence
  steps:
    - type: log
      id: greet
      message: "Processing for {userName}"
    - type: work
      id: record
      kind: noop
      config:
        channel: orders
`

const failingDocument = `namespace: shop
id: flaky-order
name: Flaky order
root:
  type: sequence
  steps:
    - type: log
      id: before
      message: starting
    - type: work
      id: breaks
      kind: fail
      config:
        message: downstream unavailable
    - type: log
      id: after
      message: never reached
`

func newTestAPI(t *testing.T) http.Handler {
	t.Helper()

	st, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "test.db"), WAL: true}, workflow.NewStepRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	workReg := workflow.NewWorkRegistry()
	work.RegisterBuiltins(workReg)
	eng := engine.New(st, st, workflow.NewInterpreter(workReg), engine.WithLogger(logger))

	router := NewRouter(RouterConfig{Version: "test"}, logger)
	NewWorkflowsHandler(st, workflow.NewStepRegistry(), logger).RegisterRoutes(router.Mux())
	NewExecutionsHandler(eng, st, st, logger).RegisterRoutes(router.Mux())
	return router
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func yamlBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(rec.Body.Bytes(), &doc))
	return doc
}

func jsonBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	return doc
}

func problemBody(t *testing.T, rec *httptest.ResponseRecorder) Problem {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func createWorkflow(t *testing.T, h http.Handler, doc string) map[string]any {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/workflows", doc, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return yamlBody(t, rec)
}

func TestHealthAndVersion(t *testing.T) {
	h := newTestAPI(t)

	rec := do(t, h, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", jsonBody(t, rec)["status"])

	rec = do(t, h, http.MethodGet, "/api/version", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", jsonBody(t, rec)["version"])
}

func TestWorkflowLifecycle(t *testing.T) {
	h := newTestAPI(t)

	// Create version 1.
	rec := do(t, h, http.MethodPost, "/api/workflows", orderDocument, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/api/workflows/shop/process-order/1", rec.Header().Get("Location"))
	v1 := yamlBody(t, rec)
	assert.Equal(t, 1, v1["version"])
	assert.Equal(t, false, v1["active"])

	// Creating the same workflow again is a conflict.
	rec = do(t, h, http.MethodPost, "/api/workflows", orderDocument, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "/problems/workflow-already-exists", problemBody(t, rec).Type)

	// Version 2 goes through the per-workflow endpoint.
	rec = do(t, h, http.MethodPost, "/api/workflows/shop/process-order", orderDocument, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 2, yamlBody(t, rec)["version"])

	// A document whose identity disagrees with the URL is rejected.
	rec = do(t, h, http.MethodPost, "/api/workflows/shop/other-workflow", orderDocument, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "/problems/invalid-workflow-revision", problemBody(t, rec).Type)

	// Both revisions list in version order.
	rec = do(t, h, http.MethodGet, "/api/workflows/shop/process-order", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	revs := yamlBody(t, rec)["revisions"].([]any)
	require.Len(t, revs, 2)

	// No active revision yet: the filtered list is a 404, not empty.
	rec = do(t, h, http.MethodGet, "/api/workflows/shop/process-order?active=true", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "/problems/workflow-revision-not-found", problemBody(t, rec).Type)

	// Activate version 1 using its updatedAt as the lock token.
	updatedAt := v1["updatedAt"].(string)
	rec = do(t, h, http.MethodPost, "/api/workflows/shop/process-order/1/activate", "",
		map[string]string{"X-Current-Updated-At": updatedAt})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	activated := yamlBody(t, rec)
	assert.Equal(t, true, activated["active"])

	rec = do(t, h, http.MethodGet, "/api/workflows/shop/process-order?active=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active := yamlBody(t, rec)["revisions"].([]any)
	require.Len(t, active, 1)

	// Active revisions cannot be deleted, singly or wholesale.
	rec = do(t, h, http.MethodDelete, "/api/workflows/shop/process-order/1", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "/problems/active-revision-conflict", problemBody(t, rec).Type)

	rec = do(t, h, http.MethodDelete, "/api/workflows/shop/process-order", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Deactivate, then the deletes go through.
	rec = do(t, h, http.MethodPost, "/api/workflows/shop/process-order/1/deactivate", "",
		map[string]string{"X-Current-Updated-At": activated["updatedAt"].(string)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodDelete, "/api/workflows/shop/process-order/1", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/workflows/shop/process-order", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Deleting again is still a 204.
	rec = do(t, h, http.MethodDelete, "/api/workflows/shop/process-order", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWorkflowGetWithSource(t *testing.T) {
	h := newTestAPI(t)
	createWorkflow(t, h, orderDocument)

	rec := do(t, h, http.MethodGet, "/api/workflows/shop/process-order/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc := yamlBody(t, rec)
	assert.Equal(t, orderDocument, doc["source"])

	// ?format=source returns the document byte-for-byte.
	rec = do(t, h, http.MethodGet, "/api/workflows/shop/process-order/1?format=source", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orderDocument, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/workflows/shop/process-order/9", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "/problems/workflow-revision-not-found", problemBody(t, rec).Type)
}

func TestWorkflowUpdateOptimisticLock(t *testing.T) {
	h := newTestAPI(t)
	v1 := createWorkflow(t, h, orderDocument)
	updatedAt := v1["updatedAt"].(string)

	renamed := strings.Replace(orderDocument, "name: Process order", "name: Process order v2", 1)

	// Missing updatedAt in the body is rejected before any store access.
	rec := do(t, h, http.MethodPut, "/api/workflows/shop/process-order/1", renamed, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "/problems/invalid-workflow-revision", problemBody(t, rec).Type)

	// Fresh token: the update lands.
	body := renamed + "updatedAt: \"" + updatedAt + "\"\n"
	rec = do(t, h, http.MethodPut, "/api/workflows/shop/process-order/1", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Process order v2", yamlBody(t, rec)["name"])

	// The same token again is now stale.
	rec = do(t, h, http.MethodPut, "/api/workflows/shop/process-order/1", body, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "/problems/optimistic-lock-conflict", problemBody(t, rec).Type)
}

func TestActivateRequiresLockHeader(t *testing.T) {
	h := newTestAPI(t)
	createWorkflow(t, h, orderDocument)

	rec := do(t, h, http.MethodPost, "/api/workflows/shop/process-order/1/activate", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	p := problemBody(t, rec)
	assert.Equal(t, "/problems/bad-request", p.Type)
	assert.Contains(t, p.Detail, "X-Current-Updated-At")
}

func TestWorkflowValidationFailure(t *testing.T) {
	h := newTestAPI(t)

	rec := do(t, h, http.MethodPost, "/api/workflows",
		"namespace: shop\nid: bad\nname: Bad\nroot: {type: teleport}\n", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	p := problemBody(t, rec)
	assert.Equal(t, "/problems/workflow-validation-failed", p.Type)
	assert.Contains(t, p.Detail, "teleport")
}

func TestWorkflowModelValidationFailure(t *testing.T) {
	h := newTestAPI(t)

	// A blank identity field is a malformed revision, not a semantic
	// failure of the step tree.
	rec := do(t, h, http.MethodPost, "/api/workflows",
		"namespace: shop\nid: bad\nroot: {type: log, message: hi}\n", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	p := problemBody(t, rec)
	assert.Equal(t, "/problems/invalid-workflow-revision", p.Type)
	assert.Equal(t, "name", p.Field)
}

func TestStartExecution(t *testing.T) {
	h := newTestAPI(t)
	createWorkflow(t, h, orderDocument)

	rec := do(t, h, http.MethodPost, "/api/executions",
		`{"namespace":"shop","id":"process-order","version":1,"parameters":{"userName":"ada"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := jsonBody(t, rec)
	executionID := resp["executionId"].(string)
	assert.True(t, engine.ValidExecutionID(executionID))
	assert.Equal(t, "COMPLETED", resp["status"])

	params := resp["inputParameters"].(map[string]any)
	assert.Equal(t, "ada", params["userName"])
	// The integer default was applied.
	assert.Equal(t, float64(3), params["retryCount"])

	steps := resp["steps"].([]any)
	require.Len(t, steps, 2)

	// The record is retrievable afterwards.
	rec = do(t, h, http.MethodGet, "/api/executions/"+executionID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, executionID, jsonBody(t, rec)["executionId"])
}

func TestStartExecution_ParameterViolations(t *testing.T) {
	h := newTestAPI(t)
	createWorkflow(t, h, orderDocument)

	// Missing required, uncoercible integer, undeclared extra: all three
	// violations come back in one response.
	rec := do(t, h, http.MethodPost, "/api/executions",
		`{"namespace":"shop","id":"process-order","version":1,"parameters":{"retryCount":"lots","extraParam":1}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	p := problemBody(t, rec)
	assert.Equal(t, "/problems/workflow-parameter-validation-error", p.Type)
	require.Len(t, p.InvalidParams, 3)

	names := make([]string, 0, len(p.InvalidParams))
	for _, v := range p.InvalidParams {
		names = append(names, v.Name)
	}
	assert.ElementsMatch(t, []string{"userName", "retryCount", "extraParam"}, names)
}

func TestStartExecution_UnknownWorkflow(t *testing.T) {
	h := newTestAPI(t)

	rec := do(t, h, http.MethodPost, "/api/executions",
		`{"namespace":"shop","id":"ghost","version":1,"parameters":{}}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "/problems/workflow-not-found", problemBody(t, rec).Type)
}

func TestStartExecution_FailFast(t *testing.T) {
	h := newTestAPI(t)
	createWorkflow(t, h, failingDocument)

	rec := do(t, h, http.MethodPost, "/api/executions",
		`{"namespace":"shop","id":"flaky-order","version":1,"parameters":{}}`, nil)
	// A failed run is still a successful request.
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := jsonBody(t, rec)
	assert.Equal(t, "FAILED", resp["status"])
	assert.Equal(t, "step breaks failed: downstream unavailable", resp["errorMessage"])

	steps := resp["steps"].([]any)
	require.Len(t, steps, 3)
	statuses := make([]string, 0, 3)
	for _, s := range steps {
		statuses = append(statuses, s.(map[string]any)["status"].(string))
	}
	assert.Equal(t, []string{"COMPLETED", "FAILED", "SKIPPED"}, statuses)
}

func TestGetExecution_MalformedID(t *testing.T) {
	h := newTestAPI(t)

	rec := do(t, h, http.MethodGet, "/api/executions/not-a-nanoid", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "/problems/bad-request", problemBody(t, rec).Type)
}

func TestGetExecution_NotFound(t *testing.T) {
	h := newTestAPI(t)

	// Well-formed but unknown.
	rec := do(t, h, http.MethodGet, "/api/executions/V1StGXR8_Z5jdHi6B-myT", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "/problems/execution-not-found", problemBody(t, rec).Type)
}

func TestExecutionHistoryPagination(t *testing.T) {
	h := newTestAPI(t)
	createWorkflow(t, h, orderDocument)

	for i := 0; i < 3; i++ {
		rec := do(t, h, http.MethodPost, "/api/executions",
			fmt.Sprintf(`{"namespace":"shop","id":"process-order","version":1,"parameters":{"userName":"user%d"}}`, i), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := do(t, h, http.MethodGet, "/api/workflows/shop/process-order/executions?limit=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := jsonBody(t, rec)
	executions := resp["executions"].([]any)
	assert.Len(t, executions, 2)

	pagination := resp["pagination"].(map[string]any)
	assert.Equal(t, float64(3), pagination["total"])
	assert.Equal(t, float64(2), pagination["limit"])
	assert.Equal(t, true, pagination["hasMore"])

	// Second page.
	rec = do(t, h, http.MethodGet, "/api/workflows/shop/process-order/executions?limit=2&offset=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = jsonBody(t, rec)
	assert.Len(t, resp["executions"].([]any), 1)
	assert.Equal(t, false, resp["pagination"].(map[string]any)["hasMore"])

	// Invalid paging values are rejected.
	rec = do(t, h, http.MethodGet, "/api/workflows/shop/process-order/executions?limit=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/workflows/shop/process-order/executions?status=SOMETIMES", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// History for an unknown workflow is a 404.
	rec = do(t, h, http.MethodGet, "/api/workflows/shop/ghost/executions", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "/problems/workflow-not-found", problemBody(t, rec).Type)
}
