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

// Package cli implements the maestro command-line client.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a thin HTTP client for the maestrod API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Minute},
	}
}

// APIError is a non-2xx response, carrying the problem+json body.
type APIError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	var p struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal([]byte(e.Body), &p); err == nil && p.Title != "" {
		if p.Detail != "" {
			return fmt.Sprintf("%s: %s", p.Title, p.Detail)
		}
		return p.Title
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Body)
}

// do performs a request and returns the response body. Bodies of error
// responses feed the APIError.
func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, headers map[string]string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// CreateWorkflow submits a document as version 1.
func (c *Client) CreateWorkflow(ctx context.Context, document []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, "/api/workflows", "application/yaml", document, nil)
}

// CreateNextRevision submits a document as the next version.
func (c *Client) CreateNextRevision(ctx context.Context, namespace, id string, document []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/workflows/%s/%s", namespace, id),
		"application/yaml", document, nil)
}

// ListRevisions lists a workflow's revisions.
func (c *Client) ListRevisions(ctx context.Context, namespace, id string, activeOnly bool) ([]byte, error) {
	path := fmt.Sprintf("/api/workflows/%s/%s", namespace, id)
	if activeOnly {
		path += "?active=true"
	}
	return c.do(ctx, http.MethodGet, path, "", nil, nil)
}

// GetRevision fetches one revision.
func (c *Client) GetRevision(ctx context.Context, namespace, id string, version int) ([]byte, error) {
	return c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/workflows/%s/%s/%d", namespace, id, version), "", nil, nil)
}

// SetRevisionActive activates or deactivates a revision. updatedAt is
// the timestamp the caller last read, proving freshness.
func (c *Client) SetRevisionActive(ctx context.Context, namespace, id string, version int, active bool, updatedAt string) ([]byte, error) {
	verb := "deactivate"
	if active {
		verb = "activate"
	}
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/workflows/%s/%s/%d/%s", namespace, id, version, verb),
		"", nil, map[string]string{"X-Current-Updated-At": updatedAt})
}

// DeleteRevision deletes an inactive revision.
func (c *Client) DeleteRevision(ctx context.Context, namespace, id string, version int) error {
	_, err := c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/api/workflows/%s/%s/%d", namespace, id, version), "", nil, nil)
	return err
}

// DeleteWorkflow deletes all revisions of a workflow.
func (c *Client) DeleteWorkflow(ctx context.Context, namespace, id string) error {
	_, err := c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/api/workflows/%s/%s", namespace, id), "", nil, nil)
	return err
}

// StartExecution runs a revision synchronously.
func (c *Client) StartExecution(ctx context.Context, namespace, id string, version int, parameters map[string]any) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"namespace":  namespace,
		"id":         id,
		"version":    version,
		"parameters": parameters,
	})
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, "/api/executions", "application/json", body, nil)
}

// GetExecution fetches an execution with its step results.
func (c *Client) GetExecution(ctx context.Context, executionID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/executions/"+executionID, "", nil, nil)
}

// ListExecutions lists a workflow's execution history.
func (c *Client) ListExecutions(ctx context.Context, namespace, id string, query string) ([]byte, error) {
	path := fmt.Sprintf("/api/workflows/%s/%s/executions", namespace, id)
	if query != "" {
		path += "?" + query
	}
	return c.do(ctx, http.MethodGet, path, "", nil, nil)
}

// Version fetches the server build information.
func (c *Client) Version(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/version", "", nil, nil)
}
