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
	"log/slog"
	"net/http"
	"strings"

	stderrors "errors"

	"github.com/fmeurisse/maestro/pkg/errors"
)

// problemTypeBase prefixes every problem type URI.
const problemTypeBase = "/problems/"

// Problem is an RFC 7807 error body. InvalidParams carries parameter
// violations; Field and RejectedValue carry model validation context.
type Problem struct {
	Type          string                  `json:"type"`
	Title         string                  `json:"title"`
	Status        int                     `json:"status"`
	Detail        string                  `json:"detail,omitempty"`
	InvalidParams []errors.ParamViolation `json:"invalidParams,omitempty"`
	Field         string                  `json:"field,omitempty"`
	RejectedValue any                     `json:"rejectedValue,omitempty"`
}

// Problem slugs. Type URIs are problemTypeBase + slug.
const (
	slugWorkflowNotFound         = "workflow-not-found"
	slugRevisionNotFound         = "workflow-revision-not-found"
	slugExecutionNotFound        = "execution-not-found"
	slugInvalidRevision          = "invalid-workflow-revision"
	slugValidationFailed         = "workflow-validation-failed"
	slugAlreadyExists            = "workflow-already-exists"
	slugActiveRevisionConflict   = "active-revision-conflict"
	slugOptimisticLockConflict   = "optimistic-lock-conflict"
	slugParameterValidationError = "workflow-parameter-validation-error"
	slugBadRequest               = "bad-request"
	slugInternalServerError      = "internal-server-error"
)

// writeProblem writes a problem+json response.
func writeProblem(w http.ResponseWriter, p Problem) {
	if p.Type == "" {
		p.Type = problemTypeBase + slugInternalServerError
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("Failed to write problem response", slog.Any("error", err))
	}
}

// problem builds a Problem from a slug.
func problem(slug, title string, status int, detail string) Problem {
	return Problem{
		Type:   problemTypeBase + slug,
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// badRequest writes a generic 400 problem.
func badRequest(w http.ResponseWriter, detail string) {
	writeProblem(w, problem(slugBadRequest, "Bad Request", http.StatusBadRequest, detail))
}

// notFoundSlug distinguishes the three 404 flavours by resource name.
func notFoundSlug(resource string) (slug, title string) {
	switch resource {
	case "execution":
		return slugExecutionNotFound, "Execution Not Found"
	case "workflow":
		return slugWorkflowNotFound, "Workflow Not Found"
	default:
		return slugRevisionNotFound, "Workflow Revision Not Found"
	}
}

// mapError converts a domain error to a problem+json response. Every
// handler funnels its errors through here so the taxonomy stays in one
// place. Unrecognised errors become 500 without leaking internals.
func mapError(w http.ResponseWriter, err error, logger *slog.Logger) {
	var (
		notFound   *errors.NotFoundError
		conflict   *errors.ConflictError
		staleLock  *errors.OptimisticLockError
		validation *errors.ValidationError
		params     *errors.ParameterValidationError
	)

	switch {
	case stderrors.As(err, &notFound):
		slug, title := notFoundSlug(notFound.Resource)
		writeProblem(w, problem(slug, title, http.StatusNotFound, notFound.Error()))

	case stderrors.As(err, &staleLock):
		writeProblem(w, problem(slugOptimisticLockConflict, "Optimistic Lock Conflict",
			http.StatusConflict, staleLock.Error()))

	case stderrors.As(err, &conflict):
		slug, title := conflictSlug(conflict)
		writeProblem(w, problem(slug, title, http.StatusConflict, conflict.Error()))

	case stderrors.As(err, &params):
		p := problem(slugParameterValidationError, "Parameter Validation Failed",
			http.StatusBadRequest, params.Error())
		p.InvalidParams = params.Violations
		writeProblem(w, p)

	case stderrors.As(err, &validation):
		slug, title := validationSlug(validation)
		p := problem(slug, title, http.StatusBadRequest, validation.Error())
		p.Field = validation.Field
		writeProblem(w, p)

	default:
		logger.Error("request failed", slog.Any("error", err))
		writeProblem(w, problem(slugInternalServerError, "Internal Server Error",
			http.StatusInternalServerError, "an internal error occurred"))
	}
}

// validationSlug separates the two 400 flavours: violations of the
// document's identity and shape fields (unparsable YAML included) are
// invalid-workflow-revision, everything in the parameter schema or the
// step tree is semantic validation.
func validationSlug(v *errors.ValidationError) (slug, title string) {
	switch v.Field {
	case "document", "namespace", "id", "version", "name", "description":
		return slugInvalidRevision, "Invalid Workflow Revision"
	}
	return slugValidationFailed, "Workflow Validation Failed"
}

// conflictSlug picks the 409 slug: a version-1 collision is
// workflow-already-exists, everything else involving the active flag is
// active-revision-conflict.
func conflictSlug(c *errors.ConflictError) (slug, title string) {
	if c.Resource == "workflow" && strings.HasPrefix(c.Reason, "workflow already exists") {
		return slugAlreadyExists, "Workflow Already Exists"
	}
	return slugActiveRevisionConflict, "Active Revision Conflict"
}
