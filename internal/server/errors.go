package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"ppscore/internal/domain"
	"ppscore/internal/repo"
)

type apiErrorBody struct {
	Code    string         `json:"code" example:"cycle"`
	Message string         `json:"message" example:"dependency 3 -> 1 would create a cycle via 1 -> 2 -> 3"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"path\":[1,2,3]}"`
}

// apiError is the {"error": {...}} envelope every failure is written as.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

var statusCodes = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusNotFound:            "not_found",
	http.StatusConflict:            "conflict",
	http.StatusUnprocessableEntity: "validation_error",
	http.StatusInternalServerError: "internal_error",
	http.StatusServiceUnavailable:  "transport_error",
}

func codeForStatus(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = codeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

// installErrorFactories routes huma's own failures (binding, schema
// validation) through the envelope.
func installErrorFactories() {
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		// a body that fails the schema is malformed, not a broken domain rule
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}
}

// handleError maps engine errors onto the envelope and status codes.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	code := domain.ErrorCode(err)

	var cycle domain.CycleError
	if errors.As(err, &cycle) {
		return newAPIError(http.StatusConflict, code, err.Error(), map[string]any{
			"predecessor_id": cycle.PredecessorID,
			"successor_id":   cycle.SuccessorID,
			"path":           cycle.Path,
		})
	}
	var stale domain.VersionConflictError
	if errors.As(err, &stale) {
		return newAPIError(http.StatusConflict, code, err.Error(), map[string]any{
			"todo_id":  stale.TodoID,
			"expected": stale.Expected,
			"actual":   stale.Actual,
		})
	}
	if code == "self_loop" || code == "insufficient_selection" {
		return newAPIError(http.StatusBadRequest, code, err.Error(), nil)
	}
	var missing domain.NotFoundError
	if errors.As(err, &missing) {
		return newAPIError(http.StatusNotFound, code, err.Error(), map[string]any{"kind": missing.Kind, "id": missing.ID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var invalid domain.ValidationError
	if errors.As(err, &invalid) {
		var details map[string]any
		if invalid.Field != "" {
			details = map[string]any{"field": invalid.Field, "reason": invalid.Reason}
		}
		return newAPIError(http.StatusUnprocessableEntity, code, err.Error(), details)
	}
	if code == "transport_error" {
		return newAPIError(http.StatusServiceUnavailable, code, err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

// respondStatusError writes an envelope outside of a huma handler.
func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
