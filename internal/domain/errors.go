package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CycleError reports an edge that would close a cycle in the active dependency graph.
// Path lists the existing route from the successor back to the predecessor.
type CycleError struct {
	PredecessorID int64
	SuccessorID   int64
	Path          []int64
}

func (e CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("dependency %d -> %d would create a cycle", e.PredecessorID, e.SuccessorID)
	}
	parts := make([]string, 0, len(e.Path))
	for _, id := range e.Path {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return fmt.Sprintf("dependency %d -> %d would create a cycle via %s", e.PredecessorID, e.SuccessorID, strings.Join(parts, " -> "))
}

type SelfLoopError struct {
	TodoID int64
}

func (e SelfLoopError) Error() string {
	return fmt.Sprintf("todo %d cannot depend on itself", e.TodoID)
}

type InsufficientSelectionError struct {
	Size int
}

func (e InsufficientSelectionError) Error() string {
	return fmt.Sprintf("auto-link requires at least 2 todos, got %d", e.Size)
}

// VersionConflictError is returned when a write carries a stale version.
type VersionConflictError struct {
	TodoID   int64
	Expected int
	Actual   int
}

func (e VersionConflictError) Error() string {
	return fmt.Sprintf("todo %d version conflict: have %d, stored %d", e.TodoID, e.Expected, e.Actual)
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func TodoNotFound(id int64) NotFoundError {
	return NotFoundError{Kind: "todo", ID: strconv.FormatInt(id, 10)}
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// TransportError means the batch transaction itself failed and nothing was applied.
type TransportError struct {
	Op  string
	Err error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e TransportError) Unwrap() error { return e.Err }

// ErrorCode maps an error to the stable code used by per-item sync errors and the HTTP envelope.
func ErrorCode(err error) string {
	var (
		cycle   CycleError
		self    SelfLoopError
		insuff  InsufficientSelectionError
		version VersionConflictError
		nf      NotFoundError
		val     ValidationError
		tr      TransportError
	)
	switch {
	case errors.As(err, &cycle):
		return "cycle"
	case errors.As(err, &self):
		return "self_loop"
	case errors.As(err, &insuff):
		return "insufficient_selection"
	case errors.As(err, &version):
		return "version_conflict"
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &val):
		return "validation_error"
	case errors.As(err, &tr):
		return "transport_error"
	}
	return "internal_error"
}
