package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an entity is not found in the database.
var ErrNotFound = errors.New("entity not found")

// ErrNoTenant is returned when a caller context carries no tenant identity.
// Scoping fails closed rather than defaulting to all tenants.
var ErrNoTenant = errors.New("no tenant identity in context")

// ErrorCode classifies every failure the engine surfaces to callers.
type ErrorCode string

const (
	CodeValidation       ErrorCode = "validation_error"
	CodeDeprecatedMetric ErrorCode = "deprecated_metric"
	CodeTimeout          ErrorCode = "timeout"
	CodeExecution        ErrorCode = "execution_error"
	CodeNotFound         ErrorCode = "not_found"
	CodeConflict         ErrorCode = "conflict"
)

// Error is the structured error carried across layer boundaries. Every
// instance includes enough detail (offending field, allowed values, or a
// suggested alternative) to be actionable without consulting logs.
type Error struct {
	Code       ErrorCode `json:"error_code"`
	Message    string    `json:"message"`
	Field      string    `json:"field,omitempty"`
	Allowed    []string  `json:"allowed,omitempty"`
	Suggestion string    `json:"suggestion,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewValidationError reports the first violated rule for a specification,
// naming the offending field and, when known, the allowed set.
func NewValidationError(field, message string, allowed ...string) *Error {
	return &Error{
		Code:    CodeValidation,
		Message: message,
		Field:   field,
		Allowed: allowed,
	}
}

// NewDeprecatedMetricError reports a metric deprecated beyond its grace
// window. The suggestion names a still-valid alternative when one exists.
func NewDeprecatedMetricError(name, replacement string) *Error {
	e := &Error{
		Code:    CodeDeprecatedMetric,
		Message: fmt.Sprintf("metric %q is deprecated and no longer queryable", name),
		Field:   name,
	}
	if replacement != "" {
		e.Suggestion = replacement
		e.Message += fmt.Sprintf("; use %q instead", replacement)
	}
	return e
}

// NewTimeoutError signals that the interactive budget elapsed before a
// result was produced. Callers should resubmit as an asynchronous job.
func NewTimeoutError(budget time.Duration) *Error {
	return &Error{
		Code:       CodeTimeout,
		Message:    fmt.Sprintf("query exceeded the %s interactive budget", budget),
		Suggestion: "resubmit via the job endpoint",
	}
}

// NewExecutionError classifies a storage-layer failure. The cause is kept
// for unwrapping but never interpolated into caller-visible text verbatim.
func NewExecutionError(message string, cause error) *Error {
	return &Error{
		Code:    CodeExecution,
		Message: message,
		cause:   cause,
	}
}

// NewNotFoundError reports an unknown job id or metric name.
func NewNotFoundError(kind, name string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s %q not found", kind, name),
		Field:   name,
		cause:   ErrNotFound,
	}
}

// NewConflictError reports a catalog update that would break an invariant.
// The whole update is rejected, never partially applied.
func NewConflictError(message string, field string) *Error {
	return &Error{
		Code:    CodeConflict,
		Message: message,
		Field:   field,
	}
}

// CodeOf extracts the taxonomy code from any error in the chain.
// Unclassified errors report as execution errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, ErrNotFound) {
		return CodeNotFound
	}
	return CodeExecution
}

// AsEngineError returns the structured error in the chain, or wraps the
// error as an execution error so callers always see a stable code.
func AsEngineError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, ErrNotFound) {
		return &Error{Code: CodeNotFound, Message: err.Error(), cause: err}
	}
	return &Error{Code: CodeExecution, Message: err.Error(), cause: err}
}
