// Package errors provides structured error types for the steward engine.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Code is a stable error kind surfaced to external callers.
type Code string

const (
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeGateNotSatisfied    Code = "GATE_NOT_SATISFIED"
	CodeLockUnavailable     Code = "LOCK_UNAVAILABLE"
	CodeAgentUnreachable    Code = "AGENT_UNREACHABLE"
	CodeTimeout             Code = "TIMEOUT"
	CodeAnalyzerUnavailable Code = "ANALYZER_UNAVAILABLE"
	CodeInternal            Code = "INTERNAL"
)

// Category groups error codes for HTTP status mapping by outer layers.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

var codeCategories = map[Code]Category{
	CodeInvalidInput:        CategoryBadRequest,
	CodeNotFound:            CategoryNotFound,
	CodeConflict:            CategoryConflict,
	CodeGateNotSatisfied:    CategoryConflict,
	CodeLockUnavailable:     CategoryUnavailable,
	CodeAgentUnreachable:    CategoryUnavailable,
	CodeTimeout:             CategoryTimeout,
	CodeAnalyzerUnavailable: CategoryUnavailable,
	CodeInternal:            CategoryInternal,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// EngineError is the structured error type for the engine.
// Gate failures, lock contention and cycle rejections are expected outcomes;
// they travel as EngineError values, never as panics.
type EngineError struct {
	Code    Code   `json:"code"`
	What    string `json:"what"`
	Why     string `json:"why,omitempty"`
	Cause   error  `json:"-"`
	Missing []string `json:"missing,omitempty"` // itemized gaps for GATE_NOT_SATISFIED
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if len(e.Missing) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Missing, "; "))
		b.WriteString("]")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an EngineError with the same code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Category returns the error category for status mapping.
func (e *EngineError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// WithCause returns a copy of the error with the given cause.
func (e *EngineError) WithCause(err error) *EngineError {
	return &EngineError{
		Code:    e.Code,
		What:    e.What,
		Why:     e.Why,
		Missing: e.Missing,
		Cause:   err,
	}
}

// --- Constructors ---

// ErrInvalidInput reports a validation failure. Never retried.
func ErrInvalidInput(field, reason string) *EngineError {
	return &EngineError{
		Code: CodeInvalidInput,
		What: fmt.Sprintf("invalid %s", field),
		Why:  reason,
	}
}

// ErrNotFound reports a missing entity.
func ErrNotFound(entity, id string) *EngineError {
	return &EngineError{
		Code: CodeNotFound,
		What: fmt.Sprintf("%s %s not found", entity, id),
	}
}

// ErrConflict reports an invalid state transition, duplicate, or cycle.
func ErrConflict(what, why string) *EngineError {
	return &EngineError{
		Code: CodeConflict,
		What: what,
		Why:  why,
	}
}

// ErrGateNotSatisfied reports a blocked phase transition with the itemized
// list of unmet gate checks.
func ErrGateNotSatisfied(phase string, missing []string) *EngineError {
	return &EngineError{
		Code:    CodeGateNotSatisfied,
		What:    fmt.Sprintf("gate for phase %s not satisfied", phase),
		Missing: missing,
	}
}

// ErrLockUnavailable reports that a resource lease could not be acquired
// within the retry budget. Transient; the dispatcher skips and retries later.
func ErrLockUnavailable(key string, attempts int) *EngineError {
	return &EngineError{
		Code: CodeLockUnavailable,
		What: fmt.Sprintf("resource %s unavailable", key),
		Why:  fmt.Sprintf("lock not acquired after %d attempts", attempts),
	}
}

// ErrAgentUnreachable reports a worker that stopped heartbeating.
func ErrAgentUnreachable(id string) *EngineError {
	return &EngineError{
		Code: CodeAgentUnreachable,
		What: fmt.Sprintf("agent %s unreachable", id),
		Why:  "no heartbeat within the staleness window",
	}
}

// ErrTimeout reports an exceeded deadline.
func ErrTimeout(what string) *EngineError {
	return &EngineError{
		Code: CodeTimeout,
		What: what,
		Why:  "deadline exceeded",
	}
}

// ErrAnalyzerUnavailable reports a failed trajectory analysis. Internal to
// the guardian; suppressed into a no-verdict outcome.
func ErrAnalyzerUnavailable(cause error) *EngineError {
	return &EngineError{
		Code:  CodeAnalyzerUnavailable,
		What:  "trajectory analyzer unavailable",
		Cause: cause,
	}
}

// ErrInternal wraps an unexpected failure.
func ErrInternal(what string, cause error) *EngineError {
	return &EngineError{
		Code:  CodeInternal,
		What:  what,
		Cause: cause,
	}
}

// AsEngineError attempts to convert an error to an EngineError.
// Returns nil if the error is not one.
func AsEngineError(err error) *EngineError {
	var ee *EngineError
	if stderrors.As(err, &ee) {
		return ee
	}
	return nil
}

// CodeOf returns the code of err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	if ee := AsEngineError(err); ee != nil {
		return ee.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsTransient reports whether the error kind is retryable at the task level.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeLockUnavailable, CodeAgentUnreachable, CodeTimeout:
		return true
	default:
		return false
	}
}
