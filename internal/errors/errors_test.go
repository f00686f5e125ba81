package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineError_Error(t *testing.T) {
	err := ErrInvalidInput("priority", "must be positive")
	assert.Equal(t, "invalid priority: must be positive", err.Error())

	wrapped := ErrInternal("save ticket", fmt.Errorf("disk full"))
	assert.Contains(t, wrapped.Error(), "disk full")
}

func TestEngineError_GateMissing(t *testing.T) {
	err := ErrGateNotSatisfied("implementation", []string{"missing expected output: result_submission", "task not completed: B"})
	assert.Equal(t, CodeGateNotSatisfied, err.Code)
	assert.Len(t, err.Missing, 2)
	assert.Contains(t, err.Error(), "result_submission")
}

func TestEngineError_Is(t *testing.T) {
	err := ErrNotFound("ticket", "T1")
	assert.True(t, stderrors.Is(err, &EngineError{Code: CodeNotFound}))
	assert.False(t, stderrors.Is(err, &EngineError{Code: CodeConflict}))
}

func TestEngineError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := ErrInternal("load", cause)
	assert.Equal(t, cause, stderrors.Unwrap(err))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeLockUnavailable, CodeOf(ErrLockUnavailable("repo:main", 5)))
	assert.Equal(t, CodeInternal, CodeOf(fmt.Errorf("plain")))

	// Wrapped engine errors are still recognized.
	wrapped := fmt.Errorf("acquire: %w", ErrLockUnavailable("repo:main", 3))
	assert.Equal(t, CodeLockUnavailable, CodeOf(wrapped))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrLockUnavailable("k", 1)))
	assert.True(t, IsTransient(ErrAgentUnreachable("W1")))
	assert.True(t, IsTransient(ErrTimeout("task run")))
	assert.False(t, IsTransient(ErrInvalidInput("f", "r")))
	assert.False(t, IsTransient(ErrConflict("cycle", "A depends on itself")))
}

func TestCategory_HTTPStatus(t *testing.T) {
	assert.Equal(t, 404, ErrNotFound("task", "x").Category().HTTPStatus())
	assert.Equal(t, 409, ErrConflict("dup", "").Category().HTTPStatus())
	assert.Equal(t, 400, ErrInvalidInput("f", "r").Category().HTTPStatus())
	assert.Equal(t, 503, ErrLockUnavailable("k", 1).Category().HTTPStatus())
	assert.Equal(t, 500, ErrInternal("x", nil).Category().HTTPStatus())
}
