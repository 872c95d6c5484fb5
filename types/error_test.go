package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Error formatting and unwrapping
// ---------------------------------------------------------------------------

func TestError_Error(t *testing.T) {
	err := NewError(ErrNotFound, "workflow not found")
	assert.Equal(t, "[NOT_FOUND] workflow not found", err.Error())

	cause := errors.New("connection refused")
	err = NewBackendError("language_model", "request failed").WithCause(cause)
	assert.Equal(t, "[BACKEND_ERROR] request failed: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestError_Builders(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(ErrPersistence, "write failed").
		WithCause(cause).
		WithHTTPStatus(500).
		WithRetryable(true).
		WithBackend("state_store")

	assert.Equal(t, ErrPersistence, err.Code)
	assert.Equal(t, 500, err.HTTPStatus)
	assert.True(t, err.Retryable)
	assert.Equal(t, "state_store", err.Backend)
	assert.Same(t, cause, err.Unwrap())
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewBackendError("fetch", "timeout")))
	assert.False(t, IsRetryable(NewNotFoundError("gone")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestGetErrorCode_Wrapped(t *testing.T) {
	inner := NewError(ErrCircuitOpen, "breaker open")
	wrapped := fmt.Errorf("call language model: %w", inner)

	assert.Equal(t, ErrCircuitOpen, GetErrorCode(wrapped))
	assert.True(t, IsCode(wrapped, ErrCircuitOpen))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}

func TestIsStageError(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want bool
	}{
		{ErrStageUpstream, true},
		{ErrStageMissingDependency, true},
		{ErrStageValidation, true},
		{ErrBackend, false},
		{ErrNotFound, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, IsStageError(NewError(tt.code, "x")))
		})
	}
}

func TestNewStageError(t *testing.T) {
	err := NewStageError(ErrStageMissingDependency, "research record missing")
	require.NotNil(t, err)
	assert.True(t, IsStageError(err))
	assert.False(t, err.Retryable)
}
