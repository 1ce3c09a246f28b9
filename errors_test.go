package autotest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuntimeError(t *testing.T) {
	inner := fmt.Errorf("socket gone")
	err := NewRuntimeError(inner)
	assert.True(t, IsRuntimeError(err))
	assert.True(t, IsRuntimeError(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsRuntimeError(inner))
	assert.False(t, IsRuntimeError(nil))
	assert.ErrorIs(t, err, inner)
}

func TestTestFailureError(t *testing.T) {
	err := NewTestFailureError("test schedule failed")
	assert.True(t, IsTestFailureError(err))
	assert.True(t, IsTestFailureError(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsTestFailureError(nil))
	assert.False(t, IsRuntimeError(err))
	assert.Contains(t, err.Error(), "test schedule failed")
}
