package orcherrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTypeString(t *testing.T) {
	cases := map[ErrorType]string{
		ErrorTypeAgent:         "agent",
		ErrorTypeInfra:         "infra",
		ErrorTypeCircuitOpen:   "circuit_open",
		ErrorTypeChaosInjected: "chaos_injected",
		ErrorTypeValidation:    "validation",
	}
	for et, want := range cases {
		assert.Equal(t, want, et.String())
	}
}

func TestRetryability(t *testing.T) {
	assert.True(t, NewError(ErrorTypeInfra, "queue down").IsRetryable())
	assert.False(t, NewError(ErrorTypeAgent, "bad patch").IsRetryable())
	assert.False(t, NewError(ErrorTypeCircuitOpen, "shedding").IsRetryable())
	assert.False(t, NewError(ErrorTypeValidation, "no spec id").IsRetryable())
}

func TestUnwrapAndClassify(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewErrorWithCause(ErrorTypeInfra, cause, "store unavailable")

	assert.ErrorIs(t, err, cause)
	assert.True(t, Is(err, ErrorTypeInfra))
	assert.Equal(t, ErrorTypeInfra, TypeOf(err))

	wrapped := fmt.Errorf("iteration 2: %w", err)
	assert.Equal(t, ErrorTypeInfra, TypeOf(wrapped))

	// Unclassified errors default to the agent class.
	assert.Equal(t, ErrorTypeAgent, TypeOf(errors.New("plain")))
}

func TestStageError(t *testing.T) {
	err := NewStageError(ErrorTypeAgent, "build", "compile failed")
	assert.Contains(t, err.Error(), "build")
	assert.Contains(t, err.Error(), "compile failed")
}

func TestRetryConfigLookup(t *testing.T) {
	cfg := NewError(ErrorTypeInfra, "x").GetRetryConfig()
	assert.Equal(t, DefaultInfraRetries, cfg.MaxRetries)
	assert.True(t, cfg.Jitter)

	cfg = NewError(ErrorTypeValidation, "x").GetRetryConfig()
	assert.Equal(t, 0, cfg.MaxRetries)
}
