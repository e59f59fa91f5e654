// Package orcherrors provides structured error classification and retry
// configuration for the build orchestration pipeline.
package orcherrors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the categories of pipeline errors for retry logic.
type ErrorType int8

const (
	// ErrorTypeAgent represents a step-level agent failure. Retried only via
	// the fix-and-iterate loop, never by the step itself.
	ErrorTypeAgent ErrorType = iota
	// ErrorTypeInfra represents infrastructure failures (timeouts, queue or
	// store unavailability). Retried a small fixed number of times with
	// exponential backoff, then fails the run.
	ErrorTypeInfra
	// ErrorTypeCircuitOpen represents a load-shedding signal from an open
	// circuit breaker. Surfaced immediately, never retried by the caller.
	ErrorTypeCircuitOpen
	// ErrorTypeChaosInjected marks a synthetic fault from the chaos engine.
	// Recovery logic must not special-case it, so classifiers report it as
	// the agent or infra class it imitates; the tag exists only for the
	// chaos engine's own bookkeeping.
	ErrorTypeChaosInjected
	// ErrorTypeValidation represents a malformed spec or plan. Fails fast,
	// no retry.
	ErrorTypeValidation
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeAgent:
		return "agent"
	case ErrorTypeInfra:
		return "infra"
	case ErrorTypeCircuitOpen:
		return "circuit_open"
	case ErrorTypeChaosInjected:
		return "chaos_injected"
	case ErrorTypeValidation:
		return "validation"
	default:
		return "invalid"
	}
}

// Run error codes recorded on terminally failed runs.
const (
	CodeInfraError      = "INFRA_ERROR"
	CodeAgentError      = "AGENT_ERROR"
	CodeValidationError = "VALIDATION_ERROR"
)

// Default retry caps per error type.
const (
	DefaultInfraRetries      = 3
	DefaultAgentRetries      = 0 // retried via the fix-and-iterate loop only
	DefaultValidationRetries = 0
)

// RetryConfig defines exponential backoff configuration for an error type.
type RetryConfig struct {
	MaxRetries    int           // Maximum number of retry attempts
	InitialDelay  time.Duration // Initial delay for exponential backoff
	MaxDelay      time.Duration // Maximum delay between retries
	BackoffFactor float64       // Multiplier for exponential backoff
	Jitter        bool          // Add random jitter to prevent thundering herd
}

// DefaultRetryConfigs provides default retry configurations per error type.
//
//nolint:gochecknoglobals // Configuration map - acceptable for package defaults
var DefaultRetryConfigs = map[ErrorType]RetryConfig{
	ErrorTypeInfra: {
		MaxRetries:    DefaultInfraRetries,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeAgent: {
		MaxRetries:    DefaultAgentRetries,
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
	ErrorTypeCircuitOpen: {
		MaxRetries:    0, // surfaced immediately, the breaker owns recovery timing
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
	ErrorTypeValidation: {
		MaxRetries:    DefaultValidationRetries,
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
}

// Error represents a classified pipeline error.
type Error struct {
	Err     error     // Wrapped underlying error
	Message string    // Human-readable error message
	Type    ErrorType // Classified error type
	Stage   string    // Pipeline stage where the error occurred, if known
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s error at %s: %s", e.Type.String(), e.Stage, e.text())
	}
	return fmt.Sprintf("%s error: %s", e.Type.String(), e.text())
}

func (e *Error) text() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "unspecified"
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the step itself may retry this error.
// Agent errors go through the fix-and-iterate loop instead; validation
// errors and circuit-open signals are never retried.
func (e *Error) IsRetryable() bool {
	return e.Type == ErrorTypeInfra
}

// GetRetryConfig returns the retry configuration for this error type.
func (e *Error) GetRetryConfig() RetryConfig {
	if cfg, exists := DefaultRetryConfigs[e.Type]; exists {
		return cfg
	}
	return DefaultRetryConfigs[ErrorTypeInfra]
}

// Is checks if an error is of a specific classified type.
func Is(err error, errorType ErrorType) bool {
	var oErr *Error
	if errors.As(err, &oErr) {
		return oErr.Type == errorType
	}
	return false
}

// TypeOf returns the error type of an error. Unclassified errors are treated
// as agent errors: the safe default is to route them through the fix loop
// rather than burn infra retries.
func TypeOf(err error) ErrorType {
	var oErr *Error
	if errors.As(err, &oErr) {
		return oErr.Type
	}
	return ErrorTypeAgent
}

// NewError creates a new classified error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewErrorWithCause creates a new classified error wrapping another error.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// NewStageError creates a classified error tagged with the pipeline stage.
func NewStageError(errorType ErrorType, stage, message string) *Error {
	return &Error{Type: errorType, Stage: stage, Message: message}
}

// IsCircuitOpen checks whether the error is a circuit-open signal.
func IsCircuitOpen(err error) bool {
	return Is(err, ErrorTypeCircuitOpen)
}

// IsValidation checks whether the error is a fail-fast validation error.
func IsValidation(err error) bool {
	return Is(err, ErrorTypeValidation)
}
