// Package proto defines the shared domain types exchanged between the
// orchestrator, evaluation harness, chaos engine, and boundary API.
package proto

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a build-and-evaluate run.
type RunStatus string

const (
	// RunPending means the run has been created and enqueued but not picked up.
	RunPending RunStatus = "PENDING"
	// RunRunning means a worker is executing the run's iteration loop.
	RunRunning RunStatus = "RUNNING"
	// RunSucceeded means an evaluation passed within the iteration bound.
	RunSucceeded RunStatus = "SUCCEEDED"
	// RunFailed means the iteration bound was exhausted or an unrecoverable error occurred.
	RunFailed RunStatus = "FAILED"
	// RunCanceled means cancellation was requested before a terminal evaluation.
	RunCanceled RunStatus = "CANCELED"
)

// validRunTransitions is the authoritative transition table for runs.
// Terminal states have no outgoing edges.
var validRunTransitions = map[RunStatus][]RunStatus{
	RunPending: {RunRunning, RunCanceled},
	RunRunning: {RunSucceeded, RunFailed, RunCanceled},
}

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	case RunPending, RunRunning:
		return false
	default:
		return false
	}
}

// IsValid reports whether the status is a known run status.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunPending, RunRunning, RunSucceeded, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// ValidateRunTransition returns an error unless from -> to is an edge in the
// run state machine.
func ValidateRunTransition(from, to RunStatus) error {
	for _, next := range validRunTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid run transition %s -> %s", from, to)
}

// Run is one bounded attempt to build and evaluate a system from a spec/plan.
// Identity fields are immutable; Status and Iteration are mutated only by the
// orchestrator.
type Run struct {
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	SpecID        string     `json:"spec_id"`
	PlanID        string     `json:"plan_id,omitempty"`
	Status        RunStatus  `json:"status"`
	ErrorCode     string     `json:"error_code,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	Iteration     int        `json:"iteration"`
	MaxIterations int        `json:"max_iterations"`
	Hardened      bool       `json:"hardened"`
}

// NewRunID generates a new run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// BuildSpec is the caller-supplied description of the system to build. The
// orchestrator treats it as opaque apart from the fields that drive golden
// task selection.
type BuildSpec struct {
	ID           string         `json:"id"`
	Domain       string         `json:"domain"`
	Integrations []string       `json:"integrations,omitempty"`
	AI           AISpec         `json:"ai,omitempty"`
	Requirements string         `json:"requirements,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AISpec captures the AI feature flags of a build spec.
type AISpec struct {
	Copilots bool `json:"copilots,omitempty"`
	RAG      bool `json:"rag,omitempty"`
}

// Artifacts is the output of one build pass of the agent pipeline, keyed by
// artifact path or logical name.
type Artifacts map[string]string

// StepEvent is one entry in a run's timeline: a pipeline stage execution, an
// evaluation, or a chaos event reference.
type StepEvent struct {
	At        time.Time      `json:"at"`
	RunID     string         `json:"run_id"`
	Kind      string         `json:"kind"`
	StepID    string         `json:"step_id,omitempty"`
	Iteration int            `json:"iteration"`
	Detail    map[string]any `json:"detail,omitempty"`
}
