package proto

import "time"

// EvaluationResult is the outcome of one evaluation pass within a run
// iteration. Immutable once persisted.
type EvaluationResult struct {
	Timestamp       time.Time    `json:"timestamp"`
	RunID           string       `json:"run_id"`
	Summary         string       `json:"summary"`
	Recommendations []string     `json:"recommendations,omitempty"`
	Tasks           []TaskResult `json:"tasks"`
	Iteration       int          `json:"iteration"`
	OverallScore    float64      `json:"overall_score"`
	DurationMS      int64        `json:"duration_ms"`
	Passed          bool         `json:"passed"`
}

// TaskResult is the outcome of one golden task.
type TaskResult struct {
	TaskID       string            `json:"task_id"`
	Category     string            `json:"category"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Assertions   []AssertionResult `json:"assertions"`
	Score        float64           `json:"score"`
	DurationMS   int64             `json:"duration_ms"`
	Passed       bool              `json:"passed"`
}

// AssertionResult is the outcome of one step assertion within a task.
type AssertionResult struct {
	Name         string `json:"name"`
	Expected     string `json:"expected"`
	Actual       string `json:"actual"`
	ErrorMessage string `json:"error_message,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
	Passed       bool   `json:"passed"`
}

// ConfidenceLevel classifies a blended confidence score.
type ConfidenceLevel string

const (
	ConfidenceLow       ConfidenceLevel = "LOW"
	ConfidenceMedium    ConfidenceLevel = "MEDIUM"
	ConfidenceHigh      ConfidenceLevel = "HIGH"
	ConfidenceExcellent ConfidenceLevel = "EXCELLENT"
)

// ConfidenceScore is the derived resilience/quality signal for a run.
type ConfidenceScore struct {
	RunID            string          `json:"run_id"`
	ConfidenceLevel  ConfidenceLevel `json:"confidence_level"`
	RiskSignals      []string        `json:"risk_signals,omitempty"`
	OverallScore     float64         `json:"overall_score"`
	TestPassRate     float64         `json:"test_pass_rate"`
	LintScore        float64         `json:"lint_score"`
	SecurityScore    float64         `json:"security_score"`
	PerformanceScore float64         `json:"performance_score"`
}

// AuditEvent records one evaluation or terminal transition for the timeline.
type AuditEvent struct {
	At         time.Time `json:"at"`
	RunID      string    `json:"run_id"`
	Kind       string    `json:"kind"`
	Iteration  int       `json:"iteration"`
	Score      float64   `json:"score"`
	TasksCount int       `json:"tasks_count"`
	Passed     bool      `json:"passed"`
}
