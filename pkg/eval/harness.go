package eval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"metabuilder/pkg/logx"
	"metabuilder/pkg/proto"
)

// DefaultPassThreshold is the score at or above which an evaluation passes.
const DefaultPassThreshold = 80.0

// taskPassThreshold is the per-task pass score.
const taskPassThreshold = 80.0

// ReportSink persists evaluation reports and audit events. Satisfied by
// *persistence.Store; nil disables persistence.
type ReportSink interface {
	SaveEvaluationReport(ctx context.Context, result *proto.EvaluationResult) error
	AppendAuditEvent(ctx context.Context, event *proto.AuditEvent) error
}

// Harness evaluates produced artifacts against the golden task library.
// Evaluation never mutates the spec or artifacts and is deterministic given
// identical inputs and a fixed task selection.
type Harness struct {
	library       *Library
	sink          ReportSink
	logger        *logx.Logger
	passThreshold float64
	now           func() time.Time
}

// NewHarness creates an evaluation harness. A passThreshold of 0 uses the
// default of 80.
func NewHarness(library *Library, sink ReportSink, passThreshold float64) *Harness {
	if passThreshold <= 0 {
		passThreshold = DefaultPassThreshold
	}
	return &Harness{
		library:       library,
		sink:          sink,
		logger:        logx.NewLogger("eval"),
		passThreshold: passThreshold,
		now:           time.Now,
	}
}

// Evaluate runs the selected golden tasks against the artifacts and returns
// the aggregated result. The report is persisted and an audit event emitted
// when a sink is configured.
func (h *Harness) Evaluate(ctx context.Context, runID string, iteration int, spec *proto.BuildSpec, artifacts proto.Artifacts, acceptanceCriteria []string) (*proto.EvaluationResult, error) {
	start := h.now()

	tasks := h.library.SelectTasks(spec)
	if len(acceptanceCriteria) > 0 {
		tasks = append(tasks, acceptanceTask(acceptanceCriteria))
	}

	result := &proto.EvaluationResult{
		RunID:     runID,
		Iteration: iteration,
		Timestamp: start,
		Tasks:     make([]proto.TaskResult, 0, len(tasks)),
	}

	var weightSum, weightedScoreSum float64
	for i := range tasks {
		task := &tasks[i]
		taskResult := h.executeTask(ctx, task, artifacts)
		result.Tasks = append(result.Tasks, taskResult)

		weight := task.EffectiveWeight()
		weightSum += weight
		weightedScoreSum += weight * taskResult.Score
	}

	if weightSum > 0 {
		result.OverallScore = weightedScoreSum / weightSum
	}
	result.Passed = result.OverallScore >= h.passThreshold
	result.DurationMS = h.now().Sub(start).Milliseconds()
	result.Summary = h.summarize(result)
	result.Recommendations = h.recommend(result)

	h.logger.Info("run %s iteration %d scored %.1f (passed=%t, %d tasks)",
		runID, iteration, result.OverallScore, result.Passed, len(result.Tasks))

	if h.sink != nil {
		if err := h.sink.SaveEvaluationReport(ctx, result); err != nil {
			return nil, fmt.Errorf("failed to persist evaluation report: %w", err)
		}
		audit := &proto.AuditEvent{
			At:         h.now(),
			RunID:      runID,
			Kind:       "evaluation",
			Iteration:  iteration,
			Score:      result.OverallScore,
			Passed:     result.Passed,
			TasksCount: len(result.Tasks),
		}
		if err := h.sink.AppendAuditEvent(ctx, audit); err != nil {
			return nil, fmt.Errorf("failed to append evaluation audit event: %w", err)
		}
	}
	return result, nil
}

// executeTask runs a task's steps in order. A step failure never aborts the
// remaining steps; a panicking step is recorded as a failed assertion.
func (h *Harness) executeTask(ctx context.Context, task *GoldenTask, artifacts proto.Artifacts) proto.TaskResult {
	start := h.now()
	taskResult := proto.TaskResult{
		TaskID:     task.ID,
		Category:   task.Category,
		Assertions: make([]proto.AssertionResult, 0, len(task.Steps)),
	}

	passed := 0
	for i := range task.Steps {
		assertion := h.executeStep(ctx, &task.Steps[i], artifacts)
		if assertion.Passed {
			passed++
		} else if taskResult.ErrorMessage == "" && assertion.ErrorMessage != "" {
			taskResult.ErrorMessage = assertion.ErrorMessage
		}
		taskResult.Assertions = append(taskResult.Assertions, assertion)
	}

	if len(taskResult.Assertions) > 0 {
		taskResult.Score = 100 * float64(passed) / float64(len(taskResult.Assertions))
	}
	taskResult.Passed = taskResult.Score >= taskPassThreshold
	taskResult.DurationMS = h.now().Sub(start).Milliseconds()
	return taskResult
}

// executeStep dispatches one typed step and yields exactly one assertion.
func (h *Harness) executeStep(_ context.Context, step *GoldenStep, artifacts proto.Artifacts) (assertion proto.AssertionResult) {
	start := h.now()
	assertion = proto.AssertionResult{
		Name:     step.Name,
		Expected: step.Expect,
	}
	defer func() {
		if r := recover(); r != nil {
			assertion.Passed = false
			assertion.ErrorMessage = fmt.Sprintf("step panicked: %v", r)
			assertion.Actual = "step execution aborted"
		}
		assertion.DurationMS = h.now().Sub(start).Milliseconds()
	}()

	switch step.Type {
	case StepHTTPRequest, StepDatabase, StepUI, StepAnalytics, StepRBAC, StepGeneric:
		found, where := findInArtifacts(artifacts, step.Target)
		if found {
			assertion.Actual = fmt.Sprintf("matched in %s", where)
		} else {
			assertion.Actual = fmt.Sprintf("no artifact matches %q", step.Target)
		}
		if step.Negate {
			assertion.Passed = !found
		} else {
			assertion.Passed = found
		}
	default:
		assertion.Passed = false
		assertion.ErrorMessage = fmt.Sprintf("unknown step type %q", step.Type)
		assertion.Actual = "step not executed"
	}
	return assertion
}

// findInArtifacts reports whether any artifact contains the marker,
// case-insensitively, and names the first match.
func findInArtifacts(artifacts proto.Artifacts, marker string) (bool, string) {
	lower := strings.ToLower(marker)
	for name, content := range artifacts {
		if strings.Contains(strings.ToLower(content), lower) {
			return true, name
		}
	}
	return false, ""
}

func acceptanceTask(criteria []string) GoldenTask {
	steps := make([]GoldenStep, 0, len(criteria))
	for i, criterion := range criteria {
		steps = append(steps, GoldenStep{
			Name:   fmt.Sprintf("acceptance criterion %d", i+1),
			Type:   StepGeneric,
			Target: criterion,
			Expect: criterion,
		})
	}
	return GoldenTask{ID: "acceptance-criteria", Category: "acceptance", Steps: steps}
}

func (h *Harness) summarize(result *proto.EvaluationResult) string {
	failed := 0
	for i := range result.Tasks {
		if !result.Tasks[i].Passed {
			failed++
		}
	}
	return fmt.Sprintf("%d/%d tasks passed, overall score %.1f",
		len(result.Tasks)-failed, len(result.Tasks), result.OverallScore)
}

func (h *Harness) recommend(result *proto.EvaluationResult) []string {
	var recs []string
	for i := range result.Tasks {
		task := &result.Tasks[i]
		if task.Passed {
			continue
		}
		for j := range task.Assertions {
			if !task.Assertions[j].Passed {
				recs = append(recs, fmt.Sprintf("%s: %s", task.TaskID, task.Assertions[j].Expected))
			}
		}
	}
	return recs
}
