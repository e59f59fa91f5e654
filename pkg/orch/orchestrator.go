// Package orch owns the Run state machine: it sequences the agent pipeline,
// hands artifacts to the evaluation harness, decides whether to fix and
// iterate or stop, and is the only component that mutates Run state.
package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"metabuilder/pkg/agent"
	"metabuilder/pkg/breaker"
	"metabuilder/pkg/chaos"
	"metabuilder/pkg/config"
	"metabuilder/pkg/dispatch"
	"metabuilder/pkg/logx"
	"metabuilder/pkg/metrics"
	"metabuilder/pkg/orcherrors"
	"metabuilder/pkg/persistence"
	"metabuilder/pkg/proto"
	"metabuilder/pkg/replay"
)

const circuitOpenCode = "CIRCUIT_OPEN"

// Evaluator scores artifacts against the golden task library. Satisfied by
// *eval.Harness.
type Evaluator interface {
	Evaluate(ctx context.Context, runID string, iteration int, spec *proto.BuildSpec, artifacts proto.Artifacts, acceptanceCriteria []string) (*proto.EvaluationResult, error)
}

// StartRunRequest carries everything needed to create a run.
type StartRunRequest struct {
	TenantID           string
	Spec               *proto.BuildSpec
	PlanID             string
	MaxIterations      int
	AcceptanceCriteria []string
	Hardened           bool
}

// RunDetail is the full view of a run: the record plus its evaluation
// history and replay bundle reference.
type RunDetail struct {
	Run         *proto.Run                `json:"run"`
	Evaluations []*proto.EvaluationResult `json:"evaluations"`
	BundleID    string                    `json:"bundle_id,omitempty"`
}

// runHandle is the orchestrator's in-memory state for a live run.
type runHandle struct {
	spec     *proto.BuildSpec
	criteria []string
	planID   string
	canceled atomic.Bool
	hardened atomic.Bool
}

// Orchestrator sequences runs through plan, build, evaluate, fix, and review.
type Orchestrator struct {
	cfg        config.OrchestratorConfig
	store      *persistence.Store
	pipeline   *agent.Pipeline
	evaluator  Evaluator
	chaos      *chaos.Engine
	breakers   *breaker.Registry
	dispatcher *dispatch.Dispatcher
	recorder   *replay.Recorder
	metrics    *metrics.Recorder
	logger     *logx.Logger

	mu      sync.Mutex
	handles map[string]*runHandle
}

// NewOrchestrator wires the orchestrator. The metrics recorder may be nil.
func NewOrchestrator(
	cfg config.OrchestratorConfig,
	store *persistence.Store,
	pipeline *agent.Pipeline,
	evaluator Evaluator,
	chaosEngine *chaos.Engine,
	breakers *breaker.Registry,
	dispatcher *dispatch.Dispatcher,
	recorder *replay.Recorder,
	rec *metrics.Recorder,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		pipeline:   pipeline,
		evaluator:  evaluator,
		chaos:      chaosEngine,
		breakers:   breakers,
		dispatcher: dispatcher,
		recorder:   recorder,
		metrics:    rec,
		logger:     logx.NewLogger("orch"),
		handles:    make(map[string]*runHandle),
	}
}

// StartRun creates a run in PENDING and enqueues it for execution.
func (o *Orchestrator) StartRun(ctx context.Context, req StartRunRequest) (*proto.Run, error) {
	if req.TenantID == "" {
		return nil, orcherrors.NewError(orcherrors.ErrorTypeValidation, "tenant_id is required")
	}
	if req.Spec == nil || req.Spec.ID == "" {
		return nil, orcherrors.NewError(orcherrors.ErrorTypeValidation, "spec with an id is required")
	}
	if req.MaxIterations < 0 {
		return nil, orcherrors.NewError(orcherrors.ErrorTypeValidation, "max_iterations must be at least 1")
	}
	maxIterations := req.MaxIterations
	if maxIterations == 0 {
		maxIterations = o.cfg.DefaultMaxIterations
	}

	run := &proto.Run{
		ID:            proto.NewRunID(),
		TenantID:      req.TenantID,
		SpecID:        req.Spec.ID,
		PlanID:        req.PlanID,
		Status:        proto.RunPending,
		MaxIterations: maxIterations,
		Hardened:      req.Hardened,
		CreatedAt:     time.Now().UTC(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, orcherrors.NewErrorWithCause(orcherrors.ErrorTypeInfra, err, "failed to persist run")
	}

	handle := &runHandle{spec: req.Spec, criteria: req.AcceptanceCriteria, planID: req.PlanID}
	handle.hardened.Store(req.Hardened)
	o.mu.Lock()
	o.handles[run.ID] = handle
	o.mu.Unlock()

	if err := o.enqueueRun(run); err != nil {
		o.failRunImmediately(ctx, run, orcherrors.CodeInfraError, err.Error())
		return nil, orcherrors.NewErrorWithCause(orcherrors.ErrorTypeInfra, err, "failed to enqueue run")
	}
	o.logger.Info("run %s started for tenant %s (spec %s, max %d iterations)",
		run.ID, run.TenantID, run.SpecID, run.MaxIterations)
	return run, nil
}

func (o *Orchestrator) enqueueRun(run *proto.Run) error {
	runID := run.ID
	return o.dispatcher.Enqueue(&dispatch.Job{
		RunID:    runID,
		TenantID: run.TenantID,
		Fn: func(ctx context.Context) error {
			return o.executeRun(ctx, runID)
		},
		OnDrop: func(err error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if current, getErr := o.store.GetRun(ctx, runID); getErr == nil && !current.Status.IsTerminal() {
				o.failRunImmediately(ctx, current, orcherrors.CodeInfraError, err.Error())
			}
		},
	})
}

// GetRun returns a run with its evaluation history and bundle reference.
// Read-only: repeated calls without intervening writes return identical data.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*RunDetail, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	evals, err := o.store.ListEvaluationReports(ctx, runID)
	if err != nil {
		return nil, err
	}
	detail := &RunDetail{Run: run, Evaluations: evals}
	if bundle, err := o.recorder.Bundle(ctx, runID); err == nil {
		detail.BundleID = bundle.BundleID
	}
	return detail, nil
}

// Timeline returns the run's ordered step, evaluation, and chaos events.
func (o *Orchestrator) Timeline(ctx context.Context, runID string) ([]*proto.StepEvent, error) {
	if _, err := o.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return o.store.ListStepEvents(ctx, runID)
}

// CancelRun requests cancellation. Returns true if the run was PENDING or
// RUNNING; false (no-op) if already terminal. A queued run is canceled
// immediately; a running one stops cooperatively at the next step boundary
// and discards in-flight results.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) (bool, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status.IsTerminal() {
		return false, nil
	}

	o.mu.Lock()
	handle := o.handles[runID]
	o.mu.Unlock()
	if handle != nil {
		handle.canceled.Store(true)
	}

	if run.Status == proto.RunPending {
		o.finalizeRun(ctx, run, proto.RunCanceled, "", "canceled before execution", nil)
	}
	o.logger.Info("cancellation requested for run %s (status %s)", runID, run.Status)
	return true, nil
}

// PromoteRun re-routes a run onto the hardened (chaos and breaker aware)
// execution path. Fails if the run is already terminal.
func (o *Orchestrator) PromoteRun(ctx context.Context, runID, tenantID string) (*proto.Run, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && run.TenantID != tenantID {
		return nil, orcherrors.NewError(orcherrors.ErrorTypeValidation, "run belongs to a different tenant")
	}
	if run.Status.IsTerminal() {
		return nil, orcherrors.NewError(orcherrors.ErrorTypeValidation,
			fmt.Sprintf("run %s is already %s", runID, run.Status))
	}

	// Conditional update: a worker may finalize the run between the read
	// above and this write, and a terminal run must stay terminal.
	promoted, err := o.store.SetRunHardened(ctx, runID)
	if err != nil {
		return nil, orcherrors.NewErrorWithCause(orcherrors.ErrorTypeInfra, err, "failed to promote run")
	}
	if !promoted {
		current, getErr := o.store.GetRun(ctx, runID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, orcherrors.NewError(orcherrors.ErrorTypeValidation,
			fmt.Sprintf("run %s is already %s", runID, current.Status))
	}

	o.mu.Lock()
	if handle := o.handles[runID]; handle != nil {
		handle.hardened.Store(true)
	}
	o.mu.Unlock()
	o.logger.Info("run %s promoted to the hardened path", runID)
	return o.store.GetRun(ctx, runID)
}

// executeRun is the per-run job body: the bounded build-evaluate-fix loop.
func (o *Orchestrator) executeRun(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}

	o.mu.Lock()
	handle := o.handles[runID]
	o.mu.Unlock()
	if handle == nil {
		o.failRunImmediately(ctx, run, orcherrors.CodeInfraError, "run state lost before execution")
		return fmt.Errorf("no handle for run %s", runID)
	}

	now := time.Now().UTC()
	run.Status = proto.RunRunning
	run.StartedAt = &now
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	if handle.planID == "" {
		if err := o.derivePlan(ctx, run, handle); err != nil {
			o.finalizeFromError(ctx, run, handle, err)
			return nil
		}
	}

	pipelineCtx := map[string]any{
		"spec_id":   run.SpecID,
		"plan_id":   handle.planID,
		"domain":    handle.spec.Domain,
		"tenant_id": run.TenantID,
	}

	var lastEval *proto.EvaluationResult
	for {
		// A mid-flight promotion flips the handle; keep the persisted flag
		// in step so progress writes never undo it.
		run.Hardened = handle.hardened.Load()
		if handle.canceled.Load() {
			o.finalizeRun(ctx, run, proto.RunCanceled, "", "canceled by caller", lastEval)
			return nil
		}

		result, err := o.runIteration(ctx, run, handle, pipelineCtx)
		if handle.canceled.Load() {
			// In-flight results are discarded once canceled.
			o.finalizeRun(ctx, run, proto.RunCanceled, "", "canceled by caller", lastEval)
			return nil
		}
		if err != nil {
			switch orcherrors.TypeOf(err) {
			case orcherrors.ErrorTypeAgent:
				if run.Iteration+1 < run.MaxIterations {
					if fixErr := o.invokeFixer(ctx, run, handle, pipelineCtx, nil, err.Error()); fixErr != nil {
						o.finalizeFromError(ctx, run, handle, fixErr)
						return nil
					}
					run.Iteration++
					if err := o.persistProgress(ctx, run); err != nil {
						o.finalizeFromError(ctx, run, handle, err)
						return nil
					}
					continue
				}
				run.Iteration = run.MaxIterations
				o.finalizeRun(ctx, run, proto.RunFailed, orcherrors.CodeAgentError, err.Error(), lastEval)
			default:
				o.finalizeFromError(ctx, run, handle, err)
			}
			return nil
		}
		lastEval = result

		if result.Passed {
			o.reviewRun(ctx, run, handle, pipelineCtx, result)
			o.finalizeRun(ctx, run, proto.RunSucceeded, "", "", result)
			return nil
		}
		if run.Iteration+1 < run.MaxIterations {
			if fixErr := o.invokeFixer(ctx, run, handle, pipelineCtx, result, ""); fixErr != nil {
				o.finalizeFromError(ctx, run, handle, fixErr)
				return nil
			}
			run.Iteration++
			if err := o.persistProgress(ctx, run); err != nil {
				o.finalizeFromError(ctx, run, handle, err)
				return nil
			}
			continue
		}
		run.Iteration = run.MaxIterations
		o.finalizeRun(ctx, run, proto.RunFailed, "",
			fmt.Sprintf("evaluation score %.1f below pass threshold after %d iterations",
				result.OverallScore, run.MaxIterations), result)
		return nil
	}
}

// runIteration executes one build pass and its evaluation under the
// iteration's soft deadline.
func (o *Orchestrator) runIteration(ctx context.Context, run *proto.Run, handle *runHandle, pipelineCtx map[string]any) (*proto.EvaluationResult, error) {
	iterCtx := ctx
	if o.cfg.IterationTimeout > 0 {
		var cancel context.CancelFunc
		iterCtx, cancel = context.WithTimeout(ctx, o.cfg.IterationTimeout)
		defer cancel()
	}
	start := time.Now()

	artifacts, err := o.buildArtifacts(iterCtx, run, handle, pipelineCtx)
	if err != nil {
		o.observeIteration(run, "build_failed", start)
		return nil, deadlineToInfra(iterCtx, err)
	}
	if handle.canceled.Load() {
		return nil, nil
	}

	var result *proto.EvaluationResult
	evalCall := func(callCtx context.Context) error {
		var evalErr error
		result, evalErr = o.evaluator.Evaluate(callCtx, run.ID, run.Iteration, handle.spec, artifacts, handle.criteria)
		return evalErr
	}
	err = withRetry(iterCtx, o.logger, func(callCtx context.Context) error {
		return o.breakers.For(proto.FailureClassEval, run.TenantID).Call(callCtx, evalCall)
	})
	if err != nil {
		o.observeIteration(run, "eval_failed", start)
		return nil, deadlineToInfra(iterCtx, err)
	}

	o.appendStepEvent(ctx, run, "evaluation", fmt.Sprintf("evaluate-%d", run.Iteration), map[string]any{
		"score":  result.OverallScore,
		"passed": result.Passed,
		"tasks":  len(result.Tasks),
	})
	if o.metrics != nil {
		o.metrics.ObserveEvaluation(run.TenantID, result.OverallScore)
	}
	outcome := "failed"
	if result.Passed {
		outcome = "passed"
	}
	o.observeIteration(run, outcome, start)
	return result, nil
}

// buildArtifacts runs the build-side pipeline stages in order and merges
// their artifact outputs. The compliance stage runs only on the hardened
// path.
func (o *Orchestrator) buildArtifacts(ctx context.Context, run *proto.Run, handle *runHandle, pipelineCtx map[string]any) (proto.Artifacts, error) {
	stages := []proto.PipelineStage{proto.StageDesign, proto.StageBuild}
	if handle.hardened.Load() {
		stages = []proto.PipelineStage{proto.StageDesign, proto.StageCompliance, proto.StageBuild}
	}

	artifacts := proto.Artifacts{}
	for _, stage := range stages {
		if handle.canceled.Load() {
			return nil, nil
		}
		result, err := o.executeStage(ctx, run, handle, stage, pipelineCtx)
		if err != nil {
			return nil, err
		}
		merged := artifactsFromResult(result)
		for name, content := range merged {
			artifacts[name] = content
		}
		pipelineCtx[stage.String()+"_output"] = result
	}

	if len(artifacts) > 0 {
		if diff, err := json.Marshal(artifacts); err == nil {
			_ = o.recorder.RecordDiff(run.ID, proto.StageBuild.String(), string(diff), run.Iteration)
		}
	}
	return artifacts, nil
}

// executeStage runs one agent stage: chaos gate, breaker gate, infra retry,
// replay capture, and a timeline event. Chaos faults enter the exact same
// retry and breaker machinery as real failures.
func (o *Orchestrator) executeStage(ctx context.Context, run *proto.Run, handle *runHandle, stage proto.PipelineStage, pipelineCtx map[string]any) (map[string]any, error) {
	ag, err := o.pipeline.ForStage(stage)
	if err != nil {
		return nil, orcherrors.NewErrorWithCause(orcherrors.ErrorTypeValidation, err, "unroutable pipeline stage")
	}
	stepID := fmt.Sprintf("%s-%d", stage, run.Iteration)

	var chaosEvent *proto.ChaosEvent
	var chaosErr error
	if o.chaos != nil && o.chaos.ShouldInjectChaos(run.ID, stepID) {
		chaosEvent, chaosErr = o.chaos.InjectChaos(ctx, run.ID, stepID)
	}

	params := map[string]any{
		"run_id":    run.ID,
		"iteration": run.Iteration,
		"context":   pipelineCtx,
	}

	var result map[string]any
	faultPending := chaosErr != nil
	call := func(callCtx context.Context) error {
		if faultPending {
			faultPending = false
			return chaosErr
		}
		var execErr error
		result, execErr = ag.Execute(callCtx, stage.String(), params)
		return execErr
	}

	err = withRetry(ctx, o.logger, func(callCtx context.Context) error {
		return o.breakers.For(proto.FailureClassAgent, run.TenantID).Call(callCtx, call)
	})
	err = deadlineToInfra(ctx, err)

	if chaosEvent != nil {
		if resolveErr := o.chaos.ResolveChaos(ctx, chaosEvent.EventID, err == nil); resolveErr != nil {
			o.logger.Warn("failed to resolve chaos event %s: %v", chaosEvent.EventID, resolveErr)
		}
		if o.metrics != nil {
			o.metrics.ObserveChaosEvent(string(chaosEvent.ChaosType), err == nil)
		}
	}

	detail := map[string]any{"stage": stage.String(), "status": "ok"}
	if err != nil {
		detail["status"] = "failed"
		detail["error"] = err.Error()
	}
	o.appendStepEvent(ctx, run, "stage", stepID, detail)

	paramsJSON, _ := json.Marshal(params)
	resultJSON, _ := json.Marshal(result)
	_ = o.recorder.RecordToolIO(run.ID, stage.String(), string(paramsJSON), string(resultJSON), run.Iteration)

	if err != nil {
		return nil, err
	}
	return result, nil
}

// derivePlan invokes the planning stage when the caller supplied no plan.
func (o *Orchestrator) derivePlan(ctx context.Context, run *proto.Run, handle *runHandle) error {
	result, err := o.executeStage(ctx, run, handle, proto.StagePlan, map[string]any{
		"spec_id":      run.SpecID,
		"requirements": handle.spec.Requirements,
	})
	if err != nil {
		return err
	}
	planID, _ := result["plan_id"].(string)
	if planID == "" {
		planID = "plan-" + run.ID
	}
	handle.planID = planID
	run.PlanID = planID
	return o.persistProgress(ctx, run)
}

// invokeFixer hands the failure report to the auto-fixer agent.
func (o *Orchestrator) invokeFixer(ctx context.Context, run *proto.Run, handle *runHandle, pipelineCtx map[string]any, eval *proto.EvaluationResult, failure string) error {
	fixCtx := map[string]any{}
	for k, v := range pipelineCtx {
		fixCtx[k] = v
	}
	if eval != nil {
		fixCtx["score"] = eval.OverallScore
		fixCtx["summary"] = eval.Summary
		fixCtx["recommendations"] = eval.Recommendations
	}
	if failure != "" {
		fixCtx["failure"] = failure
	}
	_, err := o.executeStage(ctx, run, handle, proto.StageFix, fixCtx)
	return err
}

// reviewRun runs the final review stage on a passing build. Review findings
// never fail a run that already passed evaluation; they are recorded to the
// timeline.
func (o *Orchestrator) reviewRun(ctx context.Context, run *proto.Run, handle *runHandle, pipelineCtx map[string]any, eval *proto.EvaluationResult) {
	reviewCtx := map[string]any{"score": eval.OverallScore}
	for k, v := range pipelineCtx {
		reviewCtx[k] = v
	}
	if _, err := o.executeStage(ctx, run, handle, proto.StageReview, reviewCtx); err != nil {
		o.logger.Warn("review stage failed for run %s: %v", run.ID, err)
	}
}

// finalizeFromError maps a classified error to the run's terminal record.
func (o *Orchestrator) finalizeFromError(ctx context.Context, run *proto.Run, handle *runHandle, err error) {
	if handle.canceled.Load() {
		o.finalizeRun(ctx, run, proto.RunCanceled, "", "canceled by caller", nil)
		return
	}
	switch orcherrors.TypeOf(err) {
	case orcherrors.ErrorTypeValidation:
		o.finalizeRun(ctx, run, proto.RunFailed, orcherrors.CodeValidationError, err.Error(), nil)
	case orcherrors.ErrorTypeCircuitOpen:
		o.finalizeRun(ctx, run, proto.RunFailed, circuitOpenCode, err.Error(), nil)
	case orcherrors.ErrorTypeInfra:
		o.finalizeRun(ctx, run, proto.RunFailed, orcherrors.CodeInfraError, err.Error(), nil)
	default:
		o.finalizeRun(ctx, run, proto.RunFailed, orcherrors.CodeAgentError, err.Error(), nil)
	}
}

// finalizeRun moves a run to a terminal state, freezes its replay bundle,
// and appends the terminal audit event. A run another path already finalized
// is left untouched.
func (o *Orchestrator) finalizeRun(ctx context.Context, run *proto.Run, status proto.RunStatus, code, message string, lastEval *proto.EvaluationResult) {
	current, err := o.store.GetRun(ctx, run.ID)
	if err == nil {
		if current.Status.IsTerminal() {
			return
		}
		// A promotion may have landed after our snapshot was read.
		run.Hardened = run.Hardened || current.Hardened
	}
	from := run.Status
	if err := proto.ValidateRunTransition(from, status); err != nil {
		o.logger.Error("refusing terminal transition for run %s: %v", run.ID, err)
		return
	}

	now := time.Now().UTC()
	run.Status = status
	run.ErrorCode = code
	run.ErrorMessage = message
	run.CompletedAt = &now
	if err := o.store.UpdateRun(ctx, run); err != nil {
		o.logger.Error("failed to persist terminal state for run %s: %v", run.ID, err)
	}

	if err := o.recorder.Freeze(ctx, run.ID, status); err != nil {
		o.logger.Warn("failed to freeze replay bundle for run %s: %v", run.ID, err)
	}
	audit := &proto.AuditEvent{
		At:        now,
		RunID:     run.ID,
		Kind:      "terminal",
		Iteration: run.Iteration,
	}
	if lastEval != nil {
		audit.Score = lastEval.OverallScore
		audit.Passed = lastEval.Passed
		audit.TasksCount = len(lastEval.Tasks)
	}
	if err := o.store.AppendAuditEvent(ctx, audit); err != nil {
		o.logger.Warn("failed to append terminal audit event for run %s: %v", run.ID, err)
	}
	if o.metrics != nil {
		o.metrics.ObserveRunTerminal(run.TenantID, string(status))
	}

	o.mu.Lock()
	delete(o.handles, run.ID)
	o.mu.Unlock()
	o.recorder.Release(run.ID)

	o.logger.Info("run %s finished %s at iteration %d/%d%s",
		run.ID, status, run.Iteration, run.MaxIterations, errSuffix(code, message))
}

// failRunImmediately is the short path for runs that never got to execute.
func (o *Orchestrator) failRunImmediately(ctx context.Context, run *proto.Run, code, message string) {
	if run.Status == proto.RunPending {
		// PENDING has no edge to FAILED; pass through RUNNING first.
		run.Status = proto.RunRunning
		_ = o.store.UpdateRun(ctx, run)
	}
	o.finalizeRun(ctx, run, proto.RunFailed, code, message, nil)
}

func (o *Orchestrator) persistProgress(ctx context.Context, run *proto.Run) error {
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return orcherrors.NewErrorWithCause(orcherrors.ErrorTypeInfra, err, "failed to persist run progress")
	}
	return nil
}

func (o *Orchestrator) appendStepEvent(ctx context.Context, run *proto.Run, kind, stepID string, detail map[string]any) {
	event := &proto.StepEvent{
		At:        time.Now().UTC(),
		RunID:     run.ID,
		Kind:      kind,
		StepID:    stepID,
		Iteration: run.Iteration,
		Detail:    detail,
	}
	if err := o.store.AppendStepEvent(ctx, event); err != nil {
		o.logger.Warn("failed to append step event for run %s: %v", run.ID, err)
	}
}

func (o *Orchestrator) observeIteration(run *proto.Run, outcome string, start time.Time) {
	if o.metrics != nil {
		o.metrics.ObserveIteration(run.TenantID, outcome, time.Since(start))
	}
}

// artifactsFromResult extracts artifact content from an agent result. Agents
// return either an "artifacts" map or ad-hoc string fields.
func artifactsFromResult(result map[string]any) proto.Artifacts {
	artifacts := proto.Artifacts{}
	if result == nil {
		return artifacts
	}
	if raw, ok := result["artifacts"]; ok {
		switch typed := raw.(type) {
		case map[string]string:
			for name, content := range typed {
				artifacts[name] = content
			}
		case map[string]any:
			for name, content := range typed {
				if s, ok := content.(string); ok {
					artifacts[name] = s
				}
			}
		}
		return artifacts
	}
	for name, value := range result {
		if s, ok := value.(string); ok {
			artifacts[name] = s
		}
	}
	return artifacts
}

// deadlineToInfra reclassifies an iteration deadline hit as an infra error.
func deadlineToInfra(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || (ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		return orcherrors.NewErrorWithCause(orcherrors.ErrorTypeInfra, err, "iteration deadline exceeded")
	}
	return err
}

func errSuffix(code, message string) string {
	if code == "" && message == "" {
		return ""
	}
	return fmt.Sprintf(" (%s: %s)", code, message)
}
