package proto

import "fmt"

// AgentRole identifies a concrete agent variant in the build pipeline.
type AgentRole int

// Pipeline agent variants. The orchestrator holds an injected Agent per role;
// roles are never resolved by string lookup at call time.
const (
	RoleProductArchitect AgentRole = iota
	RoleSystemDesigner
	RoleSecurityCompliance
	RoleCodegenEngineer
	RoleQAEvaluator
	RoleAutoFixer
	RoleDevOps
	RoleReviewer
)

func (r AgentRole) String() string {
	switch r {
	case RoleProductArchitect:
		return "product_architect"
	case RoleSystemDesigner:
		return "system_designer"
	case RoleSecurityCompliance:
		return "security_compliance"
	case RoleCodegenEngineer:
		return "codegen_engineer"
	case RoleQAEvaluator:
		return "qa_evaluator"
	case RoleAutoFixer:
		return "auto_fixer"
	case RoleDevOps:
		return "devops"
	case RoleReviewer:
		return "reviewer"
	default:
		return "unknown"
	}
}

// PipelineStage is one sequenced step of a run iteration.
type PipelineStage int

// Stages executed in order during a build iteration. Plan runs only when the
// caller supplied no plan; Fix runs only after a failed evaluation.
const (
	StagePlan PipelineStage = iota
	StageDesign
	StageCompliance
	StageBuild
	StageEvaluate
	StageFix
	StageReview
)

func (s PipelineStage) String() string {
	switch s {
	case StagePlan:
		return "plan"
	case StageDesign:
		return "design"
	case StageCompliance:
		return "compliance"
	case StageBuild:
		return "build"
	case StageEvaluate:
		return "evaluate"
	case StageFix:
		return "fix"
	case StageReview:
		return "review"
	default:
		return "unknown"
	}
}

// RoleForStage maps a pipeline stage to the agent role that serves it.
// StageEvaluate is served by the evaluation harness, not an agent.
func RoleForStage(stage PipelineStage) (AgentRole, error) {
	switch stage {
	case StagePlan:
		return RoleProductArchitect, nil
	case StageDesign:
		return RoleSystemDesigner, nil
	case StageCompliance:
		return RoleSecurityCompliance, nil
	case StageBuild:
		return RoleCodegenEngineer, nil
	case StageFix:
		return RoleAutoFixer, nil
	case StageReview:
		return RoleReviewer, nil
	case StageEvaluate:
		return 0, fmt.Errorf("stage %s is not served by an agent", stage)
	default:
		return 0, fmt.Errorf("unknown pipeline stage %d", int(stage))
	}
}

// FailureClass groups errors for circuit-breaker accounting.
type FailureClass string

// Failure classes tracked by the breaker registry.
const (
	FailureClassAgent FailureClass = "agent"
	FailureClassInfra FailureClass = "infra"
	FailureClassEval  FailureClass = "eval"
	FailureClassStore FailureClass = "store"
)

// KnownFailureClasses lists every class the breaker registry pre-creates.
func KnownFailureClasses() []FailureClass {
	return []FailureClass{FailureClassAgent, FailureClassInfra, FailureClassEval, FailureClassStore}
}
