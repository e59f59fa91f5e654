// Package agent defines the agent capability boundary the orchestrator
// depends on, and the pipeline wiring from stages to concrete agents.
package agent

import (
	"context"
	"fmt"

	"metabuilder/pkg/proto"
)

// Agent is the capability the orchestrator invokes for every pipeline stage.
// Implementations are polymorphic over the pipeline's agent variants; the
// orchestrator never depends on a concrete agent type.
type Agent interface {
	// Execute performs one action with the given parameters and returns a
	// structured result. Errors should be classified via pkg/orcherrors.
	Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error)
}

// LLMProvider generates content from a prompt. Used by agents, never directly
// by the orchestrator or evaluator.
type LLMProvider interface {
	Generate(ctx context.Context, prompt string, promptContext map[string]any) (string, error)
}

// PromptRecorder receives every prompt exchange an agent performs, keyed to
// the run it belongs to. Satisfied by *replay.Recorder.
type PromptRecorder interface {
	RecordPrompt(runID, stage, prompt, response string, iteration int) error
}

// promptScope extracts the run identity the orchestrator threads through
// stage parameters.
func promptScope(params map[string]any) (string, int) {
	runID, _ := params["run_id"].(string)
	iteration := 0
	switch v := params["iteration"].(type) {
	case int:
		iteration = v
	case float64:
		iteration = int(v)
	}
	return runID, iteration
}

// Pipeline holds the concrete agent behind each role, injected at
// construction. Role resolution happens once here, not by string lookup at
// call time.
type Pipeline struct {
	agents map[proto.AgentRole]Agent
}

// NewPipeline builds a pipeline from a complete role mapping. Every role in
// the enum must be bound.
func NewPipeline(agents map[proto.AgentRole]Agent) (*Pipeline, error) {
	required := []proto.AgentRole{
		proto.RoleProductArchitect,
		proto.RoleSystemDesigner,
		proto.RoleSecurityCompliance,
		proto.RoleCodegenEngineer,
		proto.RoleQAEvaluator,
		proto.RoleAutoFixer,
		proto.RoleDevOps,
		proto.RoleReviewer,
	}
	for _, role := range required {
		if agents[role] == nil {
			return nil, fmt.Errorf("pipeline is missing an agent for role %s", role)
		}
	}
	bound := make(map[proto.AgentRole]Agent, len(agents))
	for role, ag := range agents {
		bound[role] = ag
	}
	return &Pipeline{agents: bound}, nil
}

// ForRole returns the agent bound to a role.
func (p *Pipeline) ForRole(role proto.AgentRole) Agent {
	return p.agents[role]
}

// ForStage returns the agent serving a pipeline stage.
func (p *Pipeline) ForStage(stage proto.PipelineStage) (Agent, error) {
	role, err := proto.RoleForStage(stage)
	if err != nil {
		return nil, err
	}
	return p.agents[role], nil
}
