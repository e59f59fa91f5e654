package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metabuilder/pkg/orcherrors"
	"metabuilder/pkg/proto"
)

func fullMockPipeline() map[proto.AgentRole]Agent {
	agents := make(map[proto.AgentRole]Agent)
	for _, role := range []proto.AgentRole{
		proto.RoleProductArchitect, proto.RoleSystemDesigner, proto.RoleSecurityCompliance,
		proto.RoleCodegenEngineer, proto.RoleQAEvaluator, proto.RoleAutoFixer,
		proto.RoleDevOps, proto.RoleReviewer,
	} {
		agents[role] = NewMockAgent()
	}
	return agents
}

func TestNewPipelineRequiresAllRoles(t *testing.T) {
	agents := fullMockPipeline()
	_, err := NewPipeline(agents)
	require.NoError(t, err)

	delete(agents, proto.RoleAutoFixer)
	_, err = NewPipeline(agents)
	assert.ErrorContains(t, err, "auto_fixer")
}

func TestPipelineForStage(t *testing.T) {
	agents := fullMockPipeline()
	builder := NewMockAgent().Script("build", MockResult{Result: map[string]any{"ok": true}})
	agents[proto.RoleCodegenEngineer] = builder

	pipeline, err := NewPipeline(agents)
	require.NoError(t, err)

	ag, err := pipeline.ForStage(proto.StageBuild)
	require.NoError(t, err)

	result, err := ag.Execute(context.Background(), "build", nil)
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, 1, builder.CallCount("build"))

	_, err = pipeline.ForStage(proto.StageEvaluate)
	assert.Error(t, err)
}

func TestMockAgentScriptOrder(t *testing.T) {
	m := NewMockAgent().
		Script("fix",
			MockResult{Err: errors.New("first attempt fails")},
			MockResult{Result: map[string]any{"patched": true}},
		)

	_, err := m.Execute(context.Background(), "fix", nil)
	assert.Error(t, err)

	result, err := m.Execute(context.Background(), "fix", nil)
	require.NoError(t, err)
	assert.Equal(t, true, result["patched"])

	// Exhausted scripts repeat the last entry.
	result, err = m.Execute(context.Background(), "fix", nil)
	require.NoError(t, err)
	assert.Equal(t, true, result["patched"])
}

func TestLLMAgentClassifiesProviderFailure(t *testing.T) {
	ag := NewLLMAgent(proto.RoleCodegenEngineer, &MockProvider{Err: errors.New("api down")}, "You build systems.")

	_, err := ag.Execute(context.Background(), "build", map[string]any{"spec": "s"})
	require.Error(t, err)
	assert.Equal(t, orcherrors.ErrorTypeAgent, orcherrors.TypeOf(err))
}

func TestLLMAgentSuccess(t *testing.T) {
	ag := NewLLMAgent(proto.RoleReviewer, &MockProvider{Response: "looks good"}, "You review builds.")

	result, err := ag.Execute(context.Background(), "review", map[string]any{"artifact": "main.go"})
	require.NoError(t, err)
	assert.Equal(t, "looks good", result["content"])
	assert.Equal(t, "reviewer", result["role"])
}
