package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"metabuilder/pkg/orcherrors"
	"metabuilder/pkg/proto"
)

// LLMAgent is an Agent backed by an LLMProvider. It renders the action and
// parameters into a prompt, asks the provider, and returns the response as a
// structured result. Concrete role behavior comes from the role's prompt
// preamble.
type LLMAgent struct {
	provider LLMProvider
	role     proto.AgentRole
	preamble string
	recorder PromptRecorder
}

// NewLLMAgent creates an agent for a role on top of a provider.
func NewLLMAgent(role proto.AgentRole, provider LLMProvider, preamble string) *LLMAgent {
	return &LLMAgent{provider: provider, role: role, preamble: preamble}
}

// WithRecorder captures every prompt exchange into the replay stream.
func (a *LLMAgent) WithRecorder(rec PromptRecorder) *LLMAgent {
	a.recorder = rec
	return a
}

// Execute implements Agent.
func (a *LLMAgent) Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, orcherrors.NewErrorWithCause(orcherrors.ErrorTypeValidation, err,
			fmt.Sprintf("parameters for action %s are not serializable", action))
	}

	runID, iteration := promptScope(params)
	prompt := fmt.Sprintf("%s\n\nAction: %s\nParameters:\n%s", a.preamble, action, string(encoded))
	content, err := a.provider.Generate(ctx, prompt, map[string]any{
		"role":   a.role.String(),
		"run_id": runID,
		"stage":  action,
	})
	if err != nil {
		return nil, orcherrors.NewErrorWithCause(orcherrors.ErrorTypeAgent, err,
			fmt.Sprintf("%s failed action %s", a.role, action))
	}
	if a.recorder != nil {
		// A frozen bundle means the run already finalized; the response
		// still goes back to the caller.
		_ = a.recorder.RecordPrompt(runID, action, prompt, content, iteration)
	}

	return map[string]any{
		"role":    a.role.String(),
		"action":  action,
		"content": content,
	}, nil
}
