package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockAgent is a scripted Agent for tests and the demo pipeline. Results are
// returned in order per action; once the script is exhausted the last entry
// repeats.
type MockAgent struct {
	mu       sync.Mutex
	scripts  map[string][]MockResult
	cursor   map[string]int
	calls    []MockCall
	recorder PromptRecorder
}

// MockResult is one scripted outcome.
type MockResult struct {
	Result map[string]any
	Err    error
}

// MockCall records one Execute invocation.
type MockCall struct {
	Action string
	Params map[string]any
}

// NewMockAgent creates an empty mock agent. Unscripted actions return an
// empty result.
func NewMockAgent() *MockAgent {
	return &MockAgent{
		scripts: make(map[string][]MockResult),
		cursor:  make(map[string]int),
	}
}

// WithRecorder captures each scripted exchange into the replay stream, the
// same way a live agent records its prompts.
func (m *MockAgent) WithRecorder(rec PromptRecorder) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = rec
	return m
}

// Script appends scripted outcomes for an action.
func (m *MockAgent) Script(action string, results ...MockResult) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[action] = append(m.scripts[action], results...)
	return m
}

// Execute implements Agent.
func (m *MockAgent) Execute(_ context.Context, action string, params map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockCall{Action: action, Params: params})

	result := map[string]any{}
	if script, ok := m.scripts[action]; ok && len(script) > 0 {
		idx := m.cursor[action]
		if idx >= len(script) {
			idx = len(script) - 1
		} else {
			m.cursor[action] = idx + 1
		}
		entry := script[idx]
		if entry.Err != nil {
			return nil, entry.Err
		}
		result = entry.Result
	}

	if m.recorder != nil {
		encodedParams, _ := json.Marshal(params)
		encodedResult, _ := json.Marshal(result)
		runID, iteration := promptScope(params)
		_ = m.recorder.RecordPrompt(runID, action,
			fmt.Sprintf("Action: %s\nParameters:\n%s", action, encodedParams),
			string(encodedResult), iteration)
	}
	return result, nil
}

// Calls returns a copy of recorded invocations.
func (m *MockAgent) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall{}, m.calls...)
}

// CallCount returns how many times an action was executed.
func (m *MockAgent) CallCount(action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, call := range m.calls {
		if call.Action == action {
			count++
		}
	}
	return count
}

// MockProvider is a canned LLMProvider for tests.
type MockProvider struct {
	Response string
	Err      error
}

// Generate implements LLMProvider.
func (p *MockProvider) Generate(_ context.Context, _ string, _ map[string]any) (string, error) {
	if p.Err != nil {
		return "", p.Err
	}
	return p.Response, nil
}
