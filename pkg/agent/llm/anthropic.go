// Package llm provides concrete LLMProvider implementations on top of the
// Anthropic and OpenAI SDKs, plus token estimation for quota accounting.
package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"metabuilder/pkg/config"
)

const defaultMaxTokens = 4096

// AnthropicProvider implements agent.LLMProvider against the Anthropic
// Messages API.
type AnthropicProvider struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicProvider creates a provider from config.
func NewAnthropicProvider(entry config.ProviderEntry) *AnthropicProvider {
	maxTokens := int64(entry.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(option.WithAPIKey(entry.APIKey)),
		model:     anthropic.Model(entry.Model),
		maxTokens: maxTokens,
	}
}

// Generate implements agent.LLMProvider.
func (p *AnthropicProvider) Generate(ctx context.Context, prompt string, promptContext map[string]any) (string, error) {
	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: renderContext(promptContext)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic message request failed: %w", err)
	}

	var content string
	for _, block := range message.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	if content == "" {
		return "", fmt.Errorf("empty response from anthropic")
	}
	return content, nil
}

func renderContext(promptContext map[string]any) string {
	if len(promptContext) == 0 {
		return "You are a build pipeline agent."
	}
	out := "You are a build pipeline agent."
	if role, ok := promptContext["role"].(string); ok {
		out = fmt.Sprintf("You are the %s agent of a build pipeline.", role)
	}
	return out
}
