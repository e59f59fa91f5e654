package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"metabuilder/pkg/config"
)

// OpenAIProvider implements agent.LLMProvider using the official OpenAI Go
// package's Responses API.
type OpenAIProvider struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// NewOpenAIProvider creates a provider from config.
func NewOpenAIProvider(entry config.ProviderEntry) *OpenAIProvider {
	maxTokens := int64(entry.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &OpenAIProvider{
		client:    openai.NewClient(option.WithAPIKey(entry.APIKey)),
		model:     entry.Model,
		maxTokens: maxTokens,
	}
}

// Generate implements agent.LLMProvider.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, promptContext map[string]any) (string, error) {
	input := fmt.Sprintf("%s\n\n%s", renderContext(promptContext), prompt)

	resp, err := p.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:           p.model,
		MaxOutputTokens: openai.Int(p.maxTokens),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input)},
	})
	if err != nil {
		return "", fmt.Errorf("openai responses request failed: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("empty response from openai")
	}

	content := resp.OutputText()
	if content == "" {
		return "", fmt.Errorf("no text content in openai response")
	}
	return content, nil
}
