package agent

import (
	"context"

	"metabuilder/pkg/agent/llm"
	"metabuilder/pkg/limiter"
	"metabuilder/pkg/orcherrors"
)

// estimatedUSDPerToken is the blended price estimate used for spend
// accounting. Exact per-model pricing is not needed for quota enforcement.
const estimatedUSDPerToken = 0.000008

// UsageObserver records token and cost spend per agent call. Satisfied by
// *metrics.Recorder.
type UsageObserver interface {
	ObserveLLMUsage(runID, stage string, promptTokens, completionTokens int, cost float64)
}

// MeteredProvider wraps an LLMProvider with daily quota accounting. Prompt
// tokens are reserved before the call; a quota refusal surfaces as an infra
// error so the caller's retry and breaker machinery treats it like any other
// capacity failure.
type MeteredProvider struct {
	inner    LLMProvider
	counter  *llm.TokenCounter
	quota    *limiter.Limiter
	observer UsageObserver
}

// NewMeteredProvider wraps a provider. A nil quota disables accounting.
func NewMeteredProvider(inner LLMProvider, counter *llm.TokenCounter, quota *limiter.Limiter) *MeteredProvider {
	return &MeteredProvider{inner: inner, counter: counter, quota: quota}
}

// WithObserver publishes per-call token and cost spend.
func (p *MeteredProvider) WithObserver(obs UsageObserver) *MeteredProvider {
	p.observer = obs
	return p
}

// Generate implements LLMProvider.
func (p *MeteredProvider) Generate(ctx context.Context, prompt string, promptContext map[string]any) (string, error) {
	promptTokens := 0
	if p.counter != nil {
		if tokens, err := p.counter.Count(prompt); err == nil {
			promptTokens = tokens
		}
	}
	if p.quota != nil && promptTokens > 0 {
		if reserveErr := p.quota.ReserveTokens(int64(promptTokens)); reserveErr != nil {
			return "", orcherrors.NewErrorWithCause(orcherrors.ErrorTypeInfra, reserveErr, "daily token quota exhausted")
		}
	}

	content, err := p.inner.Generate(ctx, prompt, promptContext)
	if err != nil {
		return "", err
	}

	completionTokens := 0
	if p.counter != nil {
		if tokens, countErr := p.counter.Count(content); countErr == nil {
			completionTokens = tokens
		}
	}
	cost := float64(promptTokens+completionTokens) * estimatedUSDPerToken
	if p.quota != nil {
		// Completion tokens and spend count against the quota but never fail
		// a response that was already produced.
		_ = p.quota.ReserveTokens(int64(completionTokens))
		_ = p.quota.RecordCost(cost)
	}
	if p.observer != nil {
		runID, _ := promptContext["run_id"].(string)
		stage, _ := promptContext["stage"].(string)
		p.observer.ObserveLLMUsage(runID, stage, promptTokens, completionTokens, cost)
	}
	return content, nil
}
