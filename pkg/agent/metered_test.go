package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metabuilder/pkg/agent/llm"
	"metabuilder/pkg/config"
	"metabuilder/pkg/limiter"
	"metabuilder/pkg/orcherrors"
)

func TestMeteredProviderAccountsTokens(t *testing.T) {
	counter, err := llm.NewTokenCounter()
	require.NoError(t, err)
	quota := limiter.NewLimiter(config.QuotaConfig{DailyTokens: 1_000_000, DailyCostUSD: 100})

	inner := &MockProvider{Response: "generated content"}
	provider := NewMeteredProvider(inner, counter, quota)

	content, err := provider.Generate(context.Background(), "build a crm", nil)
	require.NoError(t, err)
	assert.Equal(t, "generated content", content)
	assert.Positive(t, quota.GetUsage().TokensUsed)
}

type captureUsage struct {
	runID, stage       string
	prompt, completion int
	cost               float64
	calls              int
}

func (c *captureUsage) ObserveLLMUsage(runID, stage string, promptTokens, completionTokens int, cost float64) {
	c.runID, c.stage = runID, stage
	c.prompt, c.completion = promptTokens, completionTokens
	c.cost = cost
	c.calls++
}

func TestMeteredProviderPublishesUsage(t *testing.T) {
	counter, err := llm.NewTokenCounter()
	require.NoError(t, err)
	quota := limiter.NewLimiter(config.QuotaConfig{DailyTokens: 1_000_000, DailyCostUSD: 100})
	obs := &captureUsage{}

	provider := NewMeteredProvider(&MockProvider{Response: "generated content"}, counter, quota).WithObserver(obs)
	_, err = provider.Generate(context.Background(), "build a crm",
		map[string]any{"run_id": "run-1", "stage": "build"})
	require.NoError(t, err)

	assert.Equal(t, 1, obs.calls)
	assert.Equal(t, "run-1", obs.runID)
	assert.Equal(t, "build", obs.stage)
	assert.Positive(t, obs.prompt)
	assert.Positive(t, obs.completion)
	assert.Positive(t, obs.cost)
	assert.Positive(t, quota.GetUsage().CostUSDUsed)
}

func TestMeteredProviderRefusesOverQuota(t *testing.T) {
	counter, err := llm.NewTokenCounter()
	require.NoError(t, err)
	quota := limiter.NewLimiter(config.QuotaConfig{DailyTokens: 1, DailyCostUSD: 100})

	provider := NewMeteredProvider(&MockProvider{Response: "x"}, counter, quota)

	_, err = provider.Generate(context.Background(), "a prompt that is comfortably longer than one token", nil)
	require.Error(t, err)
	assert.True(t, orcherrors.Is(err, orcherrors.ErrorTypeInfra))
}
