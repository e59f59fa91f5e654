package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxIterations, cfg.Orchestrator.DefaultMaxIterations)
	assert.Equal(t, DefaultPassThreshold, cfg.Orchestrator.PassThreshold)
	assert.Equal(t, DefaultWorkerPoolSize, cfg.Dispatch.WorkerPoolSize)
	assert.Equal(t, DefaultBreakerThreshold, cfg.Breakers.FailureThreshold)
	assert.Equal(t, DefaultChaosMaxDuration, cfg.Chaos.MaxEventDuration)
	assert.False(t, cfg.Chaos.Enabled)
	assert.Equal(t, DefaultDBPath, cfg.DBPath)
}

func TestLoadFromFile(t *testing.T) {
	content := `
orchestrator:
  default_max_iterations: 2
  pass_threshold: 90
  iteration_timeout: 1m
dispatch:
  worker_pool_size: 8
chaos:
  enabled: true
  injection_probability: 0.25
  types: [timeout, network_latency]
db_path: /tmp/mb-test.db
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Orchestrator.DefaultMaxIterations)
	assert.Equal(t, 90.0, cfg.Orchestrator.PassThreshold)
	assert.Equal(t, time.Minute, cfg.Orchestrator.IterationTimeout)
	assert.Equal(t, 8, cfg.Dispatch.WorkerPoolSize)
	assert.True(t, cfg.Chaos.Enabled)
	assert.Equal(t, 0.25, cfg.Chaos.InjectionProbability)
	assert.Equal(t, []string{"timeout", "network_latency"}, cfg.Chaos.Types)
	assert.Equal(t, "/tmp/mb-test.db", cfg.DBPath)
	// Unset values still get defaults.
	assert.Equal(t, DefaultQueueDepth, cfg.Dispatch.QueueDepth)
}

func TestValidateRejectsBadValues(t *testing.T) {
	writeAndLoad := func(t *testing.T, content string) error {
		t.Helper()
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		_, err := Load(path)
		return err
	}

	assert.Error(t, writeAndLoad(t, "chaos:\n  injection_probability: 1.5\n"))
	assert.Error(t, writeAndLoad(t, "orchestrator:\n  pass_threshold: 101\n"))
	assert.Error(t, writeAndLoad(t, "chaos:\n  enabled: true\n"))
}

func TestEnvOverridesAPIKeys(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("OPENAI_API_KEY", "sk-oai-test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-test", cfg.Providers.Anthropic.APIKey)
	assert.Equal(t, "sk-oai-test", cfg.Providers.OpenAI.APIKey)
}
