// Package config provides configuration loading and validation for the
// meta-builder service.
//
// Configuration is read once at startup from a YAML file, then selectively
// overridden from the environment (API keys only). The loaded Config is passed
// by value into components; there is no package-level singleton and no
// mutation after load.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the YAML file omits a value.
const (
	DefaultMaxIterations      = 4
	DefaultPassThreshold      = 80.0
	DefaultWorkerPoolSize     = 4
	DefaultQueueDepth         = 64
	DefaultIterationTimeout   = 10 * time.Minute
	DefaultBreakerThreshold   = 5
	DefaultBreakerResetAfter  = 30 * time.Second
	DefaultChaosMaxDuration   = 300 * time.Second
	DefaultChaosSweepInterval = 30 * time.Second
	DefaultDailyTokenQuota    = 5_000_000
	DefaultDailyCostQuotaUSD  = 100.0
	DefaultListenAddr         = ":8080"
	DefaultMetricsAddr        = ":9090"
	DefaultDBPath             = "metabuilder.db"
)

// Config is the root configuration for the service.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Breakers     BreakerConfig      `yaml:"breakers"`
	Chaos        ChaosConfig        `yaml:"chaos"`
	Quota        QuotaConfig        `yaml:"quota"`
	Providers    ProviderConfig     `yaml:"providers"`
	Server       ServerConfig       `yaml:"server"`
	DBPath       string             `yaml:"db_path"`
	ReplayDir    string             `yaml:"replay_dir"`

	// TaskLibraryPath, when set, merges extra golden task sets from a YAML
	// file over the built-in library.
	TaskLibraryPath string `yaml:"task_library_path"`
}

// OrchestratorConfig bounds the run iteration loop.
type OrchestratorConfig struct {
	DefaultMaxIterations int           `yaml:"default_max_iterations"`
	PassThreshold        float64       `yaml:"pass_threshold"`
	IterationTimeout     time.Duration `yaml:"iteration_timeout"`
}

// DispatchConfig sizes the worker pool and per-tenant queues.
type DispatchConfig struct {
	WorkerPoolSize int `yaml:"worker_pool_size"`
	QueueDepth     int `yaml:"queue_depth"`
}

// BreakerConfig tunes the per-failure-class circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetAfter       time.Duration `yaml:"reset_after"`
}

// ChaosConfig controls fault injection.
type ChaosConfig struct {
	Enabled              bool          `yaml:"enabled"`
	InjectionProbability float64       `yaml:"injection_probability"`
	Types                []string      `yaml:"types"`
	MaxEventDuration     time.Duration `yaml:"max_event_duration"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
}

// QuotaConfig bounds daily resource spend.
type QuotaConfig struct {
	DailyTokens  int64   `yaml:"daily_tokens"`
	DailyCostUSD float64 `yaml:"daily_cost_usd"`
}

// ProviderConfig holds LLM provider settings. API keys come from the
// environment, never from the file.
type ProviderConfig struct {
	Anthropic ProviderEntry `yaml:"anthropic"`
	OpenAI    ProviderEntry `yaml:"openai"`
}

// ProviderEntry configures one LLM provider.
type ProviderEntry struct {
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	APIKey    string `yaml:"-"`
}

// ServerConfig holds listen addresses. PrometheusURL, when set, enables the
// aggregate-stats queries against a Prometheus server scraping MetricsAddr.
type ServerConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	MetricsAddr   string `yaml:"metrics_addr"`
	PrometheusURL string `yaml:"prometheus_url"`
}

// Load reads the config file, applies defaults and env overrides, and
// validates the result. A missing path yields pure defaults.
func Load(path string) (Config, error) {
	cfg := Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Orchestrator.DefaultMaxIterations <= 0 {
		c.Orchestrator.DefaultMaxIterations = DefaultMaxIterations
	}
	if c.Orchestrator.PassThreshold <= 0 {
		c.Orchestrator.PassThreshold = DefaultPassThreshold
	}
	if c.Orchestrator.IterationTimeout <= 0 {
		c.Orchestrator.IterationTimeout = DefaultIterationTimeout
	}
	if c.Dispatch.WorkerPoolSize <= 0 {
		c.Dispatch.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if c.Dispatch.QueueDepth <= 0 {
		c.Dispatch.QueueDepth = DefaultQueueDepth
	}
	if c.Breakers.FailureThreshold <= 0 {
		c.Breakers.FailureThreshold = DefaultBreakerThreshold
	}
	if c.Breakers.ResetAfter <= 0 {
		c.Breakers.ResetAfter = DefaultBreakerResetAfter
	}
	if c.Chaos.MaxEventDuration <= 0 {
		c.Chaos.MaxEventDuration = DefaultChaosMaxDuration
	}
	if c.Chaos.SweepInterval <= 0 {
		c.Chaos.SweepInterval = DefaultChaosSweepInterval
	}
	if c.Quota.DailyTokens <= 0 {
		c.Quota.DailyTokens = DefaultDailyTokenQuota
	}
	if c.Quota.DailyCostUSD <= 0 {
		c.Quota.DailyCostUSD = DefaultDailyCostQuotaUSD
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = DefaultMetricsAddr
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.ReplayDir == "" {
		c.ReplayDir = "replays"
	}
}

func (c *Config) applyEnv() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Providers.Anthropic.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Providers.OpenAI.APIKey = key
	}
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.Orchestrator.PassThreshold < 0 || c.Orchestrator.PassThreshold > 100 {
		return fmt.Errorf("pass_threshold must be in [0,100], got %v", c.Orchestrator.PassThreshold)
	}
	if c.Chaos.InjectionProbability < 0 || c.Chaos.InjectionProbability > 1 {
		return fmt.Errorf("injection_probability must be in [0,1], got %v", c.Chaos.InjectionProbability)
	}
	if c.Chaos.Enabled && len(c.Chaos.Types) == 0 {
		return fmt.Errorf("chaos enabled but no chaos types configured")
	}
	if c.Dispatch.WorkerPoolSize > 256 {
		return fmt.Errorf("worker_pool_size %d exceeds the 256 cap", c.Dispatch.WorkerPoolSize)
	}
	return nil
}
