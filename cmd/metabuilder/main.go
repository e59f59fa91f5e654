// metabuilder is the orchestration service: it accepts build specs over
// HTTP, drives the agent pipeline through build-evaluate-fix loops, and
// serves operator controls for breakers, queues, chaos, and replay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"metabuilder/pkg/agent"
	"metabuilder/pkg/agent/llm"
	"metabuilder/pkg/breaker"
	"metabuilder/pkg/chaos"
	"metabuilder/pkg/config"
	"metabuilder/pkg/dispatch"
	"metabuilder/pkg/eval"
	"metabuilder/pkg/httpapi"
	"metabuilder/pkg/limiter"
	"metabuilder/pkg/logx"
	"metabuilder/pkg/metrics"
	"metabuilder/pkg/orch"
	"metabuilder/pkg/persistence"
	"metabuilder/pkg/proto"
	"metabuilder/pkg/replay"
)

var rolePreambles = map[proto.AgentRole]string{
	proto.RoleProductArchitect:   "You turn product requirements into an ordered build plan.",
	proto.RoleSystemDesigner:     "You produce the system design and data model for the plan.",
	proto.RoleSecurityCompliance: "You audit designs and artifacts for security and compliance gaps.",
	proto.RoleCodegenEngineer:    "You generate application code artifacts from the design.",
	proto.RoleQAEvaluator:        "You assess generated artifacts against acceptance criteria.",
	proto.RoleAutoFixer:          "You repair artifacts based on a failed evaluation report.",
	proto.RoleDevOps:             "You produce deployment and infrastructure artifacts.",
	proto.RoleReviewer:           "You perform the final review of a passing build.",
}

func main() {
	var configPath string
	var liveMode bool
	flag.StringVar(&configPath, "config", "", "Path to config file (YAML)")
	flag.BoolVar(&liveMode, "live", false, "Use live LLM providers instead of mock agents")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("METABUILDER_CONFIG")
	}

	if err := run(configPath, liveMode); err != nil {
		fmt.Fprintf(os.Stderr, "metabuilder: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, liveMode bool) error {
	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store at %s: %w", cfg.DBPath, err)
	}
	defer store.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	quota := limiter.NewLimiter(cfg.Quota)
	breakers := breaker.NewRegistry(cfg.Breakers)
	recorder := replay.NewRecorder(store)
	metricsRec := metrics.NewRecorder()

	chaosEngine, err := chaos.NewEngine(cfg.Chaos, store)
	if err != nil {
		return fmt.Errorf("creating chaos engine: %w", err)
	}
	chaosEngine.StartSweeper(rootCtx)

	breakers.Instrument(metricsRec, store)

	dispatcher := dispatch.NewDispatcher(cfg.Dispatch.WorkerPoolSize, cfg.Dispatch.QueueDepth)
	dispatcher.SetGauges(metricsRec)
	if err := dispatcher.Start(rootCtx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}

	pipeline, err := buildPipeline(cfg, liveMode, quota, recorder, metricsRec)
	if err != nil {
		return fmt.Errorf("building agent pipeline: %w", err)
	}

	library := eval.NewLibrary()
	if cfg.TaskLibraryPath != "" {
		if library, err = eval.LoadLibrary(cfg.TaskLibraryPath); err != nil {
			return fmt.Errorf("loading task library: %w", err)
		}
	}
	harness := eval.NewHarness(library, store, cfg.Orchestrator.PassThreshold)

	orchestrator := orch.NewOrchestrator(
		cfg.Orchestrator, store, pipeline, harness,
		chaosEngine, breakers, dispatcher, recorder, metricsRec,
	)

	api := httpapi.NewServer(orchestrator, dispatcher, breakers, chaosEngine, recorder, store, quota)
	api.SetExportDir(cfg.ReplayDir)
	if cfg.Server.PrometheusURL != "" {
		query, err := metrics.NewQueryService(cfg.Server.PrometheusURL)
		if err != nil {
			return fmt.Errorf("creating metrics query service: %w", err)
		}
		api.SetQueryService(query)
	}
	apiServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("api listening on %s", cfg.Server.ListenAddr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics listening on %s", cfg.Server.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	mode := "mock"
	if liveMode {
		mode = "live"
	}
	logger.Info("metabuilder up (%s agents, %d workers, chaos enabled=%t)",
		mode, cfg.Dispatch.WorkerPoolSize, cfg.Chaos.Enabled)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatcher shutdown: %v", err)
	}
	logger.Info("metabuilder stopped")
	return nil
}

// buildPipeline constructs the eight-role agent pipeline. In mock mode every
// role is a scripted no-op agent, which keeps the full orchestration path
// exercisable without provider credentials. Every agent records its prompt
// exchanges into the replay stream.
func buildPipeline(cfg config.Config, liveMode bool, quota *limiter.Limiter,
	recorder *replay.Recorder, metricsRec *metrics.Recorder) (*agent.Pipeline, error) {
	agents := make(map[proto.AgentRole]agent.Agent, len(rolePreambles))

	if !liveMode {
		for role := range rolePreambles {
			agents[role] = agent.NewMockAgent().WithRecorder(recorder)
		}
		return agent.NewPipeline(agents)
	}

	if cfg.Providers.Anthropic.APIKey == "" {
		return nil, fmt.Errorf("live mode requires ANTHROPIC_API_KEY")
	}
	counter, err := llm.NewTokenCounter()
	if err != nil {
		return nil, fmt.Errorf("creating token counter: %w", err)
	}
	primary := agent.NewMeteredProvider(llm.NewAnthropicProvider(cfg.Providers.Anthropic), counter, quota).
		WithObserver(metricsRec)

	var reviewProvider agent.LLMProvider = primary
	if cfg.Providers.OpenAI.APIKey != "" && cfg.Providers.OpenAI.Model != "" {
		reviewProvider = agent.NewMeteredProvider(llm.NewOpenAIProvider(cfg.Providers.OpenAI), counter, quota).
			WithObserver(metricsRec)
	}

	for role, preamble := range rolePreambles {
		var provider agent.LLMProvider = primary
		if role == proto.RoleReviewer || role == proto.RoleQAEvaluator {
			provider = reviewProvider
		}
		agents[role] = agent.NewLLMAgent(role, provider, preamble).WithRecorder(recorder)
	}
	return agent.NewPipeline(agents)
}
