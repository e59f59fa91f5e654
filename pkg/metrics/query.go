package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RunMetrics is the aggregated token and cost spend of one run.
type RunMetrics struct {
	RunID            string  `json:"run_id"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// PipelineStats is a fleet-level aggregate for the stats boundary.
type PipelineStats struct {
	RunsByStatus   map[string]int64 `json:"runs_by_status"`
	IterationsRate float64          `json:"iterations_per_hour"`
	ChaosRecovered int64            `json:"chaos_recovered"`
	ChaosFailed    int64            `json:"chaos_failed"`
}

// QueryService reads pipeline metrics back from a Prometheus server.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService connects to the Prometheus server at the given URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetRunMetrics aggregates LLM token and cost spend for one run across all
// pipeline stages.
func (q *QueryService) GetRunMetrics(ctx context.Context, runID string) (*RunMetrics, error) {
	metrics := &RunMetrics{RunID: runID}

	prompt, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(llm_tokens_total{run_id=%q, type="prompt"})`, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	metrics.PromptTokens = int64(prompt)

	completion, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(llm_tokens_total{run_id=%q, type="completion"})`, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	metrics.CompletionTokens = int64(completion)
	metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

	cost, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(llm_costs_total{run_id=%q})`, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query total cost: %w", err)
	}
	metrics.TotalCost = cost

	return metrics, nil
}

// GetRunMetricsByStage breaks one run's spend down per pipeline stage.
func (q *QueryService) GetRunMetricsByStage(ctx context.Context, runID string) (map[string]*RunMetrics, error) {
	stagesResult, _, err := q.queryAPI.Query(ctx,
		fmt.Sprintf(`group by (stage) (llm_tokens_total{run_id=%q})`, runID), time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query stages: %w", err)
	}

	var stages []string
	if vector, ok := stagesResult.(model.Vector); ok {
		for _, sample := range vector {
			if stage, ok := sample.Metric["stage"]; ok {
				stages = append(stages, string(stage))
			}
		}
	}

	result := make(map[string]*RunMetrics, len(stages))
	for _, stage := range stages {
		metrics := &RunMetrics{RunID: runID}

		prompt, err := q.scalarQuery(ctx,
			fmt.Sprintf(`sum(llm_tokens_total{run_id=%q, stage=%q, type="prompt"})`, runID, stage))
		if err != nil {
			return nil, fmt.Errorf("failed to query prompt tokens for stage %s: %w", stage, err)
		}
		metrics.PromptTokens = int64(prompt)

		completion, err := q.scalarQuery(ctx,
			fmt.Sprintf(`sum(llm_tokens_total{run_id=%q, stage=%q, type="completion"})`, runID, stage))
		if err != nil {
			return nil, fmt.Errorf("failed to query completion tokens for stage %s: %w", stage, err)
		}
		metrics.CompletionTokens = int64(completion)
		metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

		cost, err := q.scalarQuery(ctx,
			fmt.Sprintf(`sum(llm_costs_total{run_id=%q, stage=%q})`, runID, stage))
		if err != nil {
			return nil, fmt.Errorf("failed to query cost for stage %s: %w", stage, err)
		}
		metrics.TotalCost = cost

		result[stage] = metrics
	}
	return result, nil
}

// GetPipelineStats aggregates run, iteration, and chaos counters for the
// fleet-level stats boundary.
func (q *QueryService) GetPipelineStats(ctx context.Context) (*PipelineStats, error) {
	stats := &PipelineStats{RunsByStatus: make(map[string]int64)}

	runsResult, _, err := q.queryAPI.Query(ctx, `sum by (status) (builder_runs_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query run totals: %w", err)
	}
	if vector, ok := runsResult.(model.Vector); ok {
		for _, sample := range vector {
			if status, ok := sample.Metric["status"]; ok {
				stats.RunsByStatus[string(status)] = int64(sample.Value)
			}
		}
	}

	rate, err := q.scalarQuery(ctx, `sum(rate(builder_iterations_total[1h])) * 3600`)
	if err != nil {
		return nil, fmt.Errorf("failed to query iteration rate: %w", err)
	}
	stats.IterationsRate = rate

	recovered, err := q.scalarQuery(ctx, `sum(builder_chaos_events_total{outcome="recovered"})`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chaos recoveries: %w", err)
	}
	stats.ChaosRecovered = int64(recovered)

	failed, err := q.scalarQuery(ctx, `sum(builder_chaos_events_total{outcome="failed"})`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chaos failures: %w", err)
	}
	stats.ChaosFailed = int64(failed)

	return stats, nil
}

// scalarQuery runs an instant query and returns the first sample value, or 0
// when the series does not exist yet.
func (q *QueryService) scalarQuery(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
