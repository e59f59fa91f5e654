package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metabuilder/pkg/agent"
	"metabuilder/pkg/breaker"
	"metabuilder/pkg/config"
	"metabuilder/pkg/dispatch"
	"metabuilder/pkg/limiter"
	"metabuilder/pkg/logx"
	"metabuilder/pkg/orch"
	"metabuilder/pkg/persistence"
	"metabuilder/pkg/proto"
	"metabuilder/pkg/replay"
)

// passingEvaluator scores every build at 90 and persists a report, standing
// in for the harness.
type passingEvaluator struct {
	store *persistence.Store
}

func (e *passingEvaluator) Evaluate(ctx context.Context, runID string, iteration int, _ *proto.BuildSpec, _ proto.Artifacts, _ []string) (*proto.EvaluationResult, error) {
	result := &proto.EvaluationResult{
		Timestamp:    time.Now().UTC(),
		RunID:        runID,
		Iteration:    iteration,
		OverallScore: 90,
		Passed:       true,
		Tasks:        []proto.TaskResult{{TaskID: "crud/create", Category: "crud", Score: 90, Passed: true}},
	}
	return result, e.store.SaveEvaluationReport(ctx, result)
}

type apiFixture struct {
	t      *testing.T
	server *httptest.Server
	store  *persistence.Store
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store, err := persistence.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	recorder := replay.NewRecorder(store)
	agents := make(map[proto.AgentRole]agent.Agent)
	for _, role := range []proto.AgentRole{
		proto.RoleProductArchitect, proto.RoleSystemDesigner, proto.RoleSecurityCompliance,
		proto.RoleCodegenEngineer, proto.RoleQAEvaluator, proto.RoleAutoFixer,
		proto.RoleDevOps, proto.RoleReviewer,
	} {
		agents[role] = agent.NewMockAgent().WithRecorder(recorder)
	}
	pipeline, err := agent.NewPipeline(agents)
	require.NoError(t, err)

	breakers := breaker.NewRegistry(config.BreakerConfig{FailureThreshold: 5, ResetAfter: time.Minute})
	dispatcher := dispatch.NewDispatcher(2, 16)
	require.NoError(t, dispatcher.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = dispatcher.Shutdown(ctx)
	})
	lim := limiter.NewLimiter(config.QuotaConfig{DailyTokens: 1_000_000, DailyCostUSD: 100})

	orchestrator := orch.NewOrchestrator(
		config.OrchestratorConfig{DefaultMaxIterations: 2, PassThreshold: 80},
		store, pipeline, &passingEvaluator{store: store}, nil, breakers, dispatcher, recorder, nil,
	)

	api := NewServer(orchestrator, dispatcher, breakers, nil, recorder, store, lim)
	api.SetExportDir(t.TempDir())
	server := httptest.NewServer(api.Router())
	t.Cleanup(server.Close)

	return &apiFixture{t: t, server: server, store: store}
}

func (f *apiFixture) do(method, path string, body any) (*http.Response, []byte) {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(f.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(f.t, err)
	return resp, out.Bytes()
}

func (f *apiFixture) startAndFinishRun() string {
	f.t.Helper()
	resp, body := f.do(http.MethodPost, "/api/runs", startRunBody{
		TenantID:      "acme",
		Spec:          &proto.BuildSpec{ID: "spec-shop", Domain: "ecommerce"},
		PlanID:        "plan-9",
		MaxIterations: 1,
	})
	require.Equal(f.t, http.StatusAccepted, resp.StatusCode, string(body))
	var run proto.Run
	require.NoError(f.t, json.Unmarshal(body, &run))

	require.Eventually(f.t, func() bool {
		stored, err := f.store.GetRun(context.Background(), run.ID)
		return err == nil && stored.Status.IsTerminal()
	}, 5*time.Second, 20*time.Millisecond)
	return run.ID
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartRunRejectsBadBody(t *testing.T) {
	f := newAPIFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/runs", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, body := f.do(http.MethodPost, "/api/runs", startRunBody{TenantID: ""})
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	var errResp errorBody
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "VALIDATION_ERROR", errResp.Code)
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	runID := f.startAndFinishRun()

	resp, body := f.do(http.MethodGet, "/api/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail orch.RunDetail
	require.NoError(t, json.Unmarshal(body, &detail))
	assert.Equal(t, proto.RunSucceeded, detail.Run.Status)
	assert.Len(t, detail.Evaluations, 1)
	assert.NotEmpty(t, detail.BundleID)

	resp, body = f.do(http.MethodGet, "/api/runs/"+runID+"/timeline", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var timeline struct {
		Events []proto.StepEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(body, &timeline))
	assert.NotEmpty(t, timeline.Events)
}

func TestGetRunNotFound(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.do(http.MethodGet, "/api/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelTerminalRunReturnsFalse(t *testing.T) {
	f := newAPIFixture(t)
	runID := f.startAndFinishRun()

	resp, body := f.do(http.MethodPost, "/api/runs/"+runID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]bool
	require.NoError(t, json.Unmarshal(body, &out))
	assert.False(t, out["canceled"])
}

func TestPromoteTerminalRunRejected(t *testing.T) {
	f := newAPIFixture(t)
	runID := f.startAndFinishRun()

	resp, _ := f.do(http.MethodPost, "/api/runs/"+runID+"/promote", map[string]string{"tenant_id": "acme"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.startAndFinishRun()

	resp, body := f.do(http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Contains(t, stats, "queues")
	assert.Contains(t, stats, "runs_by_status")
	assert.Contains(t, stats, "quota")
}

func TestBreakerEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.startAndFinishRun()

	resp, body := f.do(http.MethodGet, "/api/breakers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "breakers")

	resp, _ = f.do(http.MethodPost, "/api/breakers/agent/reset?tenant_id=acme", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(http.MethodPost, "/api/breakers/bogus/reset", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReplayEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	runID := f.startAndFinishRun()

	resp, body := f.do(http.MethodGet, "/api/replay", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Bundles []proto.ReplayBundle `json:"bundles"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Bundles, 1)
	assert.Equal(t, runID, list.Bundles[0].RunID)

	bundleID := list.Bundles[0].BundleID
	require.NotEmpty(t, bundleID)

	resp, body = f.do(http.MethodPost, "/api/replay/"+bundleID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result replay.Result
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Zero(t, result.Divergent)
	assert.Equal(t, len(list.Bundles[0].Entries), result.Replayed)

	// The run ID also resolves, for callers that never saw the bundle ID.
	resp, _ = f.do(http.MethodPost, "/api/replay/"+runID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(http.MethodPost, "/api/replay/"+bundleID+"/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var exported map[string]string
	require.NoError(t, json.Unmarshal(body, &exported))
	fromFile, err := replay.ReadBundleFile(exported["path"])
	require.NoError(t, err)
	assert.Equal(t, runID, fromFile.RunID)

	resp, _ = f.do(http.MethodPost, "/api/replay/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLogsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.startAndFinishRun()

	resp, body := f.do(http.MethodGet, "/api/logs?component=orch", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Entries []logx.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.Entries)
	for _, entry := range out.Entries {
		assert.Equal(t, "orch", entry.Component)
	}
}

func TestQueueEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(http.MethodGet, "/api/queues", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(http.MethodPost, "/api/queues/drain", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// While draining new runs are refused.
	resp, _ = f.do(http.MethodPost, "/api/runs", startRunBody{
		TenantID: "acme",
		Spec:     &proto.BuildSpec{ID: "spec-shop"},
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = f.do(http.MethodPost, "/api/queues/resume", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
