package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metabuilder/pkg/proto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRun(id string) *proto.Run {
	return &proto.Run{
		ID:            id,
		TenantID:      "tenant-a",
		SpecID:        "spec-1",
		Status:        proto.RunPending,
		MaxIterations: 3,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestRunRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run := testRun("run-1")
	require.NoError(t, store.CreateRun(ctx, run))

	loaded, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, loaded.ID)
	assert.Equal(t, proto.RunPending, loaded.Status)
	assert.Equal(t, 3, loaded.MaxIterations)
	assert.Nil(t, loaded.StartedAt)

	started := time.Now().UTC()
	run.Status = proto.RunRunning
	run.Iteration = 1
	run.StartedAt = &started
	require.NoError(t, store.UpdateRun(ctx, run))

	loaded, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, proto.RunRunning, loaded.Status)
	assert.Equal(t, 1, loaded.Iteration)
	require.NotNil(t, loaded.StartedAt)

	// Repeated reads without writes return identical data.
	again, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, loaded, again)
}

func TestGetRunNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetRun(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvaluationReportHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, testRun("run-2")))

	for i := 0; i < 3; i++ {
		result := &proto.EvaluationResult{
			RunID:        "run-2",
			Iteration:    i,
			OverallScore: 50,
			Passed:       false,
			Timestamp:    time.Now().UTC(),
			Tasks: []proto.TaskResult{
				{TaskID: "crud-basic", Category: "crud", Score: 50},
			},
		}
		require.NoError(t, store.SaveEvaluationReport(ctx, result))
	}

	reports, err := store.ListEvaluationReports(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, reports, 3)
	for i, report := range reports {
		assert.Equal(t, i, report.Iteration)
		assert.Len(t, report.Tasks, 1)
	}
}

func TestChaosEventLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	event := &proto.ChaosEvent{
		EventID:    "evt-1",
		ChaosType:  proto.ChaosTimeout,
		RunID:      "run-3",
		StepID:     "build",
		InjectedAt: time.Now().UTC(),
		Metadata:   map[string]any{"delay_ms": float64(500)},
	}
	require.NoError(t, store.InsertChaosEvent(ctx, event))

	resolved := time.Now().UTC()
	ok := true
	event.ResolvedAt = &resolved
	event.DurationSeconds = 1.5
	event.RecoverySuccessful = &ok
	require.NoError(t, store.ResolveChaosEvent(ctx, event))

	events, err := store.ListChaosEvents(ctx, "run-3")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, proto.ChaosTimeout, events[0].ChaosType)
	assert.False(t, events[0].Active())
	require.NotNil(t, events[0].RecoverySuccessful)
	assert.True(t, *events[0].RecoverySuccessful)
	assert.Equal(t, 1.5, events[0].DurationSeconds)
	assert.Equal(t, float64(500), events[0].Metadata["delay_ms"])
}

func TestReplayBundlePersistence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	bundle := &proto.ReplayBundle{
		BundleID:  "bundle-1",
		RunID:     "run-4",
		CreatedAt: time.Now().UTC(),
		Entries: []proto.ReplayEntry{
			{Kind: proto.ReplayEntryPrompt, Stage: "build", Input: "generate crud", Sequence: 0},
		},
	}
	require.NoError(t, store.SaveReplayBundle(ctx, bundle))

	// Upsert on the same run extends the bundle.
	bundle.Entries = append(bundle.Entries, proto.ReplayEntry{
		Kind: proto.ReplayEntryDiff, Stage: "fix", Input: "patch", Sequence: 1,
	})
	bundle.Frozen = true
	bundle.FinalState = "SUCCEEDED"
	require.NoError(t, store.SaveReplayBundle(ctx, bundle))

	loaded, err := store.GetReplayBundle(ctx, "bundle-1")
	require.NoError(t, err)
	assert.Len(t, loaded.Entries, 2)
	assert.True(t, loaded.Frozen)

	byRun, err := store.GetReplayBundleByRun(ctx, "run-4")
	require.NoError(t, err)
	assert.Equal(t, loaded, byRun)

	all, err := store.ListReplayBundles(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSetRunHardened(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run := testRun("run-6")
	run.Status = proto.RunRunning
	require.NoError(t, store.CreateRun(ctx, run))

	ok, err := store.SetRunHardened(ctx, "run-6")
	require.NoError(t, err)
	assert.True(t, ok)

	loaded, err := store.GetRun(ctx, "run-6")
	require.NoError(t, err)
	assert.True(t, loaded.Hardened)
}

func TestSetRunHardenedSkipsTerminalRun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	completed := time.Now().UTC()
	run := testRun("run-7")
	run.Status = proto.RunSucceeded
	run.Iteration = 2
	run.CompletedAt = &completed
	require.NoError(t, store.CreateRun(ctx, run))

	// A promotion racing with finalization must not touch the row.
	ok, err := store.SetRunHardened(ctx, "run-7")
	require.NoError(t, err)
	assert.False(t, ok)

	loaded, err := store.GetRun(ctx, "run-7")
	require.NoError(t, err)
	assert.Equal(t, proto.RunSucceeded, loaded.Status)
	assert.Equal(t, 2, loaded.Iteration)
	assert.False(t, loaded.Hardened)
}

func TestBreakerStateRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	opened := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.SaveBreakerState(ctx, "agent", "tenant-a", "OPEN", 3, &opened))
	require.NoError(t, store.SaveBreakerState(ctx, "infra", "", "CLOSED", 0, nil))

	// Upsert replaces the previous state of the same (class, tenant) pair.
	require.NoError(t, store.SaveBreakerState(ctx, "agent", "tenant-a", "HALF_OPEN", 3, &opened))

	states, err := store.ListBreakerStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)

	assert.Equal(t, "agent", states[0].FailureClass)
	assert.Equal(t, "tenant-a", states[0].TenantID)
	assert.Equal(t, "HALF_OPEN", states[0].State)
	assert.Equal(t, 3, states[0].FailureCount)
	require.NotNil(t, states[0].OpenedAt)
	assert.WithinDuration(t, opened, *states[0].OpenedAt, time.Second)

	assert.Equal(t, "infra", states[1].FailureClass)
	assert.Equal(t, "CLOSED", states[1].State)
	assert.Nil(t, states[1].OpenedAt)
}

func TestStepAndAuditEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, kind := range []string{"stage", "evaluation", "chaos"} {
		require.NoError(t, store.AppendStepEvent(ctx, &proto.StepEvent{
			RunID:     "run-5",
			Kind:      kind,
			StepID:    "s",
			Iteration: 0,
			At:        base.Add(time.Duration(i) * time.Second),
		}))
	}

	events, err := store.ListStepEvents(ctx, "run-5")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "stage", events[0].Kind)
	assert.Equal(t, "chaos", events[2].Kind)

	require.NoError(t, store.AppendAuditEvent(ctx, &proto.AuditEvent{
		RunID: "run-5", Kind: "evaluation", Score: 85, Passed: true, TasksCount: 5, At: base,
	}))
}
