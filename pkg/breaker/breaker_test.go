package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metabuilder/pkg/config"
	"metabuilder/pkg/orcherrors"
	"metabuilder/pkg/proto"
)

var errDependency = errors.New("dependency failed")

func failing(ctx context.Context) error    { return errDependency }
func succeeding(ctx context.Context) error { return nil }

func testRegistry(now *time.Time) *Registry {
	return NewRegistryWithClock(config.BreakerConfig{
		FailureThreshold: 3,
		ResetAfter:       30 * time.Second,
	}, func() time.Time { return *now })
}

func TestOpensAfterThresholdFailures(t *testing.T) {
	now := time.Now()
	r := testRegistry(&now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := r.Call(ctx, proto.FailureClassAgent, failing)
		assert.ErrorIs(t, err, errDependency)
	}

	// The next call short-circuits without invoking fn.
	invoked := false
	err := r.Call(ctx, proto.FailureClassAgent, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	assert.True(t, orcherrors.IsCircuitOpen(err))
	assert.False(t, invoked)
}

func TestHalfOpenSingleTrialThenClosed(t *testing.T) {
	now := time.Now()
	r := testRegistry(&now)
	ctx := context.Background()
	cb := r.For(proto.FailureClassInfra, "")

	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, failing)
	}
	require.Equal(t, "OPEN", cb.GetSnapshot().State)

	// Cool-down elapses; exactly one trial call is admitted.
	now = now.Add(31 * time.Second)
	require.NoError(t, cb.Call(ctx, succeeding))

	snap := cb.GetSnapshot()
	assert.Equal(t, "CLOSED", snap.State)
	assert.Equal(t, 0, snap.FailureCount)
}

func TestHalfOpenTrialFailureReopens(t *testing.T) {
	now := time.Now()
	r := testRegistry(&now)
	ctx := context.Background()
	cb := r.For(proto.FailureClassInfra, "")

	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, failing)
	}

	now = now.Add(31 * time.Second)
	assert.ErrorIs(t, cb.Call(ctx, failing), errDependency)
	assert.Equal(t, "OPEN", cb.GetSnapshot().State)

	// Cool-down restarts from the trial failure.
	now = now.Add(10 * time.Second)
	err := cb.Call(ctx, succeeding)
	assert.True(t, orcherrors.IsCircuitOpen(err))
}

func TestSuccessResetsFailureCountWhenClosed(t *testing.T) {
	now := time.Now()
	r := testRegistry(&now)
	ctx := context.Background()
	cb := r.For(proto.FailureClassEval, "")

	_ = cb.Call(ctx, failing)
	_ = cb.Call(ctx, failing)
	require.NoError(t, cb.Call(ctx, succeeding))
	assert.Equal(t, 0, cb.GetSnapshot().FailureCount)

	// Two more failures do not reach the threshold of three.
	_ = cb.Call(ctx, failing)
	_ = cb.Call(ctx, failing)
	assert.Equal(t, "CLOSED", cb.GetSnapshot().State)
}

func TestOperatorReset(t *testing.T) {
	now := time.Now()
	r := testRegistry(&now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = r.Call(ctx, proto.FailureClassStore, failing)
	}
	require.Equal(t, "OPEN", r.For(proto.FailureClassStore, "").GetSnapshot().State)

	r.Reset(proto.FailureClassStore, "")
	assert.Equal(t, "CLOSED", r.For(proto.FailureClassStore, "").GetSnapshot().State)
	require.NoError(t, r.Call(ctx, proto.FailureClassStore, succeeding))
}

type fakeTransitionObserver struct {
	mu     sync.Mutex
	states []string
}

func (f *fakeTransitionObserver) ObserveBreakerTransition(failureClass, toState string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, toState)
}

func (f *fakeTransitionObserver) observed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.states...)
}

type fakeStateStore struct {
	mu    sync.Mutex
	saved []string
}

func (f *fakeStateStore) SaveBreakerState(_ context.Context, failureClass, tenantID, state string, failureCount int, openedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, failureClass+"/"+tenantID+"/"+state)
	return nil
}

func (f *fakeStateStore) persisted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.saved...)
}

func TestTransitionsNotifyObserverAndStore(t *testing.T) {
	now := time.Now()
	r := testRegistry(&now)
	ctx := context.Background()

	obs := &fakeTransitionObserver{}
	store := &fakeStateStore{}
	r.Instrument(obs, store)

	// Threshold failures open the breaker, the cool-down admits a trial,
	// and the trial success closes it again.
	for i := 0; i < 3; i++ {
		_ = r.Call(ctx, proto.FailureClassAgent, failing)
	}
	now = now.Add(31 * time.Second)
	require.NoError(t, r.Call(ctx, proto.FailureClassAgent, succeeding))

	assert.Equal(t, []string{"OPEN", "HALF_OPEN", "CLOSED"}, obs.observed())
	assert.Equal(t, []string{
		"agent//OPEN",
		"agent//HALF_OPEN",
		"agent//CLOSED",
	}, store.persisted())

	// Successes inside CLOSED are not transitions.
	require.NoError(t, r.Call(ctx, proto.FailureClassAgent, succeeding))
	assert.Len(t, obs.observed(), 3)
}

func TestInstrumentCoversLazilyCreatedBreakers(t *testing.T) {
	now := time.Now()
	r := testRegistry(&now)
	ctx := context.Background()

	obs := &fakeTransitionObserver{}
	r.Instrument(obs, nil)

	cb := r.For(proto.FailureClassInfra, "tenant-a")
	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, failing)
	}
	assert.Equal(t, []string{"OPEN"}, obs.observed())
}

func TestPerTenantIsolation(t *testing.T) {
	now := time.Now()
	r := testRegistry(&now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = r.For(proto.FailureClassAgent, "tenant-a").Call(ctx, failing)
	}

	assert.Equal(t, "OPEN", r.For(proto.FailureClassAgent, "tenant-a").GetSnapshot().State)
	assert.Equal(t, "CLOSED", r.For(proto.FailureClassAgent, "tenant-b").GetSnapshot().State)

	snaps := r.Snapshots()
	assert.GreaterOrEqual(t, len(snaps), 5)
}
