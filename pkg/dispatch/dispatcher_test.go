package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDispatcher(t *testing.T, pool, depth int) *Dispatcher {
	t.Helper()
	d := NewDispatcher(pool, depth)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func TestEnqueueAndProcess(t *testing.T) {
	d := startDispatcher(t, 2, 8)

	var count atomic.Int64
	done := make(chan struct{}, 4)
	for i := 0; i < 4; i++ {
		runID := fmt.Sprintf("run-%d", i)
		require.NoError(t, d.Enqueue(&Job{
			RunID:    runID,
			TenantID: "tenant-a",
			Fn: func(ctx context.Context) error {
				count.Add(1)
				done <- struct{}{}
				return nil
			},
		}))
	}
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	assert.Equal(t, int64(4), count.Load())
}

func TestEnqueueRejectsWhenQueueFull(t *testing.T) {
	d := startDispatcher(t, 1, 2)

	// Occupy the single worker so queued jobs stay queued.
	block := make(chan struct{})
	require.NoError(t, d.Enqueue(&Job{
		RunID: "run-busy", TenantID: "tenant-a",
		Fn: func(ctx context.Context) error { <-block; return nil },
	}))
	waitForActive(t, d, 1)

	require.NoError(t, d.Enqueue(&Job{RunID: "q1", TenantID: "tenant-a", Fn: noop}))
	require.NoError(t, d.Enqueue(&Job{RunID: "q2", TenantID: "tenant-a", Fn: noop}))

	err := d.Enqueue(&Job{RunID: "q3", TenantID: "tenant-a", Fn: noop})
	require.ErrorIs(t, err, ErrQueueFull)

	// Another tenant still has room.
	require.NoError(t, d.Enqueue(&Job{RunID: "q4", TenantID: "tenant-b", Fn: noop}))
	close(block)
}

func TestPerTenantFIFOOrder(t *testing.T) {
	d := startDispatcher(t, 1, 16)

	block := make(chan struct{})
	require.NoError(t, d.Enqueue(&Job{
		RunID: "run-busy", TenantID: "tenant-a",
		Fn: func(ctx context.Context) error { <-block; return nil },
	}))
	waitForActive(t, d, 1)

	var mu sync.Mutex
	var order []string
	for i := 0; i < 5; i++ {
		runID := fmt.Sprintf("run-%d", i)
		require.NoError(t, d.Enqueue(&Job{
			RunID: runID, TenantID: "tenant-a",
			Fn: func(ctx context.Context) error {
				mu.Lock()
				order = append(order, runID)
				mu.Unlock()
				return nil
			},
		}))
	}
	close(block)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"run-0", "run-1", "run-2", "run-3", "run-4"}, order)
}

func TestSameRunNeverConcurrent(t *testing.T) {
	d := startDispatcher(t, 4, 16)

	var inFlight atomic.Int32
	var maxInFlight atomic.Int32
	var wg sync.WaitGroup
	wg.Add(6)
	for i := 0; i < 6; i++ {
		require.NoError(t, d.Enqueue(&Job{
			RunID: "run-shared", TenantID: fmt.Sprintf("tenant-%d", i),
			Fn: func(ctx context.Context) error {
				defer wg.Done()
				n := inFlight.Add(1)
				for {
					old := maxInFlight.Load()
					if n <= old || maxInFlight.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			},
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load(), "same run must serialize")
}

func TestDrainQueuesWaitsForCompletion(t *testing.T) {
	d := startDispatcher(t, 2, 16)

	var count atomic.Int64
	for i := 0; i < 6; i++ {
		require.NoError(t, d.Enqueue(&Job{
			RunID: fmt.Sprintf("run-%d", i), TenantID: "tenant-a",
			Fn: func(ctx context.Context) error {
				time.Sleep(5 * time.Millisecond)
				count.Add(1)
				return nil
			},
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.DrainQueues(ctx))
	assert.Equal(t, int64(6), count.Load())

	// Draining rejects new work until resumed.
	err := d.Enqueue(&Job{RunID: "late", TenantID: "tenant-a", Fn: noop})
	require.ErrorIs(t, err, ErrDraining)

	d.Resume()
	require.NoError(t, d.Enqueue(&Job{RunID: "late", TenantID: "tenant-a", Fn: noop}))
}

func TestShutdownDropsQueuedJobs(t *testing.T) {
	d := NewDispatcher(1, 16)
	require.NoError(t, d.Start(context.Background()))

	block := make(chan struct{})
	require.NoError(t, d.Enqueue(&Job{
		RunID: "run-busy", TenantID: "tenant-a",
		Fn: func(ctx context.Context) error { <-block; return nil },
	}))
	waitForActive(t, d, 1)

	dropped := make(chan error, 2)
	for i := 0; i < 2; i++ {
		require.NoError(t, d.Enqueue(&Job{
			RunID: fmt.Sprintf("queued-%d", i), TenantID: "tenant-a",
			Fn:     noop,
			OnDrop: func(err error) { dropped <- err },
		}))
	}

	// Release the busy job only after Shutdown has already dropped the
	// queue, so the queued jobs never get a chance to run.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(block)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	for i := 0; i < 2; i++ {
		select {
		case err := <-dropped:
			assert.ErrorIs(t, err, ErrShutdown)
		default:
			t.Fatal("expected dropped job callback")
		}
	}

	err := d.Enqueue(&Job{RunID: "after", TenantID: "tenant-a", Fn: noop})
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestWorkerSurvivesPanickingJob(t *testing.T) {
	d := startDispatcher(t, 1, 8)

	require.NoError(t, d.Enqueue(&Job{
		RunID: "run-panic", TenantID: "tenant-a",
		Fn: func(ctx context.Context) error { panic("boom") },
	}))

	done := make(chan struct{})
	require.NoError(t, d.Enqueue(&Job{
		RunID: "run-after", TenantID: "tenant-a",
		Fn: func(ctx context.Context) error { close(done); return nil },
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not recover from panic")
	}

	stats := d.GetStats()
	assert.Equal(t, int64(1), stats.Failed)
}

type fakeGauges struct {
	mu         sync.Mutex
	depths     map[string][]int
	maxWorkers int
	lastActive int
}

func newFakeGauges() *fakeGauges {
	return &fakeGauges{depths: make(map[string][]int)}
}

func (f *fakeGauges) SetQueueDepth(tenantID string, depth int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depths[tenantID] = append(f.depths[tenantID], depth)
}

func (f *fakeGauges) SetActiveWorkers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastActive = n
	if n > f.maxWorkers {
		f.maxWorkers = n
	}
}

func TestGaugesTrackQueueDepthAndWorkers(t *testing.T) {
	gauges := newFakeGauges()
	d := NewDispatcher(1, 16)
	d.SetGauges(gauges)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	block := make(chan struct{})
	require.NoError(t, d.Enqueue(&Job{
		RunID: "run-busy", TenantID: "tenant-a",
		Fn: func(ctx context.Context) error { <-block; return nil },
	}))
	waitForActive(t, d, 1)

	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Enqueue(&Job{
			RunID: fmt.Sprintf("run-%d", i), TenantID: "tenant-a",
			Fn: func(ctx context.Context) error {
				done <- struct{}{}
				return nil
			},
		}))
	}
	close(block)
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	require.Eventually(t, func() bool {
		gauges.mu.Lock()
		defer gauges.mu.Unlock()
		depths := gauges.depths["tenant-a"]
		return len(depths) > 0 && depths[len(depths)-1] == 0 && gauges.lastActive == 0
	}, 5*time.Second, 10*time.Millisecond)

	gauges.mu.Lock()
	defer gauges.mu.Unlock()
	maxDepth := 0
	for _, depth := range gauges.depths["tenant-a"] {
		if depth > maxDepth {
			maxDepth = depth
		}
	}
	assert.Equal(t, 3, maxDepth, "queue backlog behind the busy worker")
	assert.Equal(t, 1, gauges.maxWorkers)
}

func TestStatsSnapshot(t *testing.T) {
	d := startDispatcher(t, 2, 8)

	stats := d.GetStats()
	assert.True(t, stats.Running)
	assert.Equal(t, 2, stats.WorkerPool)
	assert.Empty(t, stats.QueueDepths)
}

func noop(ctx context.Context) error { return nil }

func waitForActive(t *testing.T, d *Dispatcher, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return d.GetStats().ActiveWorkers >= n
	}, 5*time.Second, 5*time.Millisecond)
}
