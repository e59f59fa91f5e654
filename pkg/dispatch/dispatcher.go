// Package dispatch schedules run work across a bounded worker pool with
// per-tenant FIFO queues. Fairness is round-robin across tenants; within a
// tenant, jobs run in submission order, and two jobs for the same run never
// run concurrently.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"metabuilder/pkg/logx"
)

// Dispatcher errors.
var (
	ErrNotRunning = fmt.Errorf("dispatcher is not running")
	ErrDraining   = fmt.Errorf("dispatcher is draining, not accepting new work")
	ErrQueueFull  = fmt.Errorf("tenant queue is full")
	ErrShutdown   = fmt.Errorf("dispatcher shut down before job ran")
)

// Job is one unit of run work. Fn does the work; OnDrop, if set, is called
// when the dispatcher discards the job without running it.
type Job struct {
	RunID      string
	TenantID   string
	Fn         func(ctx context.Context) error
	OnDrop     func(err error)
	EnqueuedAt time.Time
}

// GaugeObserver publishes queue depth and worker activity gauges. Satisfied
// by *metrics.Recorder.
type GaugeObserver interface {
	SetQueueDepth(tenantID string, depth int)
	SetActiveWorkers(n int)
}

// Stats is a point-in-time snapshot of dispatcher state.
type Stats struct {
	QueueDepths   map[string]int `json:"queue_depths"`
	ActiveWorkers int            `json:"active_workers"`
	WorkerPool    int            `json:"worker_pool"`
	Processed     int64          `json:"processed"`
	Failed        int64          `json:"failed"`
	Dropped       int64          `json:"dropped"`
	Draining      bool           `json:"draining"`
	Running       bool           `json:"running"`
}

type Dispatcher struct {
	logger     *logx.Logger
	poolSize   int
	queueDepth int
	gauges     GaugeObserver

	mu          sync.Mutex
	cond        *sync.Cond
	queues      map[string][]*Job
	tenantOrder []string
	nextTenant  int
	activeRuns  map[string]bool
	active      int
	processed   int64
	failed      int64
	dropped     int64
	running     bool
	draining    bool
	stopping    bool

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher with the given worker pool size and
// per-tenant queue depth. Zero values fall back to small sane defaults.
func NewDispatcher(poolSize, queueDepth int) *Dispatcher {
	if poolSize <= 0 {
		poolSize = 4
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	d := &Dispatcher{
		logger:     logx.NewLogger("dispatch"),
		poolSize:   poolSize,
		queueDepth: queueDepth,
		queues:     make(map[string][]*Job),
		activeRuns: make(map[string]bool),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// SetGauges publishes queue and worker gauges to the observer. Call before
// Start.
func (d *Dispatcher) SetGauges(obs GaugeObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gauges = obs
}

// gaugeQueueDepth reports one tenant's depth. Caller holds d.mu.
func (d *Dispatcher) gaugeQueueDepth(tenantID string) {
	if d.gauges != nil {
		d.gauges.SetQueueDepth(tenantID, len(d.queues[tenantID]))
	}
}

// gaugeActiveWorkers reports the busy-worker count. Caller holds d.mu.
func (d *Dispatcher) gaugeActiveWorkers() {
	if d.gauges != nil {
		d.gauges.SetActiveWorkers(d.active)
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("dispatcher is already running")
	}
	d.running = true
	d.draining = false
	d.stopping = false

	workerCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	group, workerCtx := errgroup.WithContext(workerCtx)
	d.group = group
	for i := 0; i < d.poolSize; i++ {
		worker := i
		group.Go(func() error {
			d.runWorker(workerCtx, worker)
			return nil
		})
	}
	// Wake blocked workers when the parent context dies without Shutdown.
	go func() {
		<-workerCtx.Done()
		d.mu.Lock()
		d.stopping = true
		d.cond.Broadcast()
		d.mu.Unlock()
	}()

	d.logger.Info("started %d workers (queue depth %d per tenant)", d.poolSize, d.queueDepth)
	return nil
}

// Enqueue adds a job to its tenant's FIFO queue. Jobs are rejected when the
// dispatcher is not running, is draining, or the tenant queue is full.
func (d *Dispatcher) Enqueue(job *Job) error {
	if job == nil || job.Fn == nil {
		return fmt.Errorf("job has no work function")
	}
	if job.TenantID == "" {
		return fmt.Errorf("job has no tenant")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return ErrNotRunning
	}
	if d.draining {
		return ErrDraining
	}
	queue, known := d.queues[job.TenantID]
	if len(queue) >= d.queueDepth {
		return fmt.Errorf("%w: tenant %s has %d queued jobs", ErrQueueFull, job.TenantID, len(queue))
	}
	if !known {
		d.tenantOrder = append(d.tenantOrder, job.TenantID)
	}
	job.EnqueuedAt = time.Now()
	d.queues[job.TenantID] = append(queue, job)
	d.gaugeQueueDepth(job.TenantID)
	d.cond.Broadcast()
	d.logger.Debug("queued run %s for tenant %s (depth %d)", job.RunID, job.TenantID, len(queue)+1)
	return nil
}

// runWorker pulls jobs until the dispatcher stops.
func (d *Dispatcher) runWorker(ctx context.Context, id int) {
	for {
		job := d.nextJob(ctx)
		if job == nil {
			d.logger.Debug("worker %d exiting", id)
			return
		}

		err := d.invoke(ctx, job)

		d.mu.Lock()
		d.active--
		d.gaugeActiveWorkers()
		delete(d.activeRuns, job.RunID)
		d.processed++
		if err != nil {
			d.failed++
		}
		d.cond.Broadcast()
		d.mu.Unlock()

		if err != nil {
			d.logger.Warn("run %s (tenant %s) failed: %v", job.RunID, job.TenantID, err)
		}
	}
}

// invoke runs one job, converting a panic into an error so a bad job never
// kills the worker.
func (d *Dispatcher) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job for run %s panicked: %v", job.RunID, r)
		}
	}()
	return job.Fn(ctx)
}

// nextJob blocks for the next runnable job, rotating across tenants so one
// busy tenant cannot starve the rest. A job whose run is already executing
// stays queued, preserving its tenant's FIFO order. Returns nil on shutdown.
func (d *Dispatcher) nextJob(ctx context.Context) *Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if d.stopping || ctx.Err() != nil {
			return nil
		}
		if job := d.dequeueLocked(); job != nil {
			d.active++
			d.gaugeActiveWorkers()
			d.activeRuns[job.RunID] = true
			return job
		}
		d.cond.Wait()
	}
}

// dequeueLocked pops the head of the next eligible tenant queue. Caller
// holds d.mu.
func (d *Dispatcher) dequeueLocked() *Job {
	n := len(d.tenantOrder)
	for i := 0; i < n; i++ {
		idx := (d.nextTenant + i) % n
		tenant := d.tenantOrder[idx]
		queue := d.queues[tenant]
		if len(queue) == 0 {
			continue
		}
		head := queue[0]
		if d.activeRuns[head.RunID] {
			continue
		}
		d.queues[tenant] = queue[1:]
		d.gaugeQueueDepth(tenant)
		d.nextTenant = (idx + 1) % n
		return head
	}
	return nil
}

// DrainQueues stops accepting new work and blocks until every queued and
// in-flight job has finished or the context expires. The worker pool stays
// up afterwards; call Resume to accept work again.
func (d *Dispatcher) DrainQueues(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotRunning
	}
	d.draining = true
	d.mu.Unlock()
	d.logger.Info("draining queues")

	done := make(chan struct{})
	go func() {
		d.mu.Lock()
		for (d.queuedLocked() > 0 || d.active > 0) && !d.stopping {
			d.cond.Wait()
		}
		d.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("queues drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain did not complete: %w", ctx.Err())
	}
}

// Resume re-opens the dispatcher for new work after a drain.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.draining = false
}

// Shutdown stops the worker pool. In-flight jobs get until the context
// deadline to finish; jobs still queued are dropped with ErrShutdown.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.stopping = true
	d.draining = true

	var orphans []*Job
	for tenant, queue := range d.queues {
		orphans = append(orphans, queue...)
		d.queues[tenant] = nil
		d.gaugeQueueDepth(tenant)
	}
	d.dropped += int64(len(orphans))
	d.cond.Broadcast()
	d.mu.Unlock()

	for _, job := range orphans {
		if job.OnDrop != nil {
			job.OnDrop(fmt.Errorf("%w: run %s", ErrShutdown, job.RunID))
		}
	}
	if len(orphans) > 0 {
		d.logger.Warn("dropped %d queued jobs on shutdown", len(orphans))
	}

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.cancel()
		d.logger.Warn("shutdown deadline reached with jobs still in flight")
		return ctx.Err()
	}
}

// GetStats returns a snapshot of queue depths and worker activity.
func (d *Dispatcher) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	depths := make(map[string]int, len(d.queues))
	for tenant, queue := range d.queues {
		if len(queue) > 0 {
			depths[tenant] = len(queue)
		}
	}
	return Stats{
		QueueDepths:   depths,
		ActiveWorkers: d.active,
		WorkerPool:    d.poolSize,
		Processed:     d.processed,
		Failed:        d.failed,
		Dropped:       d.dropped,
		Draining:      d.draining,
		Running:       d.running,
	}
}

func (d *Dispatcher) queuedLocked() int {
	total := 0
	for _, queue := range d.queues {
		total += len(queue)
	}
	return total
}
