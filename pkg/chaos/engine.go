// Package chaos probabilistically injects faults into pipeline steps and
// tracks each fault's lifecycle and recovery outcome.
package chaos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"metabuilder/pkg/config"
	"metabuilder/pkg/logx"
	"metabuilder/pkg/orcherrors"
	"metabuilder/pkg/proto"
)

// Recorder persists chaos events. Satisfied by *persistence.Store; nil
// disables persistence.
type Recorder interface {
	InsertChaosEvent(ctx context.Context, event *proto.ChaosEvent) error
	ResolveChaosEvent(ctx context.Context, event *proto.ChaosEvent) error
}

// typeStats tracks per-type recovery statistics with an incremental mean.
type typeStats struct {
	total              int
	resolved           int
	successfulRecovers int
	avgRecoverySeconds float64
}

// Engine injects faults into pipeline steps. At most one chaos event is
// active per run at any time.
type Engine struct {
	mu       sync.Mutex
	cfg      config.ChaosConfig
	types    []proto.ChaosType
	byRun    map[string]*proto.ChaosEvent
	byEvent  map[string]*proto.ChaosEvent
	history  []*proto.ChaosEvent
	stats    map[proto.ChaosType]*typeStats
	recorder Recorder
	logger   *logx.Logger
	rng      *rand.Rand
	now      func() time.Time
}

// NewEngine creates a chaos engine from config.
func NewEngine(cfg config.ChaosConfig, recorder Recorder) (*Engine, error) {
	return NewEngineWithRand(cfg, recorder, rand.New(rand.NewSource(time.Now().UnixNano())), time.Now)
}

// NewEngineWithRand creates a chaos engine with injected randomness and clock
// for deterministic tests.
func NewEngineWithRand(cfg config.ChaosConfig, recorder Recorder, rng *rand.Rand, now func() time.Time) (*Engine, error) {
	types := make([]proto.ChaosType, 0, len(cfg.Types))
	for _, raw := range cfg.Types {
		ct, err := proto.ParseChaosType(raw)
		if err != nil {
			return nil, err
		}
		types = append(types, ct)
	}

	return &Engine{
		cfg:      cfg,
		types:    types,
		byRun:    make(map[string]*proto.ChaosEvent),
		byEvent:  make(map[string]*proto.ChaosEvent),
		stats:    make(map[proto.ChaosType]*typeStats),
		recorder: recorder,
		logger:   logx.NewLogger("chaos"),
		rng:      rng,
		now:      now,
	}, nil
}

// ShouldInjectChaos decides whether a fault is injected at this step. False
// when disabled, when no types are configured, when the probability draw
// misses, or when the run already has an active event.
func (e *Engine) ShouldInjectChaos(runID, _ string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.Enabled || len(e.types) == 0 {
		return false
	}
	if _, active := e.byRun[runID]; active {
		return false
	}
	return e.rng.Float64() < e.cfg.InjectionProbability
}

// InjectChaos picks a uniformly random configured fault type, executes its
// behavior, and records the event as active. The returned error is the
// synthetic fault to propagate to the protected step; latency-only faults
// return a nil error alongside the event.
func (e *Engine) InjectChaos(ctx context.Context, runID, stepID string) (*proto.ChaosEvent, error) {
	e.mu.Lock()
	chaosType := e.types[e.rng.Intn(len(e.types))]
	event := &proto.ChaosEvent{
		EventID:    uuid.New().String(),
		ChaosType:  chaosType,
		RunID:      runID,
		StepID:     stepID,
		InjectedAt: e.now(),
		Metadata:   map[string]any{},
	}
	e.byRun[runID] = event
	e.byEvent[event.EventID] = event
	stats := e.statsFor(chaosType)
	stats.total++
	draw := e.rng.Float64()
	e.mu.Unlock()

	e.logger.Warn("injecting %s into run %s step %s (event %s)", chaosType, runID, stepID, event.EventID)

	if e.recorder != nil {
		if err := e.recorder.InsertChaosEvent(ctx, event); err != nil {
			e.logger.Error("failed to persist chaos event %s: %s", event.EventID, err)
		}
	}

	return event, e.executeFault(ctx, event, draw)
}

// executeFault reproduces the behavior contract of each fault type. Errors
// are classified exactly like real failures so recovery paths cannot
// special-case them.
func (e *Engine) executeFault(ctx context.Context, event *proto.ChaosEvent, draw float64) error {
	switch event.ChaosType {
	case proto.ChaosTransientError:
		if draw < 0.7 {
			return orcherrors.NewError(orcherrors.ErrorTypeInfra, "transient backend error")
		}
		return nil

	case proto.ChaosRateLimit:
		return orcherrors.NewError(orcherrors.ErrorTypeInfra, "rate limit exceeded")

	case proto.ChaosNetworkLatency:
		event.Metadata["delay_ms"] = e.sleepBounded(ctx, 50, 500)
		return nil

	case proto.ChaosNetworkFailure:
		if draw < 0.8 {
			return orcherrors.NewError(orcherrors.ErrorTypeInfra, "connection refused")
		}
		return nil

	case proto.ChaosTimeout:
		event.Metadata["delay_ms"] = e.sleepBounded(ctx, 100, 1000)
		return orcherrors.NewError(orcherrors.ErrorTypeInfra, "operation timed out")

	case proto.ChaosMemoryPressure, proto.ChaosCPUPressure, proto.ChaosDiskPressure:
		event.Metadata["delay_ms"] = e.sleepBounded(ctx, 20, 200)
		if draw < 0.3 {
			return orcherrors.NewError(orcherrors.ErrorTypeInfra, "resource exhausted")
		}
		return nil

	default:
		return nil
	}
}

// sleepBounded sleeps a uniform duration between minMS and maxMS, honoring
// context cancellation, and returns the chosen delay.
func (e *Engine) sleepBounded(ctx context.Context, minMS, maxMS int) int {
	e.mu.Lock()
	delay := minMS + e.rng.Intn(maxMS-minMS)
	e.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(delay) * time.Millisecond):
	}
	return delay
}

// ResolveChaos moves an active event into history and updates running
// per-type statistics.
func (e *Engine) ResolveChaos(ctx context.Context, eventID string, recoverySuccessful bool) error {
	e.mu.Lock()
	event, ok := e.byEvent[eventID]
	if !ok || !event.Active() {
		e.mu.Unlock()
		return orcherrors.NewError(orcherrors.ErrorTypeValidation, "chaos event "+eventID+" is not active")
	}

	resolved := e.now()
	event.ResolvedAt = &resolved
	event.DurationSeconds = resolved.Sub(event.InjectedAt).Seconds()
	event.RecoverySuccessful = &recoverySuccessful

	delete(e.byRun, event.RunID)
	e.history = append(e.history, event)

	stats := e.statsFor(event.ChaosType)
	stats.resolved++
	if recoverySuccessful {
		stats.successfulRecovers++
	}
	// Incremental mean over resolved events of this type.
	stats.avgRecoverySeconds += (event.DurationSeconds - stats.avgRecoverySeconds) / float64(stats.resolved)
	e.mu.Unlock()

	e.logger.Info("resolved chaos event %s (recovered=%t, %.2fs)", eventID, recoverySuccessful, event.DurationSeconds)

	if e.recorder != nil {
		if err := e.recorder.ResolveChaosEvent(ctx, event); err != nil {
			e.logger.Error("failed to persist chaos resolution %s: %s", eventID, err)
		}
	}
	return nil
}

// ActiveEventForRun returns the run's active event, if any.
func (e *Engine) ActiveEventForRun(runID string) *proto.ChaosEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byRun[runID]
}

// CleanupExpiredEvents force-resolves active events older than the
// configured maximum duration as failed recoveries. Returns how many events
// were swept.
func (e *Engine) CleanupExpiredEvents(ctx context.Context) int {
	e.mu.Lock()
	cutoff := e.now().Add(-e.cfg.MaxEventDuration)
	var expired []string
	for _, event := range e.byRun {
		if event.InjectedAt.Before(cutoff) {
			expired = append(expired, event.EventID)
		}
	}
	e.mu.Unlock()

	for _, eventID := range expired {
		// The protected step did not recover in time; that is itself a
		// resilience finding.
		if err := e.ResolveChaos(ctx, eventID, false); err == nil {
			e.logger.Warn("force-resolved expired chaos event %s", eventID)
		}
	}
	return len(expired)
}

// StartSweeper runs the expiry sweep on an interval until ctx is canceled.
func (e *Engine) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.CleanupExpiredEvents(ctx)
			}
		}
	}()
}

func (e *Engine) statsFor(ct proto.ChaosType) *typeStats {
	stats, ok := e.stats[ct]
	if !ok {
		stats = &typeStats{}
		e.stats[ct] = stats
	}
	return stats
}

// Stats is a snapshot of the engine's resilience counters.
type Stats struct {
	ChaosTypes      map[string]int     `json:"chaos_types"`
	Config          config.ChaosConfig `json:"config"`
	TotalEvents     int                `json:"total_events"`
	ActiveEvents    int                `json:"active_events"`
	ResolvedEvents  int                `json:"resolved_events"`
	RecoveryRate    float64            `json:"recovery_rate"`
	AvgDurationSecs float64            `json:"avg_duration_seconds"`
}

// GetChaosStats returns aggregate statistics across all fault types.
func (e *Engine) GetChaosStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := Stats{
		ChaosTypes: make(map[string]int),
		Config:     e.cfg,
	}

	var resolved, recovered int
	var durationSum float64
	for ct, stats := range e.stats {
		out.ChaosTypes[string(ct)] = stats.total
		out.TotalEvents += stats.total
		resolved += stats.resolved
		recovered += stats.successfulRecovers
		durationSum += stats.avgRecoverySeconds * float64(stats.resolved)
	}

	out.ActiveEvents = len(e.byRun)
	out.ResolvedEvents = resolved
	if resolved > 0 {
		out.RecoveryRate = float64(recovered) / float64(resolved)
		out.AvgDurationSecs = durationSum / float64(resolved)
	}
	return out
}
