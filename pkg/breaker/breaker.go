// Package breaker implements per-failure-class circuit breakers that shed
// load after repeated errors and reset after a cool-down.
package breaker

import (
	"context"
	"sync"
	"time"

	"metabuilder/pkg/config"
	"metabuilder/pkg/logx"
	"metabuilder/pkg/orcherrors"
	"metabuilder/pkg/proto"
)

// State represents the state of a circuit breaker.
type State int

// Circuit breaker states.
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing if the dependency recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// TransitionObserver records breaker state changes. Satisfied by
// *metrics.Recorder.
type TransitionObserver interface {
	ObserveBreakerTransition(failureClass, toState string)
}

// StateStore persists breaker snapshots on every transition so operators can
// inspect breaker history across restarts. Satisfied by *persistence.Store.
type StateStore interface {
	SaveBreakerState(ctx context.Context, failureClass, tenantID, state string, failureCount int, openedAt *time.Time) error
}

// CircuitBreaker gates calls for one (failure class, tenant) pair.
type CircuitBreaker struct {
	openedAt     time.Time
	class        proto.FailureClass
	tenantID     string
	mu           sync.Mutex
	state        State
	failureCount int
	threshold    int
	resetAfter   time.Duration
	trialActive  bool
	observer     TransitionObserver
	store        StateStore
	logger       *logx.Logger
	now          func() time.Time
}

// Snapshot is an externally visible breaker state.
type Snapshot struct {
	OpenedAt     *time.Time         `json:"opened_at,omitempty"`
	FailureClass proto.FailureClass `json:"failure_class"`
	TenantID     string             `json:"tenant_id,omitempty"`
	State        string             `json:"state"`
	FailureCount int                `json:"failure_count"`
}

func newBreaker(class proto.FailureClass, tenantID string, cfg config.BreakerConfig, now func() time.Time,
	observer TransitionObserver, store StateStore, logger *logx.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		class:      class,
		tenantID:   tenantID,
		state:      StateClosed,
		threshold:  cfg.FailureThreshold,
		resetAfter: cfg.ResetAfter,
		observer:   observer,
		store:      store,
		logger:     logger,
		now:        now,
	}
}

// Call executes fn under the breaker's gate. When OPEN and inside the
// cool-down it short-circuits with a circuit-open error without invoking fn.
// After the cool-down, exactly one trial call is admitted; its outcome closes
// or re-opens the circuit.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allowRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.recordResult(err == nil)
	return err
}

// allowRequest checks whether a call may proceed, handling the
// OPEN -> HALF_OPEN transition when the cool-down has elapsed.
func (cb *CircuitBreaker) allowRequest() error {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return nil

	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetAfter {
			err := cb.openError()
			cb.mu.Unlock()
			return err
		}
		cb.state = StateHalfOpen
		cb.trialActive = true
		snap, obs, store := cb.transitionLocked()
		cb.mu.Unlock()
		cb.noteTransition(snap, obs, store)
		return nil

	case StateHalfOpen:
		// Exactly one trial call is allowed.
		if cb.trialActive {
			err := cb.openError()
			cb.mu.Unlock()
			return err
		}
		cb.trialActive = true
		cb.mu.Unlock()
		return nil

	default:
		err := cb.openError()
		cb.mu.Unlock()
		return err
	}
}

func (cb *CircuitBreaker) openError() *orcherrors.Error {
	return orcherrors.NewError(orcherrors.ErrorTypeCircuitOpen,
		"circuit breaker is "+cb.state.String()+" for class "+string(cb.class))
}

func (cb *CircuitBreaker) recordResult(success bool) {
	cb.mu.Lock()
	from := cb.state

	switch cb.state {
	case StateClosed:
		if success {
			cb.failureCount = 0
		} else {
			cb.failureCount++
			if cb.failureCount >= cb.threshold {
				cb.state = StateOpen
				cb.openedAt = cb.now()
			}
		}

	case StateHalfOpen:
		cb.trialActive = false
		if success {
			cb.state = StateClosed
			cb.failureCount = 0
		} else {
			cb.state = StateOpen
			cb.openedAt = cb.now()
		}

	case StateOpen:
		// A call admitted before the state flipped; failures keep it open.
		if !success {
			cb.openedAt = cb.now()
		}
	}

	changed := cb.state != from
	snap, obs, store := cb.transitionLocked()
	cb.mu.Unlock()
	if changed {
		cb.noteTransition(snap, obs, store)
	}
}

// Reset is the operator override back to CLOSED.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	changed := cb.state != StateClosed
	cb.state = StateClosed
	cb.failureCount = 0
	cb.trialActive = false
	snap, obs, store := cb.transitionLocked()
	cb.mu.Unlock()
	if changed {
		cb.noteTransition(snap, obs, store)
	}
}

// GetSnapshot returns the current breaker state.
func (cb *CircuitBreaker) GetSnapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.snapshotLocked()
}

// snapshotLocked builds a Snapshot. Caller holds cb.mu.
func (cb *CircuitBreaker) snapshotLocked() Snapshot {
	snap := Snapshot{
		FailureClass: cb.class,
		TenantID:     cb.tenantID,
		State:        cb.state.String(),
		FailureCount: cb.failureCount,
	}
	if cb.state == StateOpen {
		t := cb.openedAt
		snap.OpenedAt = &t
	}
	return snap
}

// transitionLocked captures everything a transition notification needs while
// the mutex is still held. Caller holds cb.mu.
func (cb *CircuitBreaker) transitionLocked() (Snapshot, TransitionObserver, StateStore) {
	return cb.snapshotLocked(), cb.observer, cb.store
}

// noteTransition publishes a state change to the metrics observer and the
// durable breaker-state table. Called without the mutex held.
func (cb *CircuitBreaker) noteTransition(snap Snapshot, obs TransitionObserver, store StateStore) {
	if obs != nil {
		obs.ObserveBreakerTransition(string(cb.class), snap.State)
	}
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := store.SaveBreakerState(ctx, string(cb.class), cb.tenantID, snap.State, snap.FailureCount, snap.OpenedAt)
		if err != nil && cb.logger != nil {
			cb.logger.Warn("failed to persist breaker state %s/%s: %v", cb.class, cb.tenantID, err)
		}
	}
}

func (cb *CircuitBreaker) instrument(obs TransitionObserver, store StateStore) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.observer = obs
	cb.store = store
}

// Registry holds the breakers of all (class, tenant) pairs.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	cfg      config.BreakerConfig
	observer TransitionObserver
	store    StateStore
	logger   *logx.Logger
	now      func() time.Time
}

// NewRegistry creates a registry with breakers pre-created for every known
// failure class at the tenant-agnostic scope.
func NewRegistry(cfg config.BreakerConfig) *Registry {
	return NewRegistryWithClock(cfg, time.Now)
}

// NewRegistryWithClock creates a registry with an injected clock for tests.
func NewRegistryWithClock(cfg config.BreakerConfig, now func() time.Time) *Registry {
	r := &Registry{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
		logger:   logx.NewLogger("breaker"),
		now:      now,
	}
	for _, class := range proto.KnownFailureClasses() {
		r.breakers[breakerKey(class, "")] = newBreaker(class, "", cfg, now, nil, nil, r.logger)
	}
	return r
}

// Instrument attaches the transition observer and durable state store to
// every breaker, current and future. Either may be nil.
func (r *Registry) Instrument(obs TransitionObserver, store StateStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = obs
	r.store = store
	for _, cb := range r.breakers {
		cb.instrument(obs, store)
	}
}

func breakerKey(class proto.FailureClass, tenantID string) string {
	return string(class) + "/" + tenantID
}

// For returns the breaker for a (class, tenant) pair, creating it on first use.
func (r *Registry) For(class proto.FailureClass, tenantID string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := breakerKey(class, tenantID)
	cb, ok := r.breakers[key]
	if !ok {
		cb = newBreaker(class, tenantID, r.cfg, r.now, r.observer, r.store, r.logger)
		r.breakers[key] = cb
	}
	return cb
}

// Call routes through the breaker of the given class at tenant-agnostic scope.
func (r *Registry) Call(ctx context.Context, class proto.FailureClass, fn func(ctx context.Context) error) error {
	return r.For(class, "").Call(ctx, fn)
}

// Reset is the operator override for one (class, tenant) breaker.
func (r *Registry) Reset(class proto.FailureClass, tenantID string) {
	r.For(class, tenantID).Reset()
	r.logger.Info("breaker %s/%s reset to CLOSED by operator", class, tenantID)
}

// Snapshots returns the state of every breaker in the registry.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.GetSnapshot())
	}
	return out
}
