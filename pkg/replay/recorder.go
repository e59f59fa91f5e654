// Package replay captures deterministic replay bundles for runs: every
// prompt, tool call, and diff a run produced, frozen once the run reaches a
// terminal state, and replayable offline without touching live providers.
package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"metabuilder/pkg/logx"
	"metabuilder/pkg/proto"
)

// ErrBundleFrozen is returned when appending to a bundle whose run has
// already reached a terminal state.
var ErrBundleFrozen = fmt.Errorf("replay bundle is frozen")

// BundleStore persists bundles. Satisfied by *persistence.Store; nil keeps
// bundles in memory only.
type BundleStore interface {
	SaveReplayBundle(ctx context.Context, bundle *proto.ReplayBundle) error
	GetReplayBundleByRun(ctx context.Context, runID string) (*proto.ReplayBundle, error)
	ListReplayBundles(ctx context.Context) ([]*proto.ReplayBundle, error)
}

// Recorder accumulates one append-only bundle per run. Entries get a
// monotonic per-run sequence number at append time, so bundle order is the
// order side effects actually happened.
type Recorder struct {
	mu      sync.Mutex
	bundles map[string]*proto.ReplayBundle
	store   BundleStore
	logger  *logx.Logger
	now     func() time.Time
}

// NewRecorder creates a recorder backed by the given store.
func NewRecorder(store BundleStore) *Recorder {
	return &Recorder{
		bundles: make(map[string]*proto.ReplayBundle),
		store:   store,
		logger:  logx.NewLogger("replay"),
		now:     time.Now,
	}
}

// Record appends one entry to the run's bundle, creating the bundle on first
// use. Appending to a frozen bundle fails.
func (r *Recorder) Record(runID string, kind proto.ReplayEntryKind, stage, input, output string, iteration int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bundle, ok := r.bundles[runID]
	if !ok {
		bundle = &proto.ReplayBundle{
			BundleID:  uuid.New().String(),
			RunID:     runID,
			CreatedAt: r.now().UTC(),
		}
		r.bundles[runID] = bundle
	}
	if bundle.Frozen {
		return fmt.Errorf("%w: run %s", ErrBundleFrozen, runID)
	}

	bundle.Entries = append(bundle.Entries, proto.ReplayEntry{
		At:        r.now().UTC(),
		Kind:      kind,
		Stage:     stage,
		Input:     input,
		Output:    output,
		Iteration: iteration,
		Sequence:  len(bundle.Entries),
	})
	return nil
}

// RecordPrompt captures a prompt/response exchange.
func (r *Recorder) RecordPrompt(runID, stage, prompt, response string, iteration int) error {
	return r.Record(runID, proto.ReplayEntryPrompt, stage, prompt, response, iteration)
}

// RecordToolIO captures a tool invocation and its output.
func (r *Recorder) RecordToolIO(runID, stage, input, output string, iteration int) error {
	return r.Record(runID, proto.ReplayEntryToolIO, stage, input, output, iteration)
}

// RecordDiff captures an applied artifact diff.
func (r *Recorder) RecordDiff(runID, stage, diff string, iteration int) error {
	return r.Record(runID, proto.ReplayEntryDiff, stage, diff, "", iteration)
}

// Freeze marks the run's bundle immutable with the run's terminal state and
// persists it. Freezing an already frozen bundle is a no-op. A run that
// recorded nothing still gets an empty frozen bundle so the audit trail shows
// the run existed.
func (r *Recorder) Freeze(ctx context.Context, runID string, finalState proto.RunStatus) error {
	r.mu.Lock()
	bundle, ok := r.bundles[runID]
	if !ok {
		bundle = &proto.ReplayBundle{
			BundleID:  uuid.New().String(),
			RunID:     runID,
			CreatedAt: r.now().UTC(),
		}
		r.bundles[runID] = bundle
	}
	if bundle.Frozen {
		r.mu.Unlock()
		return nil
	}
	bundle.Frozen = true
	bundle.FinalState = string(finalState)
	snapshot := *bundle
	snapshot.Entries = append([]proto.ReplayEntry(nil), bundle.Entries...)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveReplayBundle(ctx, &snapshot); err != nil {
			return fmt.Errorf("failed to persist replay bundle for run %s: %w", runID, err)
		}
	}
	r.logger.Info("froze replay bundle %s for run %s (%d entries, final state %s)",
		bundle.BundleID, runID, len(snapshot.Entries), finalState)
	return nil
}

// Bundle returns a copy of the run's bundle, falling back to the store for
// runs no longer held in memory.
func (r *Recorder) Bundle(ctx context.Context, runID string) (*proto.ReplayBundle, error) {
	r.mu.Lock()
	bundle, ok := r.bundles[runID]
	if ok {
		snapshot := *bundle
		snapshot.Entries = append([]proto.ReplayEntry(nil), bundle.Entries...)
		r.mu.Unlock()
		return &snapshot, nil
	}
	r.mu.Unlock()

	if r.store == nil {
		return nil, fmt.Errorf("no replay bundle for run %s", runID)
	}
	return r.store.GetReplayBundleByRun(ctx, runID)
}

// List returns persisted bundles in creation order.
func (r *Recorder) List(ctx context.Context) ([]*proto.ReplayBundle, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.ListReplayBundles(ctx)
}

// Release drops the in-memory copy of a frozen bundle. The persisted copy
// remains the source of truth.
func (r *Recorder) Release(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bundle, ok := r.bundles[runID]; ok && bundle.Frozen {
		delete(r.bundles, runID)
	}
}
