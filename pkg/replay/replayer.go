package replay

import (
	"fmt"
	"sort"

	"metabuilder/pkg/logx"
	"metabuilder/pkg/proto"
)

// Handler consumes one recorded entry during playback. Handlers must not
// perform side effects: no provider calls, no writes, no network. They only
// inspect the recorded input/output and report divergence.
type Handler func(entry *proto.ReplayEntry) error

// StepOutcome is the playback result for one entry.
type StepOutcome struct {
	Sequence int    `json:"sequence"`
	Kind     string `json:"kind"`
	Stage    string `json:"stage"`
	Error    string `json:"error,omitempty"`
	OK       bool   `json:"ok"`
}

// Result summarizes one bundle playback.
type Result struct {
	RunID      string        `json:"run_id"`
	BundleID   string        `json:"bundle_id"`
	FinalState string        `json:"final_state"`
	Steps      []StepOutcome `json:"steps"`
	Divergent  int           `json:"divergent"`
	Replayed   int           `json:"replayed"`
}

// Replayer plays frozen bundles back through kind-scoped handlers. Entries
// are replayed strictly in sequence order regardless of how the bundle was
// stored.
type Replayer struct {
	handlers map[proto.ReplayEntryKind]Handler
	logger   *logx.Logger
}

// NewReplayer creates a replayer with no handlers registered. Entries with
// no handler are replayed as trivially successful.
func NewReplayer() *Replayer {
	return &Replayer{
		handlers: make(map[proto.ReplayEntryKind]Handler),
		logger:   logx.NewLogger("replayer"),
	}
}

// Handle registers a handler for one entry kind, replacing any previous one.
func (r *Replayer) Handle(kind proto.ReplayEntryKind, handler Handler) {
	r.handlers[kind] = handler
}

// ReplayRun plays a frozen bundle back through the registered handlers. The
// bundle is not modified; a handler error marks the step divergent and
// playback continues.
func (r *Replayer) ReplayRun(bundle *proto.ReplayBundle) (*Result, error) {
	if bundle == nil {
		return nil, fmt.Errorf("bundle is nil")
	}
	if !bundle.Frozen {
		return nil, fmt.Errorf("bundle for run %s is not frozen; only terminal runs can be replayed", bundle.RunID)
	}

	entries := append([]proto.ReplayEntry(nil), bundle.Entries...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Sequence < entries[j].Sequence
	})

	result := &Result{
		RunID:      bundle.RunID,
		BundleID:   bundle.BundleID,
		FinalState: bundle.FinalState,
		Steps:      make([]StepOutcome, 0, len(entries)),
	}
	for i := range entries {
		entry := &entries[i]
		outcome := StepOutcome{
			Sequence: entry.Sequence,
			Kind:     string(entry.Kind),
			Stage:    entry.Stage,
			OK:       true,
		}
		if handler, ok := r.handlers[entry.Kind]; ok {
			if err := handler(entry); err != nil {
				outcome.OK = false
				outcome.Error = err.Error()
				result.Divergent++
			}
		}
		result.Steps = append(result.Steps, outcome)
		result.Replayed++
	}

	r.logger.Info("replayed run %s: %d entries, %d divergent", bundle.RunID, result.Replayed, result.Divergent)
	return result, nil
}
