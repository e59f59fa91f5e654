package proto

import "time"

// ReplayEntryKind distinguishes the recorded entry streams of a bundle.
type ReplayEntryKind string

const (
	ReplayEntryPrompt ReplayEntryKind = "prompt"
	ReplayEntryToolIO ReplayEntryKind = "tool_io"
	ReplayEntryDiff   ReplayEntryKind = "diff"
)

// ReplayEntry is one recorded prompt, tool call, or diff.
type ReplayEntry struct {
	At        time.Time       `json:"at"`
	Kind      ReplayEntryKind `json:"kind"`
	Stage     string          `json:"stage"`
	Input     string          `json:"input"`
	Output    string          `json:"output"`
	Iteration int             `json:"iteration"`
	Sequence  int             `json:"sequence"`
}

// ReplayBundle is the immutable audit capture of one run: every prompt, tool
// call, and diff it applied, plus the final state. Append-only while the run
// is live, frozen once the run reaches a terminal state.
type ReplayBundle struct {
	CreatedAt  time.Time     `json:"created_at"`
	BundleID   string        `json:"bundle_id"`
	RunID      string        `json:"run_id"`
	FinalState string        `json:"final_state"`
	Entries    []ReplayEntry `json:"entries"`
	Frozen     bool          `json:"frozen"`
}

// EntriesOfKind filters the bundle's entries by kind, preserving order.
func (b *ReplayBundle) EntriesOfKind(kind ReplayEntryKind) []ReplayEntry {
	out := make([]ReplayEntry, 0, len(b.Entries))
	for _, e := range b.Entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
