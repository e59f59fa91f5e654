package logx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecentEntriesFilter(t *testing.T) {
	orch := NewLogger("orchestrator-test")
	chaos := NewLogger("chaos-test")

	orch.Info("run %s started", "r-1")
	chaos.Warn("injecting %s", "timeout")
	orch.Error("run %s failed", "r-1")

	entries := RecentEntries("orchestrator-test")
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "orchestrator-test", e.Component)
	}

	all := RecentEntries("")
	assert.GreaterOrEqual(t, len(all), 3)
}

func TestDebugGated(t *testing.T) {
	SetDebug(false)
	defer SetDebug(false)

	l := NewLogger("debug-gate-test")
	l.Debug("should not appear")
	assert.Empty(t, RecentEntries("debug-gate-test"))

	SetDebug(true)
	l.Debug("now visible")
	entries := RecentEntries("debug-gate-test")
	assert.Len(t, entries, 1)
	assert.Equal(t, "DEBUG", entries[0].Level)
}
