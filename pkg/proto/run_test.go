package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTransitions(t *testing.T) {
	valid := []struct {
		from, to RunStatus
	}{
		{RunPending, RunRunning},
		{RunPending, RunCanceled},
		{RunRunning, RunSucceeded},
		{RunRunning, RunFailed},
		{RunRunning, RunCanceled},
	}
	for _, tc := range valid {
		assert.NoError(t, ValidateRunTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	invalid := []struct {
		from, to RunStatus
	}{
		{RunPending, RunSucceeded},
		{RunPending, RunFailed},
		{RunRunning, RunPending},
		{RunSucceeded, RunRunning},
		{RunSucceeded, RunFailed},
		{RunFailed, RunRunning},
		{RunCanceled, RunRunning},
		{RunCanceled, RunPending},
	}
	for _, tc := range invalid {
		assert.Error(t, ValidateRunTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunPending.IsTerminal())
	assert.False(t, RunRunning.IsTerminal())
	assert.True(t, RunSucceeded.IsTerminal())
	assert.True(t, RunFailed.IsTerminal())
	assert.True(t, RunCanceled.IsTerminal())
}

func TestRoleForStage(t *testing.T) {
	role, err := RoleForStage(StageBuild)
	require.NoError(t, err)
	assert.Equal(t, RoleCodegenEngineer, role)

	role, err = RoleForStage(StageFix)
	require.NoError(t, err)
	assert.Equal(t, RoleAutoFixer, role)

	_, err = RoleForStage(StageEvaluate)
	assert.Error(t, err, "evaluate stage has no agent")
}

func TestParseChaosType(t *testing.T) {
	ct, err := ParseChaosType("timeout")
	require.NoError(t, err)
	assert.Equal(t, ChaosTimeout, ct)

	_, err = ParseChaosType("thermonuclear")
	assert.Error(t, err)
}
