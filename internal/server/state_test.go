package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineFollowsLifecycleOrder(t *testing.T) {
	m := &stateMachine{current: Offline}

	prev, err := m.transition(Starting)
	require.NoError(t, err)
	assert.Equal(t, Offline, prev)

	prev, err = m.transition(Running)
	require.NoError(t, err)
	assert.Equal(t, Starting, prev)

	prev, err = m.transition(Stopping)
	require.NoError(t, err)
	assert.Equal(t, Running, prev)

	prev, err = m.transition(Offline)
	require.NoError(t, err)
	assert.Equal(t, Stopping, prev)
}

func TestStateMachineRejectsIllegalEdge(t *testing.T) {
	m := &stateMachine{current: Offline}
	_, err := m.transition(Running)
	require.Error(t, err)
	assert.Equal(t, Offline, m.current)
}

func TestStartingCanAbortDirectlyToOffline(t *testing.T) {
	m := &stateMachine{current: Starting}
	_, err := m.transition(Offline)
	require.NoError(t, err)
	assert.Equal(t, Offline, m.current)
}
