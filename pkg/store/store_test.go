package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncstream/grblcore/pkg/machinestate"
)

func TestMemory_LoadWCSDefaultsWhenUnsaved(t *testing.T) {
	m := NewMemory()
	table, err := m.LoadWCS(context.Background())
	require.NoError(t, err)
	assert.Equal(t, machinestate.G54, table.Active)
}

func TestMemory_SaveAndLoadWCSRoundTrips(t *testing.T) {
	m := NewMemory()
	table := machinestate.NewWCSTable()
	table.Active = machinestate.G56
	table.Offsets[machinestate.G56] = machinestate.Position{X: 1, Y: 2, Z: 3}

	require.NoError(t, m.SaveWCS(context.Background(), table))

	loaded, err := m.LoadWCS(context.Background())
	require.NoError(t, err)
	assert.Equal(t, machinestate.G56, loaded.Active)
	assert.Equal(t, machinestate.Position{X: 1, Y: 2, Z: 3}, loaded.Offsets[machinestate.G56])
}

func TestMemory_LatestCheckpoint_FalseWhenEmpty(t *testing.T) {
	m := NewMemory()
	_, found, err := m.LatestCheckpoint(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemory_LatestCheckpoint_ReturnsMostRecent(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.AppendCheckpoint(context.Background(), Checkpoint{LineIndex: 10}))
	require.NoError(t, m.AppendCheckpoint(context.Background(), Checkpoint{LineIndex: 20}))

	cp, found, err := m.LatestCheckpoint(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 20, cp.LineIndex)
}
