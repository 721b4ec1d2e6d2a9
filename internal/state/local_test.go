package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergo-io/convergo/internal/ir"
)

func newTestBackend(t *testing.T) *LocalBackend {
	t.Helper()
	return NewLocalBackend(filepath.Join(t.TempDir(), ".convergo", "state.json"))
}

func TestLocalBackend_ReadMissingFile(t *testing.T) {
	b := newTestBackend(t)

	state, err := b.Read(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ir.StateVersion, state.Version)
	assert.Equal(t, 0, state.Serial)
	assert.NotEmpty(t, state.Lineage)
	assert.Empty(t, state.Resources)
}

func TestLocalBackend_WriteReadRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	state, err := b.Read(ctx)
	require.NoError(t, err)

	state.Resources = append(state.Resources, &ir.ResourceState{
		Type:     "null:Resource",
		Name:     "app",
		Provider: "null",
		Inputs:   map[string]any{"size": "small"},
		Outputs:  map[string]any{"id": "null-app"},
	})
	require.NoError(t, b.Write(ctx, state))
	assert.Equal(t, 1, state.Serial)

	got, err := b.Read(ctx)
	require.NoError(t, err)
	require.Len(t, got.Resources, 1)
	assert.Equal(t, "null-app", got.Resources[0].Outputs["id"])
	assert.Equal(t, state.Lineage, got.Lineage)
	assert.Equal(t, 1, got.Serial)
}

func TestLocalBackend_SerialIncrementsPerWrite(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	state, err := b.Read(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Write(ctx, state))
	require.NoError(t, b.Write(ctx, state))
	require.NoError(t, b.Write(ctx, state))
	assert.Equal(t, 3, state.Serial)
}

func TestLocalBackend_SerialConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	a := NewLocalBackend(path)
	stateA, err := a.Read(ctx)
	require.NoError(t, err)

	// A second run reads the same document, then writes first.
	c := NewLocalBackend(path)
	stateC, err := c.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, stateC))

	err = a.Write(ctx, stateA)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSerialConflict)
}

func TestLocalBackend_LockConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	a := NewLocalBackend(path)
	require.NoError(t, a.Lock())

	b := NewLocalBackend(path)
	err := b.Lock()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPlanConflict)

	require.NoError(t, a.Unlock())
	require.NoError(t, b.Lock())
	require.NoError(t, b.Unlock())
}

func TestLocalBackend_StaleLockTakeover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	a := NewLocalBackend(path)
	require.NoError(t, a.Lock())

	// Age the lock past the staleness cutoff; a new run takes it over.
	stale := time.Now().Add(-staleLockAge - time.Minute)
	require.NoError(t, os.Chtimes(a.lockPath(), stale, stale))

	b := NewLocalBackend(path)
	require.NoError(t, b.Lock())
	require.NoError(t, b.Unlock())
}

func TestLocalBackend_UnlockWithoutLock(t *testing.T) {
	b := newTestBackend(t)
	assert.NoError(t, b.Unlock())
}
