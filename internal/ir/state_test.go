package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_UpsertAndResource(t *testing.T) {
	s := &State{Version: StateVersion}

	s.Upsert(&ResourceState{Type: "null:Resource", Name: "a", Outputs: map[string]any{"id": "1"}})
	require.Len(t, s.Resources, 1)

	rec := s.Resource("null:Resource.a")
	require.NotNil(t, rec)
	assert.Equal(t, "1", rec.Outputs["id"])

	// Upserting the same address replaces, not appends.
	s.Upsert(&ResourceState{Type: "null:Resource", Name: "a", Outputs: map[string]any{"id": "2"}})
	require.Len(t, s.Resources, 1)
	assert.Equal(t, "2", s.Resource("null:Resource.a").Outputs["id"])
}

func TestState_Remove(t *testing.T) {
	s := &State{Version: StateVersion}
	s.Upsert(&ResourceState{Type: "null:Resource", Name: "a"})
	s.Upsert(&ResourceState{Type: "null:Resource", Name: "b"})

	s.Remove("null:Resource.a")
	require.Len(t, s.Resources, 1)
	assert.Nil(t, s.Resource("null:Resource.a"))
	assert.NotNil(t, s.Resource("null:Resource.b"))

	// Removing an absent address is a no-op.
	s.Remove("null:Resource.ghost")
	assert.Len(t, s.Resources, 1)
}

func TestResourceAddr(t *testing.T) {
	res := &Resource{Type: "aws:ecs.Service", Name: "api"}
	assert.Equal(t, "aws:ecs.Service.api", res.Addr())

	rec := &ResourceState{Type: "aws:ecs.Service", Name: "api"}
	assert.Equal(t, "aws:ecs.Service.api", rec.Addr())
}
