package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct{}

func (stubProvider) Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	return nil, ErrNotFound
}
func (stubProvider) Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	return &CreateResponse{Attributes: map[string]any{"id": "stub"}}, nil
}
func (stubProvider) Update(ctx context.Context, req *UpdateRequest) (*UpdateResponse, error) {
	return &UpdateResponse{}, nil
}
func (stubProvider) Delete(ctx context.Context, req *DeleteRequest) error {
	return nil
}

func TestRegistry_LoadAndGet(t *testing.T) {
	r := NewRegistry()

	instantiations := 0
	r.Register("stub", func() Interface {
		instantiations++
		return stubProvider{}
	})

	// Registration alone does not instantiate.
	assert.Equal(t, 0, instantiations)
	_, err := r.Get("stub")
	assert.Error(t, err)

	require.NoError(t, r.Load("stub"))
	p, err := r.Get("stub")
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.Equal(t, 1, instantiations)

	// Loading again reuses the cached instance.
	require.NoError(t, r.Load("stub"))
	assert.Equal(t, 1, instantiations)
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r := NewRegistry()

	err := r.Load("ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")

	_, err = r.Get("ghost")
	assert.Error(t, err)
}
