// Package provider defines the contract between the engine and the remote
// APIs it reconciles against. A provider translates the four generic CRUD
// calls into calls against one backend (a cloud control plane, a container
// daemon, or nothing at all for the null provider).
//
// All four methods must tolerate retries: Read and Delete are naturally
// idempotent (a missing resource is ErrNotFound and success respectively),
// and Create/Update are keyed on type+name so that a retry after a partial
// success converges on the same remote object.
package provider

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Read when the resource does not exist remotely.
var ErrNotFound = errors.New("resource not found")

// Interface is the uniform CRUD contract every provider implements.
type Interface interface {
	Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error)
	Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error)
	Update(ctx context.Context, req *UpdateRequest) (*UpdateResponse, error)
	Delete(ctx context.Context, req *DeleteRequest) error
}

// ReadRequest identifies an already-realized resource.
type ReadRequest struct {
	Type string
	Name string
	ID   string
}

type ReadResponse struct {
	Attributes map[string]any
}

// CreateRequest carries the fully resolved desired attributes of a new
// resource. The response attributes become the node's computed attributes.
type CreateRequest struct {
	Type       string
	Name       string
	Attributes map[string]any
}

type CreateResponse struct {
	Attributes map[string]any
}

// UpdateRequest carries the resolved desired attributes alongside the
// last-applied attribute snapshot.
type UpdateRequest struct {
	Type       string
	Name       string
	ID         string
	Attributes map[string]any
	Prior      map[string]any
}

type UpdateResponse struct {
	Attributes map[string]any
}

// DeleteRequest identifies the resource to remove. Deleting a resource that
// is already gone must succeed.
type DeleteRequest struct {
	Type  string
	Name  string
	ID    string
	Prior map[string]any
}
