// Package null implements an in-memory provider. It realizes nothing
// remotely and exists for tests and for resources that only carry triggers.
package null

import (
	"context"
	"fmt"
	"sync"

	"github.com/convergo-io/convergo/internal/provider"
)

type Provider struct {
	mu        sync.Mutex
	resources map[string]map[string]any
}

func New() *Provider {
	return &Provider{resources: make(map[string]map[string]any)}
}

func key(typ, name string) string {
	return fmt.Sprintf("%s.%s", typ, name)
}

func (p *Provider) Read(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	attrs, ok := p.resources[key(req.Type, req.Name)]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return &provider.ReadResponse{Attributes: attrs}, nil
}

func (p *Provider) Create(ctx context.Context, req *provider.CreateRequest) (*provider.CreateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	attrs := make(map[string]any, len(req.Attributes)+1)
	for k, v := range req.Attributes {
		attrs[k] = v
	}
	attrs["id"] = fmt.Sprintf("null-%s", req.Name)

	// Creating the same identity twice converges on the same object.
	p.resources[key(req.Type, req.Name)] = attrs
	return &provider.CreateResponse{Attributes: attrs}, nil
}

func (p *Provider) Update(ctx context.Context, req *provider.UpdateRequest) (*provider.UpdateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	attrs := make(map[string]any, len(req.Attributes)+1)
	for k, v := range req.Attributes {
		attrs[k] = v
	}
	attrs["id"] = fmt.Sprintf("null-%s", req.Name)

	p.resources[key(req.Type, req.Name)] = attrs
	return &provider.UpdateResponse{Attributes: attrs}, nil
}

func (p *Provider) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Deleting an absent resource is success.
	delete(p.resources, key(req.Type, req.Name))
	return nil
}
