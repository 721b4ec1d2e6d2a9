// Package state persists the engine's record of applied resources. A
// backend owns the durable document and the exclusive lock serializing
// concurrent runs against it.
package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/convergo-io/convergo/internal/ir"
)

// ErrPlanConflict is returned when the state lock is held by another run.
// Re-running after the other run finishes is the expected recovery.
var ErrPlanConflict = errors.New("state is locked by another run")

// ErrSerialConflict is returned when the persisted document changed
// underneath a run (another writer advanced the serial).
var ErrSerialConflict = errors.New("state serial conflict")

// Backend is the storage interface for state documents. Lock is held for
// the entire plan+apply cycle.
type Backend interface {
	Read(ctx context.Context) (*ir.State, error)
	Write(ctx context.Context, state *ir.State) error
	Lock() error
	Unlock() error
}

// BackendConfig selects and configures a backend.
type BackendConfig struct {
	Type   string            `json:"type"` // "local" or "s3"
	Config map[string]string `json:"config"`
}

// NewBackend creates a state backend from configuration.
func NewBackend(cfg *BackendConfig) (Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("backend configuration is nil")
	}

	switch cfg.Type {
	case "local", "":
		path := cfg.Config["path"]
		if path == "" {
			return nil, fmt.Errorf("local backend requires 'path' configuration")
		}
		return NewLocalBackend(path), nil
	case "s3":
		return newS3Backend(cfg.Config)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
