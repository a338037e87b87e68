// Package backend sends prompts to the programs and rule sets that do the
// actual work of the swarm, and adapts them to the decomposer, solver and
// scorer roles.
package backend

import (
	"context"
	"fmt"
)

// Backend defines the interface that all backends must implement.
type Backend interface {
	// Send sends a message to the backend and returns the response.
	Send(ctx context.Context, msg Message) (Response, error)

	// Close releases the backend.
	Close() error
}

// New creates a new backend based on the provided configuration.
// The ProcessManager is optional and only used by command backends.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	switch cfg.Type {
	case "command":
		return NewCommandBackend(cfg, pm)
	case "template":
		return NewTemplateBackend(cfg)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
