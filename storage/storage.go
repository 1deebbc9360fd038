// Package storage is the persistence collaborator: every instance
// transition is saved, and instances can be reloaded after a process
// restart. The concrete schema is the implementation's business.
package storage

import (
	"context"
	"errors"

	"github.com/flowstate-io/flowstate/types"
)

var (
	// ErrDefinitionNotFound is returned for unknown definition ids.
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	// ErrInstanceNotFound is returned for unknown instance ids.
	ErrInstanceNotFound = errors.New("execution instance not found")
)

// Storage persists workflow definitions and execution instances.
type Storage interface {
	// SaveDefinition stores a workflow definition.
	SaveDefinition(ctx context.Context, def types.Definition) error

	// GetDefinition retrieves a workflow definition by id.
	GetDefinition(ctx context.Context, id string) (types.Definition, error)

	// SaveInstance stores an execution instance snapshot. Called on every
	// state transition.
	SaveInstance(ctx context.Context, inst types.Instance) error

	// GetInstance retrieves an execution instance by id.
	GetInstance(ctx context.Context, id uint64) (types.Instance, error)

	// ListInstances returns all stored instances, for restart recovery
	// sweeps.
	ListInstances(ctx context.Context) ([]types.Instance, error)

	// PruneTerminal removes instances that reached a terminal status.
	PruneTerminal(ctx context.Context) error
}

// withContext runs fn unless ctx is already done.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError is withContext for error-only operations.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
