package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowstate-io/flowstate/types"
)

// MemoryStorage is the in-memory Storage implementation. Instances are
// stored as deep copies so callers never share mutable state with the
// store.
type MemoryStorage struct {
	definitions map[string]types.Definition
	instances   map[uint64]*types.Instance
	mu          sync.RWMutex
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[string]types.Definition),
		instances:   make(map[uint64]*types.Instance),
	}
}

// getItem looks an item up under a read lock.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%v", errNotFound, id)
		}
		return item, nil
	})
}

// SaveDefinition stores a definition.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.definitions[def.ID] = def
		return nil
	})
}

// GetDefinition retrieves a definition.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id string) (types.Definition, error) {
	return getItem(ctx, &s.mu, s.definitions, id, ErrDefinitionNotFound)
}

// SaveInstance stores a deep copy of an instance snapshot.
func (s *MemoryStorage) SaveInstance(ctx context.Context, inst types.Instance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.instances[inst.ID] = inst.Clone()
		return nil
	})
}

// GetInstance retrieves a deep copy of an instance.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	inst, err := getItem(ctx, &s.mu, s.instances, id, ErrInstanceNotFound)
	if err != nil {
		return types.Instance{}, err
	}
	return *inst.Clone(), nil
}

// ListInstances returns copies of every stored instance.
func (s *MemoryStorage) ListInstances(ctx context.Context) ([]types.Instance, error) {
	return withContext(ctx, func() ([]types.Instance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Instance, 0, len(s.instances))
		for _, inst := range s.instances {
			out = append(out, *inst.Clone())
		}
		return out, nil
	})
}

// PruneTerminal removes instances that reached a terminal status.
func (s *MemoryStorage) PruneTerminal(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, inst := range s.instances {
			if inst.Status.Terminal() {
				delete(s.instances, id)
			}
		}
		return nil
	})
}
