package saga

import (
	"context"
	"fmt"
	"sync"
)

// StateStore defines the interface for persisting saga instance state. It is
// the only concurrently-accessed mutable resource in the engine, so every
// implementation enforces optimistic versioning: a Save whose Version does
// not match the stored record fails with ErrVersionConflict, which is how
// two coordinator processes racing over the same instance after a
// crash-and-restart are kept from both advancing it.
type StateStore interface {
	// Save persists the instance. A Version of zero inserts a new record;
	// otherwise the stored version must match, and the version is advanced
	// on success (both in the store and on inst).
	Save(ctx context.Context, inst *Instance) error

	// Load retrieves an instance by id, or ErrInstanceNotFound.
	Load(ctx context.Context, id SagaID) (*Instance, error)

	// List returns instances in the given state; the empty state matches
	// all. Used by operator tooling and the crash-recovery sweep.
	List(ctx context.Context, state State) ([]*Instance, error)

	// Delete removes an instance record. The engine never calls this;
	// retention is an external policy.
	Delete(ctx context.Context, id SagaID) error
}

// MemoryStore provides an in-memory implementation of StateStore for tests
// and scenarios where persistence is not required.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[SagaID]*Instance
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[SagaID]*Instance),
	}
}

// Save stores a copy of the instance, enforcing the version check.
func (m *MemoryStore) Save(ctx context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.instances[inst.ID]
	if !exists {
		if inst.Version != 0 {
			return fmt.Errorf("%w: instance %s has version %d but no stored record",
				ErrVersionConflict, inst.ID, inst.Version)
		}
	} else if current.Version != inst.Version {
		return fmt.Errorf("%w: instance %s stored version %d, save version %d",
			ErrVersionConflict, inst.ID, current.Version, inst.Version)
	}

	inst.Version++
	m.instances[inst.ID] = inst.Clone()
	return nil
}

// Load retrieves a copy of the instance.
func (m *MemoryStore) Load(ctx context.Context, id SagaID) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, exists := m.instances[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return inst.Clone(), nil
}

// List returns copies of instances matching the state filter.
func (m *MemoryStore) List(ctx context.Context, state State) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Instance
	for _, inst := range m.instances {
		if state == "" || inst.State == state {
			out = append(out, inst.Clone())
		}
	}
	return out, nil
}

// Delete removes the instance record.
func (m *MemoryStore) Delete(ctx context.Context, id SagaID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.instances, id)
	return nil
}
