package saga

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// DefinitionRegistry is an in-memory catalog of named saga definitions.
//
// Definitions are code, not data: they are registered at process start and
// never persisted. The registry is passed explicitly to the coordinator at
// construction time rather than living in a process-wide global, so its
// lifecycle stays independent and tests can build isolated registries.
type DefinitionRegistry struct {
	defs *xsync.MapOf[SagaName, *Definition]
}

// NewDefinitionRegistry creates an empty registry.
func NewDefinitionRegistry() *DefinitionRegistry {
	return &DefinitionRegistry{
		defs: xsync.NewMapOf[SagaName, *Definition](),
	}
}

// Define registers a definition. It fails with ErrDuplicateDefinition if the
// name is already taken.
func (r *DefinitionRegistry) Define(def *Definition) error {
	if _, loaded := r.defs.LoadOrStore(def.Name, def); loaded {
		return fmt.Errorf("%w: %q", ErrDuplicateDefinition, def.Name)
	}
	return nil
}

// Lookup returns the definition registered under name, or ErrUnknownSaga.
func (r *DefinitionRegistry) Lookup(name SagaName) (*Definition, error) {
	def, ok := r.defs.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSaga, name)
	}
	return def, nil
}
