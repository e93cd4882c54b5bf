package cache

import (
	"fmt"

	"github.com/neurogrid/feature-cache-p2p/pkg/migration"
)

// BindingState is the lifecycle state of an engine's migration backend.
type BindingState uint8

const (
	Unbound BindingState = iota
	Bound
)

func (s BindingState) String() string {
	if s == Bound {
		return "bound"
	}
	return "unbound"
}

// Binding holds at most one backend. The zero value is Unbound.
// A Bound binding never changes backend.
type Binding struct {
	state   BindingState
	backend migration.Backend
}

// State returns the binding state.
func (b Binding) State() BindingState {
	return b.state
}

// Backend returns the bound backend, or ErrNotInitialized while unbound.
func (b Binding) Backend() (migration.Backend, error) {
	if b.state != Bound {
		return nil, ErrNotInitialized
	}
	return b.backend, nil
}

// Bind returns the Bound state. An already Bound binding is returned as is and
// factory is not called.
func (b Binding) Bind(factory migration.Factory) (Binding, error) {
	if b.state == Bound {
		return b, nil
	}
	if factory == nil {
		return b, fmt.Errorf("%w: no backend factory", ErrBackendConstruction)
	}

	backend, err := factory()
	if err != nil {
		return b, fmt.Errorf("%w: %w", ErrBackendConstruction, err)
	}
	if backend == nil {
		return b, fmt.Errorf("%w: factory returned nil", ErrBackendConstruction)
	}
	return Binding{state: Bound, backend: backend}, nil
}
