package sync

import (
	"fmt"
	stdsync "sync"
)

// Registry lazily caches storage controllers by mode. Controllers hold
// backend credentials, so Invalidate drops them after a credential
// change and the next access rebuilds.
type Registry struct {
	factory ControllerFactory

	mu    stdsync.Mutex
	cache map[string]StorageController
}

// NewRegistry returns an empty registry backed by factory.
func NewRegistry(factory ControllerFactory) *Registry {
	return &Registry{factory: factory, cache: make(map[string]StorageController)}
}

// Controller returns the cached controller for mode, constructing and
// caching one on first access. Construction failures are not cached.
func (r *Registry) Controller(mode string) (StorageController, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ctrl, ok := r.cache[mode]; ok {
		return ctrl, nil
	}

	ctrl, err := r.factory(mode)
	if err != nil {
		return nil, fmt.Errorf("storage controller for mode %q: %w", mode, err)
	}

	r.cache[mode] = ctrl

	return ctrl, nil
}

// Invalidate drops the cached controller for mode, forcing recreation
// on the next access.
func (r *Registry) Invalidate(mode string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.cache, mode)
}
