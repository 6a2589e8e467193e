package config

import "sync"

// Holder provides thread-safe access to mutable *Resolved settings. The
// watch loop and the session controller read through a shared Holder, so
// SIGHUP reload updates configuration in exactly one place.
type Holder struct {
	mu       sync.RWMutex
	resolved *Resolved
}

// NewHolder creates a Holder with the initial resolved settings.
func NewHolder(resolved *Resolved) *Holder {
	return &Holder{resolved: resolved}
}

// Resolved returns the current settings snapshot. Thread-safe (read lock).
func (h *Holder) Resolved() *Resolved {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.resolved
}

// Update replaces the settings. Thread-safe (write lock). Called on SIGHUP
// reload — one call updates configuration for all consumers.
func (h *Holder) Update(resolved *Resolved) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.resolved = resolved
}
