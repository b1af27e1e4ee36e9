// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package pun

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry maps identities to worker handles. It is safe for
// concurrent use and never performs I/O while holding its lock.
//
// Only Running handles are visible through Lookup and Snapshot.
// Starting and Stopping handles still occupy their identity, so Insert
// fails for them.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
	version uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Lookup returns the Running handle for identity.
func (r *Registry) Lookup(identity string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.handles[identity]
	if !ok || handle.State != StateRunning {
		return Handle{}, false
	}
	return *handle, true
}

// Get returns the handle for identity in any state.
func (r *Registry) Get(identity string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.handles[identity]
	if !ok {
		return Handle{}, false
	}
	return *handle, true
}

// Insert adds handle. It fails with ErrAlreadyPresent if the identity
// has a handle in any state.
func (r *Registry) Insert(handle Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[handle.Identity]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyPresent, handle.Identity)
	}
	stored := handle
	r.handles[handle.Identity] = &stored
	if stored.State == StateRunning {
		r.version++
	}
	return nil
}

// Promote attaches process to the identity's Starting handle and marks
// it Running.
func (r *Registry) Promote(identity string, process Process) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.handles[identity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, identity)
	}
	if handle.State != StateStarting {
		return fmt.Errorf("promoting %s: state is %s, want %s", identity, handle.State, StateStarting)
	}
	handle.Process = process
	handle.State = StateRunning
	r.version++
	return nil
}

// MarkStopping moves the identity's handle to Stopping, removing it
// from routing. Reports whether a handle existed.
func (r *Registry) MarkStopping(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.handles[identity]
	if !ok {
		return false
	}
	if handle.State == StateRunning {
		r.version++
	}
	handle.State = StateStopping
	return true
}

// Remove deletes the identity's handle. Removing an absent identity is
// a no-op.
func (r *Registry) Remove(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(identity)
}

// RemoveHandle deletes the identity's handle only if it is still the
// generation described by expected. Reports whether it removed
// anything.
func (r *Registry) RemoveHandle(expected Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.handles[expected.Identity]
	if !ok || current.Generation != expected.Generation || current.Endpoint != expected.Endpoint {
		return false
	}
	r.removeLocked(expected.Identity)
	return true
}

func (r *Registry) removeLocked(identity string) {
	handle, ok := r.handles[identity]
	if !ok {
		return
	}
	if handle.State == StateRunning {
		r.version++
	}
	delete(r.handles, identity)
}

// Touch sets the Running handle's LastActivity to at. Reports whether
// the handle was found. Activity never moves backwards.
func (r *Registry) Touch(identity string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.handles[identity]
	if !ok || handle.State != StateRunning {
		return false
	}
	if at.After(handle.LastActivity) {
		handle.LastActivity = at
	}
	return true
}

// Snapshot returns the Running routes sorted by identity, with the
// version they correspond to.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	routes := make([]Route, 0, len(r.handles))
	for _, handle := range r.handles {
		if handle.State == StateRunning {
			routes = append(routes, Route{Identity: handle.Identity, Endpoint: handle.Endpoint})
		}
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Identity < routes[j].Identity })
	return Snapshot{Version: r.version, Routes: routes}
}

// List returns every handle in any state, sorted by identity.
func (r *Registry) List() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handles := make([]Handle, 0, len(r.handles))
	for _, handle := range r.handles {
		handles = append(handles, *handle)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].Identity < handles[j].Identity })
	return handles
}
