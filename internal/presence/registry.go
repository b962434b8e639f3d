// Package presence keeps the index of which user is online and on which
// connection handle.
package presence

import (
	"sort"
	"sync"
)

// Registry maps user ids to live connection handles and back. Both
// directions are mutated under one lock so a reader never observes a
// half-applied change.
//
// A user has at most one registered handle. Registering a second handle for
// the same user evicts the first (last writer wins).
type Registry struct {
	mu       sync.RWMutex
	byUser   map[string]string
	byHandle map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byUser:   map[string]string{},
		byHandle: map[string]string{},
	}
}

// Register binds userID to handle. When the user already had a different
// handle, that handle is purged and returned as evicted.
func (r *Registry) Register(userID, handle string) (evicted string, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prevUser, ok := r.byHandle[handle]; ok && prevUser != userID {
		// Handles are never reused across users, but keep the index
		// consistent if a caller does it anyway.
		if r.byUser[prevUser] == handle {
			delete(r.byUser, prevUser)
		}
	}

	if prev, ok := r.byUser[userID]; ok && prev != handle {
		delete(r.byHandle, prev)
		evicted, replaced = prev, true
	}

	r.byUser[userID] = handle
	r.byHandle[handle] = userID
	return evicted, replaced
}

// Unregister drops handle. The forward entry is only removed while it still
// points at handle, so a stale connection closing after its user reconnected
// leaves the newer entry alone. ok reports whether handle was the user's
// live handle.
func (r *Registry) Unregister(handle string) (userID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, known := r.byHandle[handle]
	if !known {
		return "", false
	}
	delete(r.byHandle, handle)

	if r.byUser[userID] != handle {
		return userID, false
	}
	delete(r.byUser, userID)
	return userID, true
}

func (r *Registry) Lookup(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byUser[userID]
	return h, ok
}

func (r *Registry) LookupIdentity(handle string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byHandle[handle]
	return u, ok
}

// Online returns the registered user ids in sorted order.
func (r *Registry) Online() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		out = append(out, userID)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
