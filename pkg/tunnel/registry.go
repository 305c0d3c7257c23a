package tunnel

import (
	"fmt"
	"sync"
)

// Registry maps live share keys to their sessions and enforces key
// uniqueness. It is constructed by the daemon and handed to the
// connection-accepting component; there is no process-wide instance.
//
// Thread safety: a single RWMutex guards the map against concurrent
// register/unregister/lookup.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty share registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds a session under its share key. Fails with
// ErrInvalidShareKey if the key violates the length constraint, and with
// ErrAlreadyRegistered if a live session already holds it — in which case
// the existing session remains active and addressable.
func (r *Registry) Register(s *Session) error {
	if !ValidShareKey(s.Key()) {
		return fmt.Errorf("share key %q: %w", s.Key(), ErrInvalidShareKey)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.Key()]; exists {
		return fmt.Errorf("share key %q: %w", s.Key(), ErrAlreadyRegistered)
	}
	r.sessions[s.Key()] = s
	return nil
}

// Lookup returns the session holding a key, or ErrShareNotFound.
func (r *Registry) Lookup(key string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	if !ok {
		return nil, fmt.Errorf("share %q: %w", key, ErrShareNotFound)
	}
	return s, nil
}

// Unregister removes the key's entry, but only if it still maps to the
// given session. A stale unregister from a connection that already lost its
// key to a failed duplicate registration must not evict the live session.
func (r *Registry) Unregister(key string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[key]; ok && current == s {
		delete(r.sessions, key)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Keys returns the currently registered share keys. The slice is a copy and
// safe to modify.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	return keys
}
