// Package navctx holds the process-wide navigation context: a flat key/value
// map used to fill {placeholder} tokens in navigation targets.
package navctx

import "sync"

// Preserved keys survive Clear so an already signed-in user stays resolvable
// across app switches.
var preservedKeys = [...]string{"userId", "username"}

// Store is the shell-owned navigation context. Values are only read for
// placeholder resolution and never drive control flow.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
}

// New returns an empty context store.
func New() *Store {
	return &Store{values: make(map[string]any)}
}

// Set inserts or replaces a single parameter.
func (s *Store) Set(key string, value any) {
	if key == "" {
		return
	}
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// Get returns the raw value for key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Merge copies every entry of values into the store, overwriting on conflict.
func (s *Store) Merge(values map[string]any) {
	if len(values) == 0 {
		return
	}
	s.mu.Lock()
	for k, v := range values {
		if k == "" {
			continue
		}
		s.values[k] = v
	}
	s.mu.Unlock()
}

// Delete removes a single parameter.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
}

// Snapshot returns a copy of the current parameter map.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Clear drops every parameter except the preserved identity keys.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make(map[string]any, len(preservedKeys))
	for _, k := range preservedKeys {
		if v, ok := s.values[k]; ok {
			kept[k] = v
		}
	}
	s.values = kept
}

// Len reports the number of stored parameters.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
