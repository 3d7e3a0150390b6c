package sse

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// State is an application owned key/value bag attached to sessions and
// channels. It is safe for concurrent use. Values can optionally expire.
type State struct {
	items *cache.Cache
}

func newState() *State {
	// Cleanup interval of zero disables the janitor goroutine, expired
	// items are still hidden from Get and dropped by DeleteExpired.
	return &State{items: cache.New(cache.NoExpiration, 0)}
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	return s.items.Get(key)
}

// Set stores value under key without expiration.
func (s *State) Set(key string, value any) {
	s.items.Set(key, value, cache.NoExpiration)
}

// SetWithTTL stores value under key for the given duration.
func (s *State) SetWithTTL(key string, value any, ttl time.Duration) {
	s.items.Set(key, value, ttl)
}

// Delete removes key from the state.
func (s *State) Delete(key string) {
	s.items.Delete(key)
}

// Len returns the number of stored values, expired ones included until they
// are removed by DeleteExpired.
func (s *State) Len() int {
	return s.items.ItemCount()
}

// DeleteExpired removes all expired values.
func (s *State) DeleteExpired() {
	s.items.DeleteExpired()
}

// Snapshot returns a copy of all unexpired values.
func (s *State) Snapshot() map[string]any {
	items := s.items.Items()
	snapshot := make(map[string]any, len(items))
	for key, item := range items {
		snapshot[key] = item.Object
	}
	return snapshot
}
