// Package model provides a deliberately simple, in-memory model of
// shmcache's publicly observable behavior.
//
// The model is easy to audit: a map plus the index capacity. It does not
// model the allocator, so it cannot predict ErrOutOfSpace: comparisons must
// use regions large enough for the index capacity.
package model

import (
	"fmt"
	"maps"
	"slices"

	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

// Cache is the model of one region shared by every handle.
type Cache struct {
	Entries  map[string]string
	Capacity uint64
}

// New returns an empty model with the given index capacity.
func New(capacity uint64) *Cache {
	return &Cache{Entries: map[string]string{}, Capacity: capacity}
}

// Get mirrors [shmcache.Cache.Get].
func (m *Cache) Get(key []byte) ([]byte, bool) {
	v, ok := m.Entries[string(key)]
	if !ok {
		return nil, false
	}

	return []byte(v), true
}

// Set mirrors [shmcache.Cache.Set] without allocator exhaustion.
func (m *Cache) Set(key, value []byte) error {
	if len(key) > shmcache.MaxKeySize {
		return shmcache.ErrInvalidInput
	}

	if _, ok := m.Entries[string(key)]; !ok && uint64(len(m.Entries)) >= m.Capacity {
		return fmt.Errorf("model at capacity %d: %w", m.Capacity, shmcache.ErrFull)
	}

	m.Entries[string(key)] = string(value)

	return nil
}

// Delete mirrors [shmcache.Cache.Delete].
func (m *Cache) Delete(key []byte) bool {
	_, ok := m.Entries[string(key)]
	delete(m.Entries, string(key))

	return ok
}

// Clear mirrors [shmcache.Cache.Clear].
func (m *Cache) Clear() {
	clear(m.Entries)
}

// Len mirrors [shmcache.Cache.Len].
func (m *Cache) Len() int {
	return len(m.Entries)
}

// Keys returns the keys in sorted order.
func (m *Cache) Keys() []string {
	return slices.Sorted(maps.Keys(m.Entries))
}

// Clone makes a deep copy.
func (m *Cache) Clone() *Cache {
	return &Cache{Entries: maps.Clone(m.Entries), Capacity: m.Capacity}
}
