// Package registry maps connection ids to the sessions that own them.
//
// Entries live in an arena of slots. A map from key to slot index gives
// constant-time lookup, a free list recycles slots of removed entries, and
// sweeps walk the arena in slot order. The registry is owned by a single
// goroutine and is not safe for concurrent use.
package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrExists is returned when inserting a key that is already present.
	ErrExists = errors.New("registry: key already registered")

	// ErrFull is returned when the registry holds its maximum number of
	// entries.
	ErrFull = errors.New("registry: full")
)

// Closer is the lifetime hook of registered values. Close is called exactly
// once, when the entry is removed.
type Closer interface {
	Close() error
}

type slot[K comparable, V Closer] struct {
	key  K
	val  V
	live bool
}

// Registry owns values of type V keyed by K.
type Registry[K comparable, V Closer] struct {
	slots []slot[K, V]
	free  []int
	index map[K]int
	limit int
}

// New creates a registry. A limit of zero means unbounded.
func New[K comparable, V Closer](limit int) *Registry[K, V] {
	return &Registry[K, V]{
		index: make(map[K]int),
		limit: limit,
	}
}

// Lookup returns the value registered under key.
func (r *Registry[K, V]) Lookup(key K) (V, bool) {
	i, ok := r.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	return r.slots[i].val, true
}

// Insert registers val under key. The registry takes ownership of val only
// on success.
func (r *Registry[K, V]) Insert(key K, val V) error {
	if _, ok := r.index[key]; ok {
		return ErrExists
	}
	if r.limit > 0 && len(r.index) >= r.limit {
		return fmt.Errorf("%w: %d entries", ErrFull, r.limit)
	}

	var i int
	if n := len(r.free); n > 0 {
		i = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		i = len(r.slots)
		r.slots = append(r.slots, slot[K, V]{})
	}
	r.slots[i] = slot[K, V]{key: key, val: val, live: true}
	r.index[key] = i
	return nil
}

// Remove unregisters key and closes its value. It reports whether the key
// was present; the error is the value's Close error.
func (r *Registry[K, V]) Remove(key K) (bool, error) {
	i, ok := r.index[key]
	if !ok {
		return false, nil
	}
	val := r.slots[i].val

	delete(r.index, key)
	r.slots[i] = slot[K, V]{}
	r.free = append(r.free, i)

	return true, val.Close()
}

// Each calls fn for every entry in slot order. Entries removed by fn are not
// visited again; entries inserted during the sweep may or may not be
// visited. Returning false stops the sweep.
func (r *Registry[K, V]) Each(fn func(key K, val V) bool) {
	for i := 0; i < len(r.slots); i++ {
		s := r.slots[i]
		if !s.live {
			continue
		}
		if !fn(s.key, s.val) {
			return
		}
	}
}

// Keys returns the registered keys in slot order.
func (r *Registry[K, V]) Keys() []K {
	keys := make([]K, 0, len(r.index))
	r.Each(func(key K, _ V) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Len returns the number of registered entries.
func (r *Registry[K, V]) Len() int {
	return len(r.index)
}

// Clear removes every entry, closing each value once. It returns the joined
// Close errors.
func (r *Registry[K, V]) Clear() error {
	var errs []error
	for _, key := range r.Keys() {
		if _, err := r.Remove(key); err != nil {
			errs = append(errs, err)
		}
	}
	r.slots = nil
	r.free = nil
	return errors.Join(errs...)
}
