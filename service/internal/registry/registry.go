// Package registry provides an ordered collection of live entries keyed by identity.
package registry

import (
	"errors"
	"iter"
)

// ErrDuplicate is returned when adding an entry whose identity is already registered.
var ErrDuplicate = errors.New("duplicate registry entry")

// Entry is an element of a [Registry].
type Entry interface {
	// ID returns the entry's unique identity.
	ID() uint32
}

// Registry is an ordered collection of entries.
// Traversal order is insertion order.
//
// Entries may be removed while the registry is being traversed:
// a removed entry is never visited afterwards, and the remaining entries
// are neither skipped nor visited twice. Entries added during a traversal
// are not visited by that traversal.
//
// Registry is not safe for concurrent use.
type Registry[T Entry] struct {
	items     []slot[T]
	index     map[uint32]int
	iterating int
	holes     int
}

type slot[T Entry] struct {
	entry T
	live  bool
}

// New returns a new empty [*Registry].
func New[T Entry]() *Registry[T] {
	return &Registry[T]{
		index: make(map[uint32]int),
	}
}

// Len returns the number of live entries.
func (r *Registry[T]) Len() int {
	return len(r.index)
}

// Add appends e to the registry.
func (r *Registry[T]) Add(e T) error {
	id := e.ID()
	if _, ok := r.index[id]; ok {
		return ErrDuplicate
	}
	r.index[id] = len(r.items)
	r.items = append(r.items, slot[T]{entry: e, live: true})
	return nil
}

// Get returns the entry with the given identity.
func (r *Registry[T]) Get(id uint32) (e T, ok bool) {
	i, ok := r.index[id]
	if !ok {
		return e, false
	}
	return r.items[i].entry, true
}

// Remove removes the entry with the given identity and reports whether it was present.
func (r *Registry[T]) Remove(id uint32) bool {
	i, ok := r.index[id]
	if !ok {
		return false
	}
	delete(r.index, id)
	r.items[i] = slot[T]{}
	r.holes++
	r.maybeCompact()
	return true
}

// All returns an iterator over the live entries in insertion order.
// See [Registry] for the semantics of mutation during iteration.
func (r *Registry[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		r.iterating++
		defer func() {
			r.iterating--
			r.maybeCompact()
		}()

		n := len(r.items)
		for i := 0; i < n; i++ {
			s := r.items[i]
			if !s.live {
				continue
			}
			if !yield(s.entry) {
				return
			}
		}
	}
}

// Snapshot returns the live entries in insertion order.
func (r *Registry[T]) Snapshot() []T {
	entries := make([]T, 0, len(r.index))
	for e := range r.All() {
		entries = append(entries, e)
	}
	return entries
}

// maybeCompact removes holes left by removals, unless a traversal is in progress.
func (r *Registry[T]) maybeCompact() {
	if r.iterating > 0 || r.holes == 0 {
		return
	}

	live := r.items[:0]
	for _, s := range r.items {
		if !s.live {
			continue
		}
		r.index[s.entry.ID()] = len(live)
		live = append(live, s)
	}
	clear(r.items[len(live):])
	r.items = live
	r.holes = 0
}
