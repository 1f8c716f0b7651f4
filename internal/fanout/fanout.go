// Package fanout is the ordered handler registry behind the prompt bus and
// the tab channels.
package fanout

import (
	"slices"
	"sync"
)

// Registry holds handlers of T and calls them in registration order.
// The zero value is ready to use.
type Registry[T any] struct {
	mu   sync.RWMutex
	next int
	set  map[int]func(T)
}

// Add registers h. The returned function removes it and may be called more
// than once.
func (r *Registry[T]) Add(h func(T)) (remove func()) {
	r.mu.Lock()
	if r.set == nil {
		r.set = make(map[int]func(T))
	}
	id := r.next
	r.next++
	r.set[id] = h
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.set, id)
			r.mu.Unlock()
		})
	}
}

// Dispatch calls every handler registered before the call with v and returns
// how many ran. Handlers run outside the lock, so they may add or remove
// handlers; one removed mid-dispatch is skipped.
func (r *Registry[T]) Dispatch(v T) int {
	r.mu.RLock()
	ids := make([]int, 0, len(r.set))
	for id := range r.set {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	n := 0
	for _, id := range ids {
		r.mu.RLock()
		h, ok := r.set[id]
		r.mu.RUnlock()
		if ok {
			h(v)
			n++
		}
	}
	return n
}

// Len returns the number of registered handlers.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.set)
}
