// Package rcu holds a value that is published wholesale and read concurrently.
//
// Writers never touch a published value in place: Set swaps in a new one and
// readers that acquired the old one keep using it undisturbed.
package rcu

import "sync"

type Cell[T any] struct {
	mu  sync.RWMutex
	ref *T
}

// Set publishes v. The caller must not mutate v (or anything it references)
// after publishing it.
func (c *Cell[T]) Set(v T) {
	ref := &v
	c.mu.Lock()
	c.ref = ref
	c.mu.Unlock()
}

// Acquire returns the most recently published value. ok is false until the
// first Set.
func (c *Cell[T]) Acquire() (v T, ok bool) {
	c.mu.RLock()
	ref := c.ref
	c.mu.RUnlock()
	if ref == nil {
		return v, false
	}
	return *ref, true
}
