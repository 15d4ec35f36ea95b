// Package keylock provides mutual exclusion scoped to a single key.
//
// Different keys never contend with each other; entries are reference counted
// and dropped once the last holder or waiter releases them, so the lock table
// only ever holds keys that are in use.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Locker hands out one mutex per key
type Locker[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

// New creates an empty Locker
func New[K comparable]() *Locker[K] {
	return &Locker[K]{
		entries: make(map[K]*entry),
	}
}

// Lock blocks until the caller holds key
func (l *Locker[K]) Lock(key K) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases key. Unlocking a key that is not held panics.
func (l *Locker[K]) Unlock(key K) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		l.mu.Unlock()
		panic("keylock: unlock of unlocked key")
	}
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()

	e.mu.Unlock()
}

// With runs fn while holding key
func (l *Locker[K]) With(key K, fn func() error) error {
	l.Lock(key)
	defer l.Unlock(key)
	return fn()
}

// Len returns the number of keys currently held or waited on
func (l *Locker[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
