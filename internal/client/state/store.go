// Package state is the client-side reactive core: observable stores
// updated through a dispatcher by pure reducers, read through memoized
// selectors. UI layers subscribe to stores and re-render on change.
package state

import "sync"

// Store holds one observable value. T must be comparable so emissions
// can be skipped when a reducer returns the value unchanged; slice
// states are pointer types, and reducers return the same pointer to
// mean "no change".
type Store[T comparable] struct {
	mu    sync.RWMutex
	value T
	subs  map[int]func(T)
	next  int
}

func NewStore[T comparable](initial T) *Store[T] {
	return &Store[T]{value: initial, subs: make(map[int]func(T))}
}

// Get returns the current value.
func (s *Store[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Set replaces the value and notifies subscribers. An unchanged value
// does not emit.
func (s *Store[T]) Set(v T) {
	s.mu.Lock()
	if v == s.value {
		s.mu.Unlock()
		return
	}
	s.value = v
	subs := make([]func(T), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
}

// Update applies fn to the current value under the write lock and then
// emits if the result differs.
func (s *Store[T]) Update(fn func(T) T) {
	s.mu.Lock()
	v := fn(s.value)
	if v == s.value {
		s.mu.Unlock()
		return
	}
	s.value = v
	subs := make([]func(T), 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub(v)
	}
}

// Subscribe registers fn and fires it immediately with the current
// value. The returned cancel removes the subscription.
func (s *Store[T]) Subscribe(fn func(T)) (cancel func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	v := s.value
	s.mu.Unlock()

	fn(v)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}
