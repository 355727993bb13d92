// Package registry owns the per-conversation session cache: create on
// demand under an exclusive per-key lock, enumerate, and dispose with
// guaranteed resource release.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentrelay/relay/pkg/chat"
)

// ErrClosed is returned by operations on a closed registry.
var ErrClosed = errors.New("session registry closed")

// InitFunc binds collaborators (provider handle, tool subscriptions) to
// a freshly created session. Errors abort creation and leave no entry.
type InitFunc func(*Session) error

// Registry is the session cache. Concurrent Resolve calls for the same
// key are serialized and return the same session; distinct keys do not
// contend beyond the map access.
type Registry struct {
	mu       sync.Mutex
	sessions map[chat.Key]*Session
	creating map[chat.Key]*sync.Mutex
	closed   bool

	grace time.Duration
}

// New creates a registry whose sessions use the given buffer eviction
// grace window.
func New(grace time.Duration) *Registry {
	return &Registry{
		sessions: make(map[chat.Key]*Session),
		creating: make(map[chat.Key]*sync.Mutex),
		grace:    grace,
	}
}

// Resolve returns the session for key, creating it with init under an
// exclusive per-key lock if absent. init may be nil.
func (r *Registry) Resolve(key chat.Key, init InitFunc) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		return s, nil
	}
	lock, ok := r.creating[key]
	if !ok {
		lock = &sync.Mutex{}
		r.creating[key] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	// Another creator may have won while we waited on the key lock.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	s := newSession(key, r.grace)
	if init != nil {
		if err := init(s); err != nil {
			s.dispose()
			return nil, fmt.Errorf("session init %s: %w", key, err)
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.dispose()
		return nil, ErrClosed
	}
	r.sessions[key] = s
	delete(r.creating, key)
	r.mu.Unlock()
	return s, nil
}

// Get returns an existing session without creating one.
func (r *Registry) Get(key chat.Key) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Clean removes and disposes the session for key. Cleaning a key that
// is being resolved serializes after the create.
func (r *Registry) Clean(key chat.Key) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	lock := r.creating[key]
	s := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()

	if s == nil && lock != nil {
		// Creation in flight: wait for it, then remove.
		lock.Lock()
		lock.Unlock()
		r.mu.Lock()
		s = r.sessions[key]
		delete(r.sessions, key)
		r.mu.Unlock()
	}
	if s != nil {
		s.dispose()
	}
	return nil
}

// Keys enumerates live session keys.
func (r *Registry) Keys() []chat.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]chat.Key, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	return keys
}

// Close disposes every session and rejects further operations.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[chat.Key]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.dispose()
	}
}
