package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentrelay/relay/internal/stream"
	"github.com/agentrelay/relay/pkg/chat"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCancelled
	StateFaulted
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	case StateFaulted:
		return "faulted"
	case StateDisposed:
		return "disposed"
	}
	return "unknown"
}

// Session is the live context for one conversation key: the append-only
// message log, the cancellation scope for the current turn, and the
// chunk buffer. Exactly one session exists per key at a time.
type Session struct {
	Key    chat.Key
	Buffer *stream.Buffer

	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	log []chat.Message

	state atomic.Int32

	turnMu     sync.Mutex
	turnCancel context.CancelFunc

	releaseMu sync.Mutex
	releases  []func()

	disposeOnce sync.Once
}

func newSession(key chat.Key, grace time.Duration) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		Key:    key,
		Buffer: stream.NewBuffer(grace),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context returns the session's lifetime scope. It ends only at
// disposal; per-turn scopes are derived from it by BeginTurn.
func (s *Session) Context() context.Context { return s.ctx }

// Cancel aborts the in-flight turn, if any: the LLM stream, tool
// tasks, and approval waits all unwind. The session stays usable for
// the next prompt.
func (s *Session) Cancel() {
	s.turnMu.Lock()
	cancel := s.turnCancel
	s.turnMu.Unlock()
	if cancel != nil {
		s.state.CompareAndSwap(int32(StateRunning), int32(StateCancelled))
		cancel()
	}
}

// Append adds messages to the conversation log.
func (s *Session) Append(msgs ...chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, msgs...)
}

// Snapshot returns an immutable copy of the conversation log.
func (s *Session) Snapshot() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.log))
	copy(out, s.log)
	return out
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// BeginTurn opens a turn scope and transitions to Running. It returns
// ok=false when a turn is already in flight or the session is
// disposed. Cancelled and faulted sessions accept new turns.
func (s *Session) BeginTurn() (context.Context, bool) {
	swapped := s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) ||
		s.state.CompareAndSwap(int32(StateCancelled), int32(StateRunning)) ||
		s.state.CompareAndSwap(int32(StateFaulted), int32(StateRunning))
	if !swapped {
		return nil, false
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.turnMu.Lock()
	s.turnCancel = cancel
	s.turnMu.Unlock()
	return ctx, true
}

// EndTurn closes the turn scope and records the outcome. Interrupted
// turns should pass a nil error; the cancelled state set by Cancel is
// preserved.
func (s *Session) EndTurn(err error) {
	s.turnMu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.turnMu.Unlock()

	if err == nil {
		s.state.CompareAndSwap(int32(StateRunning), int32(StateIdle))
		return
	}
	s.state.CompareAndSwap(int32(StateRunning), int32(StateFaulted))
}

// OnDispose registers a release callback run exactly once at disposal,
// in reverse registration order. Used by session factories to unwind
// provider handles and tool-server subscriptions.
func (s *Session) OnDispose(release func()) {
	s.releaseMu.Lock()
	defer s.releaseMu.Unlock()
	s.releases = append(s.releases, release)
}

// dispose cancels the scope and runs release callbacks. Safe to call
// multiple times; only the first call has effect.
func (s *Session) dispose() {
	s.disposeOnce.Do(func() {
		s.state.Store(int32(StateDisposed))
		s.cancel()
		s.Buffer.Clear()

		s.releaseMu.Lock()
		releases := s.releases
		s.releases = nil
		s.releaseMu.Unlock()
		for i := len(releases) - 1; i >= 0; i-- {
			func() {
				defer func() { recover() }()
				releases[i]()
			}()
		}
	})
}
