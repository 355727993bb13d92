package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentrelay/relay/pkg/chat"
)

func testKey(conv int64) chat.Key {
	return chat.Key{ConversationID: conv, AgentID: "default"}
}

func TestResolve_SameSessionForSameKey(t *testing.T) {
	r := New(time.Minute)
	defer r.Close()

	a, err := r.Resolve(testKey(1), nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Resolve(testKey(1), nil)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("same key resolved to different sessions")
	}

	c, err := r.Resolve(testKey(2), nil)
	if err != nil {
		t.Fatal(err)
	}
	if c == a {
		t.Error("distinct keys share a session")
	}
}

func TestResolve_InitRunsAtMostOnce(t *testing.T) {
	r := New(time.Minute)
	defer r.Close()

	var inits atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(testKey(7), func(s *Session) error {
				inits.Add(1)
				time.Sleep(time.Millisecond)
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := inits.Load(); got != 1 {
		t.Errorf("init ran %d times, want 1", got)
	}
}

func TestResolve_InitErrorLeavesNoEntry(t *testing.T) {
	r := New(time.Minute)
	defer r.Close()

	boom := errors.New("boom")
	_, err := r.Resolve(testKey(1), func(*Session) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	if _, ok := r.Get(testKey(1)); ok {
		t.Error("failed init left a session behind")
	}

	// A later resolve starts fresh and succeeds.
	if _, err := r.Resolve(testKey(1), nil); err != nil {
		t.Fatal(err)
	}
}

func TestClean_RunsDisposeCallbacksOnce(t *testing.T) {
	r := New(time.Minute)
	defer r.Close()

	var released atomic.Int32
	s, err := r.Resolve(testKey(1), func(s *Session) error {
		s.OnDispose(func() { released.Add(1) })
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Clean(testKey(1)); err != nil {
		t.Fatal(err)
	}
	if got := released.Load(); got != 1 {
		t.Errorf("release ran %d times, want 1", got)
	}
	if s.State() != StateDisposed {
		t.Errorf("state = %v, want disposed", s.State())
	}
	if _, ok := r.Get(testKey(1)); ok {
		t.Error("cleaned session still resolvable")
	}

	// Disposal is idempotent.
	if err := r.Clean(testKey(1)); err != nil {
		t.Fatal(err)
	}
	if got := released.Load(); got != 1 {
		t.Errorf("release re-ran on second clean: %d", got)
	}
}

func TestClose_RejectsFurtherOperations(t *testing.T) {
	r := New(time.Minute)
	if _, err := r.Resolve(testKey(1), nil); err != nil {
		t.Fatal(err)
	}
	r.Close()

	if _, err := r.Resolve(testKey(2), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Resolve after close: err = %v, want ErrClosed", err)
	}
	if err := r.Clean(testKey(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Clean after close: err = %v, want ErrClosed", err)
	}
}

func TestSession_TurnLifecycle(t *testing.T) {
	r := New(time.Minute)
	defer r.Close()
	s, _ := r.Resolve(testKey(1), nil)

	ctx, ok := s.BeginTurn()
	if !ok {
		t.Fatal("BeginTurn refused on idle session")
	}
	if s.State() != StateRunning {
		t.Fatalf("state = %v, want running", s.State())
	}

	// Second turn while running is refused.
	if _, ok := s.BeginTurn(); ok {
		t.Error("BeginTurn allowed concurrent turn")
	}

	s.EndTurn(nil)
	if s.State() != StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("turn context not cancelled by EndTurn")
	}
}

func TestSession_CancelAbortsTurnOnly(t *testing.T) {
	r := New(time.Minute)
	defer r.Close()
	s, _ := r.Resolve(testKey(1), nil)

	turnCtx, _ := s.BeginTurn()
	s.Cancel()

	select {
	case <-turnCtx.Done():
	default:
		t.Fatal("Cancel did not cancel the turn context")
	}
	if s.State() != StateCancelled {
		t.Errorf("state = %v, want cancelled", s.State())
	}
	if s.Context().Err() != nil {
		t.Error("Cancel ended the session lifetime context")
	}

	// The session accepts the next prompt.
	s.EndTurn(nil)
	if _, ok := s.BeginTurn(); !ok {
		t.Error("cancelled session refused a new turn")
	}
}

func TestSession_FaultedAcceptsNewTurn(t *testing.T) {
	r := New(time.Minute)
	defer r.Close()
	s, _ := r.Resolve(testKey(1), nil)

	s.BeginTurn()
	s.EndTurn(errors.New("provider exploded"))
	if s.State() != StateFaulted {
		t.Fatalf("state = %v, want faulted", s.State())
	}
	if _, ok := s.BeginTurn(); !ok {
		t.Error("faulted session refused a new turn")
	}
}

func TestSession_SnapshotIsCopy(t *testing.T) {
	r := New(time.Minute)
	defer r.Close()
	s, _ := r.Resolve(testKey(1), nil)

	s.Append(chat.Message{Role: chat.RoleUser, Content: "one"})
	snap := s.Snapshot()
	snap[0].Content = "mutated"

	if s.Snapshot()[0].Content != "one" {
		t.Error("snapshot aliases the session log")
	}
}
