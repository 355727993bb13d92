package state

import "sync"

// Selector derives a view from a store value, recomputing only when
// the input changes. Safe to call from multiple render paths.
type Selector[S comparable, R any] struct {
	mu     sync.Mutex
	fn     func(S) R
	last   S
	cached R
	primed bool
}

func NewSelector[S comparable, R any](fn func(S) R) *Selector[S, R] {
	return &Selector[S, R]{fn: fn}
}

// Select returns the derived value, reusing the cached result when the
// input is unchanged.
func (s *Selector[S, R]) Select(in S) R {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.primed && in == s.last {
		return s.cached
	}
	s.cached = s.fn(in)
	s.last = in
	s.primed = true
	return s.cached
}

// Compose chains a selector after another derivation. The outer cache
// keys on the inner result, so an inner recompute that yields an equal
// value still reuses the outer result.
func Compose[S, M comparable, R any](inner *Selector[S, M], outer func(M) R) *Selector[S, R] {
	second := NewSelector(outer)
	return NewSelector(func(in S) R {
		return second.Select(inner.Select(in))
	})
}

// SelectedTopic returns the open topic, or nil when nothing is
// selected.
func SelectedTopic() *Selector[*TopicsState, *Topic] {
	return NewSelector(func(s *TopicsState) *Topic {
		if s == nil || s.SelectedID == 0 {
			return nil
		}
		for i := range s.Topics {
			if s.Topics[i].ID == s.SelectedID {
				t := s.Topics[i]
				return &t
			}
		}
		return nil
	})
}

// TopicCount returns how many topics exist.
func TopicCount() *Selector[*TopicsState, int] {
	return NewSelector(func(s *TopicsState) int {
		if s == nil {
			return 0
		}
		return len(s.Topics)
	})
}

// PendingApprovalCount returns how many approvals await a decision.
func PendingApprovalCount() *Selector[*ApprovalsState, int] {
	return NewSelector(func(s *ApprovalsState) int {
		if s == nil {
			return 0
		}
		return len(s.Pending)
	})
}
