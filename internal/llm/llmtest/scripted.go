// Package llmtest provides a scripted Provider for tests: each call to
// Prompt replays the next pre-programmed update sequence.
package llmtest

import (
	"context"
	"sync"

	"github.com/agentrelay/relay/internal/llm"
)

// Turn is one scripted Prompt call: the updates to replay, or an error
// to fail with instead.
type Turn struct {
	Updates []llm.Update
	Err     error
}

// Scripted replays canned turns in order. Safe for concurrent use.
type Scripted struct {
	mu    sync.Mutex
	turns []Turn
	calls []llm.Request
}

// NewScripted builds a provider that replays the given turns.
func NewScripted(turns ...Turn) *Scripted {
	return &Scripted{turns: turns}
}

// Name implements llm.Provider.
func (s *Scripted) Name() string { return "scripted" }

// Calls returns the requests received so far.
func (s *Scripted) Calls() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// Prompt implements llm.Provider. Running past the scripted turns
// yields a single terminal update with empty content.
func (s *Scripted) Prompt(ctx context.Context, req llm.Request) (<-chan llm.Update, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	var turn Turn
	if len(s.turns) > 0 {
		turn = s.turns[0]
		s.turns = s.turns[1:]
	} else {
		turn = Turn{Updates: []llm.Update{{Done: true}}}
	}
	s.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}

	ch := make(chan llm.Update)
	go func() {
		defer close(ch)
		for _, u := range turn.Updates {
			select {
			case ch <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
