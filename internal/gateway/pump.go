package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/agentrelay/relay/internal/agent"
	"github.com/agentrelay/relay/internal/registry"
	"github.com/agentrelay/relay/pkg/chat"
)

// Pump drives the fan-in side: merged prompts from every transport are
// resolved to sessions and dispatched to their agent loop. Blocks until
// ctx ends or every transport closes its stream.
func (s *Server) Pump(ctx context.Context) error {
	prompts, err := s.composite.ReadPrompts(ctx)
	if err != nil {
		return err
	}
	s.composite.Start(ctx)

	for p := range prompts {
		if !s.limiter.Allow(p.Key().String()) {
			slog.Warn("prompt rate limited", "session", p.Key().String(), "source", p.Source)
			s.composite.Write(p.Key(), chat.Chunk{Error: "rate limited, slow down"})
			continue
		}
		go s.handlePrompt(ctx, p)
	}
	return ctx.Err()
}

// Submit injects a prompt outside the transport fan-in; the scheduler
// uses it for recurring prompts.
func (s *Server) Submit(ctx context.Context, p chat.Prompt) error {
	if p.Source != "" && p.ConversationID != 0 {
		s.composite.PinSource(p.ConversationID, p.Source)
	}
	return s.runPrompt(ctx, p)
}

func (s *Server) handlePrompt(ctx context.Context, p chat.Prompt) {
	if err := s.runPrompt(ctx, p); err != nil {
		slog.Error("prompt failed", "session", p.Key().String(), "source", p.Source, "error", err)
	}
}

func (s *Server) runPrompt(ctx context.Context, p chat.Prompt) error {
	loop, ok := s.loops[p.AgentID]
	if !ok {
		s.composite.Write(p.Key(), chat.Chunk{Error: "unknown agent " + p.AgentID})
		return errors.New("unknown agent " + p.AgentID)
	}

	key := p.Key()
	sess, err := s.reg.Resolve(key, func(sess *registry.Session) error {
		sess.OnDispose(func() { loop.ForgetSession(key) })
		return nil
	})
	if err != nil {
		return err
	}

	err = loop.Run(ctx, sess, p, s.composite.Write)
	if errors.Is(err, agent.ErrTurnInFlight) {
		s.composite.Write(key, chat.Chunk{Error: "a turn is already in progress"})
	}
	return err
}
