// Package agent implements the LLM turn loop: prompt in, streamed
// chunks out, with concurrent tool dispatch and human approval gating
// for tool calls outside the session whitelist.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentrelay/relay/internal/llm"
	"github.com/agentrelay/relay/internal/registry"
	"github.com/agentrelay/relay/internal/tools"
	"github.com/agentrelay/relay/pkg/chat"
)

// ErrTurnInFlight is returned when a prompt arrives for a session whose
// previous turn has not finished.
var ErrTurnInFlight = errors.New("turn already in flight for session")

// Sink receives each chunk after the buffer stamps its sequence number.
// The gateway wires it to the composite transport fan-out.
type Sink func(key chat.Key, c chat.Chunk)

// Config configures a Loop.
type Config struct {
	ID          string
	Provider    llm.Provider
	Tools       *tools.Registry
	Broker      *Broker
	MaxDepth    int
	Temperature float64
	// SystemPrompt is prepended to every LLM request.
	SystemPrompt string
	// Whitelist patterns every session starts with.
	Whitelist []tools.Pattern
}

// Loop drives agent turns for one agent id. A Loop is shared by all
// sessions bound to that agent; per-session state (log, buffer, tool
// whitelist) lives with the session key.
type Loop struct {
	id           string
	provider     llm.Provider
	tools        *tools.Registry
	broker       *Broker
	maxDepth     int
	temperature  float64
	systemPrompt string
	seed         []tools.Pattern

	seedMu sync.RWMutex

	wl     sync.Map // chat.Key → *tools.Whitelist
	tracer trace.Tracer
}

func NewLoop(cfg Config) *Loop {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	return &Loop{
		id:           cfg.ID,
		provider:     cfg.Provider,
		tools:        cfg.Tools,
		broker:       cfg.Broker,
		maxDepth:     cfg.MaxDepth,
		temperature:  cfg.Temperature,
		systemPrompt: cfg.SystemPrompt,
		seed:         cfg.Whitelist,
		tracer:       otel.Tracer("relay/agent"),
	}
}

// ID returns the agent identifier.
func (l *Loop) ID() string { return l.id }

// WhitelistFor returns the session-scoped whitelist, creating it from
// the configured seed patterns on first use.
func (l *Loop) WhitelistFor(key chat.Key) *tools.Whitelist {
	if v, ok := l.wl.Load(key); ok {
		return v.(*tools.Whitelist)
	}
	l.seedMu.RLock()
	seed := l.seed
	l.seedMu.RUnlock()
	v, _ := l.wl.LoadOrStore(key, tools.NewWhitelist(seed...))
	return v.(*tools.Whitelist)
}

// UpdateSeed replaces the seed patterns used for new sessions; existing
// session whitelists are untouched. Called on config hot reload.
func (l *Loop) UpdateSeed(patterns []tools.Pattern) {
	l.seedMu.Lock()
	l.seed = patterns
	l.seedMu.Unlock()
}

// ForgetSession drops session-scoped whitelist state; registered as a
// session dispose callback.
func (l *Loop) ForgetSession(key chat.Key) { l.wl.Delete(key) }

// assembled accumulates one logical assistant turn from the update
// stream.
type assembled struct {
	msgID     string
	content   string
	reasoning string
	toolCalls []chat.ToolCall
}

func (a *assembled) empty() bool {
	return a.content == "" && a.reasoning == "" && len(a.toolCalls) == 0
}

func (a *assembled) message() chat.Message {
	return chat.Message{
		Role:      chat.RoleAssistant,
		Content:   a.content,
		Reasoning: a.reasoning,
		ToolCalls: a.toolCalls,
		MessageID: a.msgID,
		Timestamp: time.Now().UTC(),
	}
}

// Run processes one prompt through the turn loop, emitting chunks via
// sink. It returns nil for completed and interrupted turns; fatal turn
// errors are both emitted as error chunks and returned.
func (l *Loop) Run(ctx context.Context, sess *registry.Session, p chat.Prompt, sink Sink) error {
	turnCtx, ok := sess.BeginTurn()
	if !ok {
		return ErrTurnInFlight
	}

	// The caller's token aborts the turn too.
	stop := context.AfterFunc(ctx, sess.Cancel)
	defer stop()

	turnCtx, span := l.tracer.Start(turnCtx, "agent.turn", trace.WithAttributes(
		attribute.String("agent.id", l.id),
		attribute.String("session.key", sess.Key.String()),
		attribute.String("prompt.source", string(p.Source)),
	))

	sess.Buffer.Begin(p.Text, p.SenderID)
	sess.Append(chat.Message{
		Role:      chat.RoleUser,
		Content:   p.Text,
		Sender:    p.SenderID,
		Timestamp: time.Now().UTC(),
	})

	emit := func(c chat.Chunk) {
		stamped := sess.Buffer.Append(c)
		sink(sess.Key, stamped)
	}

	err := l.runTurn(turnCtx, sess, emit)
	if err != nil {
		span.RecordError(err)
	}
	span.End()

	switch {
	case err == nil:
		sess.EndTurn(nil)
		return nil
	case IsTransient(err):
		// Interrupted, not failed: terminal chunk with no content.
		sess.EndTurn(nil)
		slog.Debug("turn interrupted", "agent", l.id, "session", sess.Key.String())
		emit(chat.Chunk{Final: true})
		sess.Buffer.Complete()
		return nil
	default:
		sess.EndTurn(err)
		slog.Error("turn failed", "agent", l.id, "session", sess.Key.String(), "error", err)
		emit(chat.Chunk{Error: err.Error()})
		sess.Buffer.Complete()
		return err
	}
}

func (l *Loop) runTurn(ctx context.Context, sess *registry.Session, emit func(chat.Chunk)) error {
	for depth := 0; depth < l.maxDepth; depth++ {
		asm, err := l.streamOnce(ctx, sess, emit, depth)
		if err != nil {
			return err
		}

		sess.Append(asm.message())

		if len(asm.toolCalls) == 0 {
			emit(chat.Chunk{MessageID: asm.msgID, Final: true})
			sess.Buffer.Complete()
			return nil
		}

		results, err := l.dispatchTools(ctx, sess, asm.toolCalls, emit)
		if err != nil {
			return err
		}
		sess.Append(results...)
	}
	return ErrLoopLimit
}

// streamOnce performs one LLM call and consumes its update stream,
// emitting deltas as it goes. Mid-stream message-id changes append the
// assembled message and start a new logical turn.
func (l *Loop) streamOnce(ctx context.Context, sess *registry.Session, emit func(chat.Chunk), depth int) (*assembled, error) {
	ctx, span := l.tracer.Start(ctx, "llm.prompt", trace.WithAttributes(
		attribute.String("llm.provider", l.provider.Name()),
		attribute.Int("turn.depth", depth),
	))
	defer span.End()

	msgs := sess.Snapshot()
	if l.systemPrompt != "" {
		msgs = append([]chat.Message{{Role: chat.RoleSystem, Content: l.systemPrompt}}, msgs...)
	}
	req := llm.Request{
		Messages:    msgs,
		Tools:       l.tools.Defs(),
		Temperature: l.temperature,
	}
	updates, err := l.provider.Prompt(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("llm call (depth %d): %w", depth, err)
	}

	asm := &assembled{}
	for u := range updates {
		if u.Err != nil {
			span.RecordError(u.Err)
			return nil, fmt.Errorf("llm stream (depth %d): %w", depth, u.Err)
		}
		if u.MessageID != "" && u.MessageID != asm.msgID {
			if !asm.empty() {
				sess.Append(asm.message())
				asm = &assembled{}
			}
			asm.msgID = u.MessageID
		}
		if u.Content != "" {
			asm.content += u.Content
			emit(chat.Chunk{MessageID: asm.msgID, Content: u.Content})
		}
		if u.Reasoning != "" {
			asm.reasoning += u.Reasoning
			emit(chat.Chunk{MessageID: asm.msgID, Reasoning: u.Reasoning})
		}
		if len(u.ToolCalls) > 0 {
			asm.toolCalls = append(asm.toolCalls, u.ToolCalls...)
			delta, _ := json.Marshal(u.ToolCalls)
			emit(chat.Chunk{MessageID: asm.msgID, ToolCallDelta: string(delta)})
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return asm, nil
}

// dispatchTools executes the requested calls. Whitelisted calls run
// directly; the rest are bundled into one approval request that
// suspends the turn until resolved. Execution is concurrent with
// results restored to request order.
func (l *Loop) dispatchTools(ctx context.Context, sess *registry.Session, calls []chat.ToolCall, emit func(chat.Chunk)) ([]chat.Message, error) {
	wl := l.WhitelistFor(sess.Key)

	var gated []chat.ToolCall
	allowed := make(map[string]bool, len(calls))
	for _, tc := range calls {
		if wl.Allows(tc.Name, tc.Arguments) {
			allowed[tc.ID] = true
		} else {
			gated = append(gated, tc)
		}
	}

	rejected := make(map[string]bool)
	if len(gated) > 0 {
		req := chat.ApprovalRequest{
			ID:  uuid.NewString(),
			Key: sess.Key,
		}
		for _, tc := range gated {
			req.Calls = append(req.Calls, chat.ApprovalCall{
				ToolName:      tc.Name,
				ArgumentsJSON: tools.CanonicalArgs(tc.Arguments),
			})
		}
		emit(chat.Chunk{Approval: &req})

		outcome, err := l.broker.Await(ctx, req)
		if err != nil {
			// Cancellation while suspended: discard the request, end
			// the turn as interrupted.
			return nil, err
		}
		switch outcome {
		case chat.ApprovalRejected:
			for _, tc := range gated {
				rejected[tc.ID] = true
			}
		case chat.ApprovalApprovedAndRemember:
			for _, tc := range gated {
				wl.Remember(tc.Name, tc.Arguments)
				allowed[tc.ID] = true
			}
		case chat.ApprovalApproved, chat.ApprovalAutoApproved:
			for _, tc := range gated {
				allowed[tc.ID] = true
			}
		}
	}

	type indexed struct {
		idx int
		tc  chat.ToolCall
		res *tools.Result
	}
	resultCh := make(chan indexed, len(calls))
	var wg sync.WaitGroup

	for i, tc := range calls {
		if rejected[tc.ID] {
			resultCh <- indexed{idx: i, tc: tc, res: tools.JSONResult(json.RawMessage(`{"status":"rejected"}`))}
			continue
		}
		if !allowed[tc.ID] {
			continue
		}
		wg.Add(1)
		go func(idx int, tc chat.ToolCall) {
			defer wg.Done()
			tctx, span := l.tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
				attribute.String("tool.name", tc.Name),
			))
			res := l.tools.Invoke(tctx, tc.Name, tc.Arguments)
			if res.IsError {
				span.RecordError(errors.New(res.ForLLM()))
				slog.Warn("tool error", "agent", l.id, "tool", tc.Name, "error", res.ForLLM())
			}
			span.End()
			resultCh <- indexed{idx: idx, tc: tc, res: res}
		}(i, tc)
	}

	go func() { wg.Wait(); close(resultCh) }()

	collected := make([]indexed, 0, len(calls))
	for r := range resultCh {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs := make([]chat.Message, 0, len(collected))
	for _, r := range collected {
		msgs = append(msgs, chat.Message{
			Role:       chat.RoleTool,
			Content:    r.res.ForLLM(),
			ToolCallID: r.tc.ID,
			Timestamp:  time.Now().UTC(),
		})
	}
	return msgs, nil
}
