package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentrelay/relay/internal/llm"
	"github.com/agentrelay/relay/internal/llm/llmtest"
	"github.com/agentrelay/relay/internal/registry"
	"github.com/agentrelay/relay/internal/tools"
	"github.com/agentrelay/relay/pkg/chat"
)

// echoTool counts invocations and echoes its msg argument.
type echoTool struct {
	calls atomic.Int32
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "Echo a message back." }

func (e *echoTool) ParametersSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`)
}

func (e *echoTool) Invoke(_ context.Context, arguments json.RawMessage) (*tools.Result, error) {
	e.calls.Add(1)
	var args struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return tools.ErrorResult(err.Error()), nil
	}
	return tools.TextResult("echo: " + args.Msg), nil
}

type loopFixture struct {
	loop   *Loop
	broker *Broker
	reg    *registry.Registry
	sess   *registry.Session
	echo   *echoTool
	chunks chan chat.Chunk
}

func newLoopFixture(t *testing.T, provider llm.Provider, cfg Config) *loopFixture {
	t.Helper()

	echo := &echoTool{}
	toolsReg := tools.NewRegistry()
	if err := toolsReg.Register(echo); err != nil {
		t.Fatal(err)
	}

	broker := NewBroker()
	cfg.ID = "default"
	cfg.Provider = provider
	cfg.Tools = toolsReg
	cfg.Broker = broker
	loop := NewLoop(cfg)

	reg := registry.New(time.Minute)
	t.Cleanup(reg.Close)
	sess, err := reg.Resolve(chat.Key{ConversationID: 1, AgentID: "default"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	return &loopFixture{
		loop:   loop,
		broker: broker,
		reg:    reg,
		sess:   sess,
		echo:   echo,
		chunks: make(chan chat.Chunk, 128),
	}
}

func (f *loopFixture) sink(_ chat.Key, c chat.Chunk) { f.chunks <- c }

func (f *loopFixture) run(ctx context.Context, text string) error {
	return f.loop.Run(ctx, f.sess, chat.Prompt{
		Text:           text,
		ConversationID: 1,
		AgentID:        "default",
		SenderID:       "tester",
		Source:         chat.SourceWebUI,
	}, f.sink)
}

// drain collects emitted chunks until a terminal one arrives.
func (f *loopFixture) drain(t *testing.T) []chat.Chunk {
	t.Helper()
	var out []chat.Chunk
	for {
		select {
		case c := <-f.chunks:
			out = append(out, c)
			if c.Final || c.Error != "" {
				return out
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no terminal chunk; got %d chunks so far", len(out))
		}
	}
}

// awaitApproval waits for the approval request chunk.
func (f *loopFixture) awaitApproval(t *testing.T) *chat.ApprovalRequest {
	t.Helper()
	for {
		select {
		case c := <-f.chunks:
			if c.Approval != nil {
				return c.Approval
			}
		case <-time.After(2 * time.Second):
			t.Fatal("approval request never emitted")
		}
	}
}

func toolCallUpdate(id, msg string) llm.Update {
	return llm.Update{
		MessageID: "m-tool",
		ToolCalls: []chat.ToolCall{{
			ID:        id,
			Name:      "echo",
			Arguments: json.RawMessage(fmt.Sprintf(`{"msg":%q}`, msg)),
		}},
	}
}

func TestLoop_TextTurn(t *testing.T) {
	provider := llmtest.NewScripted(llmtest.Turn{Updates: []llm.Update{
		{MessageID: "m1", Content: "Hello "},
		{MessageID: "m1", Content: "world."},
		{Done: true},
	}})
	f := newLoopFixture(t, provider, Config{})

	if err := f.run(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	chunks := f.drain(t)

	var content strings.Builder
	var lastSeq int64
	for _, c := range chunks {
		if c.Sequence <= lastSeq {
			t.Errorf("sequence not increasing: %d after %d", c.Sequence, lastSeq)
		}
		lastSeq = c.Sequence
		content.WriteString(c.Content)
	}
	if content.String() != "Hello world." {
		t.Errorf("streamed content = %q", content.String())
	}
	last := chunks[len(chunks)-1]
	if !last.Final || last.MessageID != "m1" {
		t.Errorf("terminal chunk = %+v", last)
	}

	if f.sess.State() != registry.StateIdle {
		t.Errorf("session state = %v, want idle", f.sess.State())
	}
	if f.sess.Buffer.Snapshot().IsProcessing {
		t.Error("buffer still processing after turn")
	}

	log := f.sess.Snapshot()
	if len(log) != 2 || log[0].Role != chat.RoleUser || log[1].Role != chat.RoleAssistant {
		t.Errorf("unexpected session log: %+v", log)
	}
	if log[1].Content != "Hello world." {
		t.Errorf("assistant message = %q", log[1].Content)
	}
}

func TestLoop_SystemPromptPrepended(t *testing.T) {
	provider := llmtest.NewScripted(llmtest.Turn{Updates: []llm.Update{
		{MessageID: "m1", Content: "ok"},
	}})
	f := newLoopFixture(t, provider, Config{SystemPrompt: "You are terse."})

	if err := f.run(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}

	calls := provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider called %d times", len(calls))
	}
	first := calls[0].Messages[0]
	if first.Role != chat.RoleSystem || first.Content != "You are terse." {
		t.Errorf("first message = %+v, want system prompt", first)
	}
}

func TestLoop_WhitelistedToolRunsWithoutApproval(t *testing.T) {
	provider := llmtest.NewScripted(
		llmtest.Turn{Updates: []llm.Update{toolCallUpdate("t1", "hi")}},
		llmtest.Turn{Updates: []llm.Update{{MessageID: "m2", Content: "done"}}},
	)
	f := newLoopFixture(t, provider, Config{Whitelist: []tools.Pattern{{Tool: "echo"}}})

	if err := f.run(context.Background(), "use the tool"); err != nil {
		t.Fatal(err)
	}
	chunks := f.drain(t)

	for _, c := range chunks {
		if c.Approval != nil {
			t.Error("whitelisted call triggered an approval request")
		}
	}
	if got := f.echo.calls.Load(); got != 1 {
		t.Errorf("tool invoked %d times, want 1", got)
	}

	var toolMsg chat.Message
	for _, m := range f.sess.Snapshot() {
		if m.Role == chat.RoleTool {
			toolMsg = m
		}
	}
	if toolMsg.Content != "echo: hi" || toolMsg.ToolCallID != "t1" {
		t.Errorf("tool result message = %+v", toolMsg)
	}
}

func TestLoop_RejectedApprovalFeedsRejectionToModel(t *testing.T) {
	provider := llmtest.NewScripted(
		llmtest.Turn{Updates: []llm.Update{toolCallUpdate("t1", "hi")}},
		llmtest.Turn{Updates: []llm.Update{{MessageID: "m2", Content: "understood"}}},
	)
	f := newLoopFixture(t, provider, Config{})

	errCh := make(chan error, 1)
	go func() { errCh <- f.run(context.Background(), "use the tool") }()

	req := f.awaitApproval(t)
	if len(req.Calls) != 1 || req.Calls[0].ToolName != "echo" {
		t.Fatalf("unexpected approval request: %+v", req)
	}
	if err := f.broker.Resolve(req.ID, chat.ApprovalRejected); err != nil {
		t.Fatal(err)
	}

	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	if got := f.echo.calls.Load(); got != 0 {
		t.Errorf("rejected tool ran %d times", got)
	}

	found := false
	for _, m := range f.sess.Snapshot() {
		if m.Role == chat.RoleTool && strings.Contains(m.Content, `"rejected"`) {
			found = true
		}
	}
	if !found {
		t.Error("no rejection result in session log")
	}
}

func TestLoop_RememberSkipsSecondApproval(t *testing.T) {
	provider := llmtest.NewScripted(
		llmtest.Turn{Updates: []llm.Update{toolCallUpdate("t1", "hi")}},
		llmtest.Turn{Updates: []llm.Update{{MessageID: "m2", Content: "first done"}}},
		llmtest.Turn{Updates: []llm.Update{toolCallUpdate("t2", "hi")}},
		llmtest.Turn{Updates: []llm.Update{{MessageID: "m4", Content: "second done"}}},
	)
	f := newLoopFixture(t, provider, Config{})

	errCh := make(chan error, 1)
	go func() { errCh <- f.run(context.Background(), "first") }()

	req := f.awaitApproval(t)
	if err := f.broker.Resolve(req.ID, chat.ApprovalApprovedAndRemember); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	// Same call shape again: runs without asking.
	if err := f.run(context.Background(), "second"); err != nil {
		t.Fatal(err)
	}
	for _, c := range f.drain(t) {
		if c.Approval != nil {
			t.Error("remembered call asked for approval again")
		}
	}
	if got := f.echo.calls.Load(); got != 2 {
		t.Errorf("tool invoked %d times, want 2", got)
	}
}

func TestLoop_CancelDuringApprovalEndsTurnSilently(t *testing.T) {
	provider := llmtest.NewScripted(
		llmtest.Turn{Updates: []llm.Update{toolCallUpdate("t1", "hi")}},
	)
	f := newLoopFixture(t, provider, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.run(ctx, "use the tool") }()

	f.awaitApproval(t)
	cancel()

	if err := <-errCh; err != nil {
		t.Fatalf("interrupted turn returned error: %v", err)
	}
	chunks := f.drain(t)
	last := chunks[len(chunks)-1]
	if !last.Final || last.Error != "" || last.Content != "" {
		t.Errorf("terminal chunk = %+v, want bare Final", last)
	}
	if got := f.echo.calls.Load(); got != 0 {
		t.Errorf("tool ran %d times after cancellation", got)
	}

	// The session takes the next prompt.
	if _, ok := f.sess.BeginTurn(); !ok {
		t.Error("session unusable after cancelled turn")
	}
}

func TestLoop_DepthLimit(t *testing.T) {
	provider := llmtest.NewScripted(
		llmtest.Turn{Updates: []llm.Update{toolCallUpdate("t1", "a")}},
		llmtest.Turn{Updates: []llm.Update{toolCallUpdate("t2", "b")}},
		llmtest.Turn{Updates: []llm.Update{toolCallUpdate("t3", "c")}},
	)
	f := newLoopFixture(t, provider, Config{
		MaxDepth:  2,
		Whitelist: []tools.Pattern{{Tool: "echo"}},
	})

	err := f.run(context.Background(), "loop forever")
	if !errors.Is(err, ErrLoopLimit) {
		t.Fatalf("err = %v, want ErrLoopLimit", err)
	}
	chunks := f.drain(t)
	last := chunks[len(chunks)-1]
	if last.Error == "" {
		t.Errorf("no error chunk emitted: %+v", last)
	}
	if f.sess.State() != registry.StateFaulted {
		t.Errorf("session state = %v, want faulted", f.sess.State())
	}
}

func TestLoop_StreamErrorFailsTurn(t *testing.T) {
	provider := llmtest.NewScripted(llmtest.Turn{Updates: []llm.Update{
		{MessageID: "m1", Content: "partial"},
		{Err: errors.New("rate limited by upstream")},
	}})
	f := newLoopFixture(t, provider, Config{})

	err := f.run(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err = %v", err)
	}
	chunks := f.drain(t)
	if chunks[len(chunks)-1].Error == "" {
		t.Error("no error chunk emitted")
	}
}

func TestLoop_TurnInFlight(t *testing.T) {
	provider := llmtest.NewScripted()
	f := newLoopFixture(t, provider, Config{})

	if _, ok := f.sess.BeginTurn(); !ok {
		t.Fatal("setup: BeginTurn failed")
	}
	if err := f.run(context.Background(), "hi"); !errors.Is(err, ErrTurnInFlight) {
		t.Errorf("err = %v, want ErrTurnInFlight", err)
	}
}

func TestLoop_UpdateSeedAffectsNewSessionsOnly(t *testing.T) {
	provider := llmtest.NewScripted()
	f := newLoopFixture(t, provider, Config{})

	existing := f.loop.WhitelistFor(chat.Key{ConversationID: 1, AgentID: "default"})
	f.loop.UpdateSeed([]tools.Pattern{{Tool: "echo"}})

	if existing.Allows("echo", nil) {
		t.Error("seed update mutated an existing session whitelist")
	}
	fresh := f.loop.WhitelistFor(chat.Key{ConversationID: 2, AgentID: "default"})
	if !fresh.Allows("echo", nil) {
		t.Error("new session whitelist missing updated seed")
	}
}
