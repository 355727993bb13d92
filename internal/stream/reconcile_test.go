package stream

import (
	"reflect"
	"testing"

	"github.com/agentrelay/relay/pkg/chat"
)

func TestRebuild_GroupsByMessageID(t *testing.T) {
	state := chat.StreamState{Chunks: []chat.Chunk{
		{Sequence: 1, MessageID: "m1", Content: "Hello "},
		{Sequence: 2, MessageID: "m1", Content: "world."},
		{Sequence: 3, MessageID: "m1", Final: true},
		{Sequence: 4, MessageID: "m2", Reasoning: "thinking"},
		{Sequence: 5, MessageID: "m2", Content: "Second"},
	}}

	got := Rebuild(state)
	if len(got.CompletedTurns) != 1 {
		t.Fatalf("completed turns = %d, want 1", len(got.CompletedTurns))
	}
	turn := got.CompletedTurns[0]
	if turn.MessageID != "m1" || turn.Content != "Hello world." || turn.Role != chat.RoleAssistant {
		t.Errorf("unexpected completed turn: %+v", turn)
	}
	if got.Streaming.MessageID != "m2" || got.Streaming.Content != "Second" || got.Streaming.Reasoning != "thinking" {
		t.Errorf("unexpected streaming tail: %+v", got.Streaming)
	}
}

func TestRebuild_NewIDClosesPreviousGroup(t *testing.T) {
	// No Final chunk on m1: the id switch alone completes it.
	state := chat.StreamState{Chunks: []chat.Chunk{
		{Sequence: 1, MessageID: "m1", Content: "first"},
		{Sequence: 2, MessageID: "m2", Content: "second"},
	}}

	got := Rebuild(state)
	if len(got.CompletedTurns) != 1 || got.CompletedTurns[0].Content != "first" {
		t.Fatalf("unexpected turns: %+v", got.CompletedTurns)
	}
	if got.Streaming.Content != "second" {
		t.Errorf("streaming = %+v", got.Streaming)
	}
}

func TestRebuild_SkipsErrorAndApprovalChunks(t *testing.T) {
	state := chat.StreamState{Chunks: []chat.Chunk{
		{Sequence: 1, MessageID: "m1", Content: "ok"},
		{Sequence: 2, Error: "boom"},
		{Sequence: 3, Approval: &chat.ApprovalRequest{ID: "a1"}},
	}}

	got := Rebuild(state)
	if len(got.CompletedTurns) != 0 {
		t.Fatalf("unexpected completed turns: %+v", got.CompletedTurns)
	}
	if got.Streaming.Content != "ok" {
		t.Errorf("streaming = %+v", got.Streaming)
	}
}

func TestRebuild_CarriesToolCalls(t *testing.T) {
	state := chat.StreamState{Chunks: []chat.Chunk{
		{Sequence: 1, MessageID: "m1", Content: "Checking "},
		{Sequence: 2, MessageID: "m1", ToolCallDelta: `[{"id":"t1","name":"web_fetch","arguments":{"url":"https://example.com"}}]`},
		{Sequence: 3, MessageID: "m1", Content: "now."},
		{Sequence: 4, MessageID: "m1", Final: true},
	}}

	got := Rebuild(state)
	if len(got.CompletedTurns) != 1 {
		t.Fatalf("completed turns = %d, want 1", len(got.CompletedTurns))
	}
	turn := got.CompletedTurns[0]
	if turn.Content != "Checking now." {
		t.Errorf("content = %q", turn.Content)
	}
	if len(turn.ToolCalls) != 1 || turn.ToolCalls[0].ID != "t1" || turn.ToolCalls[0].Name != "web_fetch" {
		t.Errorf("tool calls not carried: %+v", turn.ToolCalls)
	}
}

func TestMerge_EnrichesToolCalls(t *testing.T) {
	history := []chat.Message{
		{Role: chat.RoleAssistant, Content: "Fetched.", MessageID: "m1"},
	}
	state := chat.StreamState{Chunks: []chat.Chunk{
		{Sequence: 1, MessageID: "m1", ToolCallDelta: `[{"id":"t1","name":"read_file"}]`},
		{Sequence: 2, MessageID: "m1", Content: "Fetched."},
		{Sequence: 3, MessageID: "m1", Final: true},
	}}

	got := Merge(history, state)
	if len(got.Messages) != 1 {
		t.Fatalf("got %d messages: %+v", len(got.Messages), got.Messages)
	}
	calls := got.Messages[0].ToolCalls
	if len(calls) != 1 || calls[0].Name != "read_file" {
		t.Errorf("tool calls not enriched: %+v", calls)
	}
}

func TestMerge_InsertsMissedTurns(t *testing.T) {
	history := []chat.Message{
		{Role: chat.RoleUser, Content: "hi"},
		{Role: chat.RoleAssistant, Content: "Hello.", MessageID: "m1"},
	}
	state := chat.StreamState{
		IsProcessing: true,
		Chunks: []chat.Chunk{
			{Sequence: 1, MessageID: "m1", Content: "Hello."},
			{Sequence: 2, MessageID: "m1", Final: true},
			{Sequence: 3, MessageID: "m2", Content: "Missed turn."},
			{Sequence: 4, MessageID: "m2", Final: true},
			{Sequence: 5, MessageID: "m3", Content: "Still going"},
		},
	}

	got := Merge(history, state)
	wantIDs := []string{"", "m1", "m2"}
	if len(got.Messages) != len(wantIDs) {
		t.Fatalf("got %d messages, want %d: %+v", len(got.Messages), len(wantIDs), got.Messages)
	}
	for i, id := range wantIDs {
		if got.Messages[i].MessageID != id {
			t.Errorf("message %d id = %q, want %q", i, got.Messages[i].MessageID, id)
		}
	}
	if got.Streaming.Content != "Still going" {
		t.Errorf("streaming = %+v", got.Streaming)
	}
}

func TestMerge_RepairsTruncatedAnchor(t *testing.T) {
	// Client disconnected mid-stream and kept only a prefix.
	history := []chat.Message{
		{Role: chat.RoleAssistant, Content: "The answer", MessageID: "m1"},
	}
	state := chat.StreamState{Chunks: []chat.Chunk{
		{Sequence: 1, MessageID: "m1", Content: "The answer is 42."},
		{Sequence: 2, MessageID: "m1", Final: true},
	}}

	got := Merge(history, state)
	if len(got.Messages) != 1 {
		t.Fatalf("got %d messages: %+v", len(got.Messages), got.Messages)
	}
	if got.Messages[0].Content != "The answer is 42." {
		t.Errorf("anchor not repaired: %q", got.Messages[0].Content)
	}
}

func TestMerge_EnrichesReasoning(t *testing.T) {
	history := []chat.Message{
		{Role: chat.RoleAssistant, Content: "Done.", MessageID: "m1"},
	}
	state := chat.StreamState{Chunks: []chat.Chunk{
		{Sequence: 1, MessageID: "m1", Reasoning: "step by step"},
		{Sequence: 2, MessageID: "m1", Content: "Done."},
		{Sequence: 3, MessageID: "m1", Final: true},
	}}

	got := Merge(history, state)
	if got.Messages[0].Reasoning != "step by step" {
		t.Errorf("reasoning not enriched: %+v", got.Messages[0])
	}
}

func TestMerge_StripsKnownStreamingContent(t *testing.T) {
	history := []chat.Message{
		{Role: chat.RoleAssistant, Content: "Partial reply that streamed", MessageID: "m1"},
	}
	state := chat.StreamState{
		IsProcessing: true,
		Chunks: []chat.Chunk{
			{Sequence: 1, MessageID: "m1", Content: "Partial reply"},
		},
	}

	got := Merge(history, state)
	if got.Streaming.Content != "" {
		t.Errorf("known content not stripped: %q", got.Streaming.Content)
	}
}

func TestMerge_AppendsCurrentPrompt(t *testing.T) {
	state := chat.StreamState{
		IsProcessing:    true,
		CurrentPrompt:   "what now",
		CurrentSenderID: "bob",
	}

	got := Merge(nil, state)
	if len(got.Messages) != 1 {
		t.Fatalf("got %d messages", len(got.Messages))
	}
	m := got.Messages[0]
	if m.Role != chat.RoleUser || m.Content != "what now" || m.Sender != "bob" {
		t.Errorf("unexpected prompt message: %+v", m)
	}

	// Already present: not duplicated.
	again := Merge(got.Messages, state)
	if len(again.Messages) != 1 {
		t.Errorf("prompt duplicated: %+v", again.Messages)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	history := []chat.Message{
		{Role: chat.RoleUser, Content: "hi"},
		{Role: chat.RoleAssistant, Content: "Hello.", MessageID: "m1"},
	}
	state := chat.StreamState{Chunks: []chat.Chunk{
		{Sequence: 1, MessageID: "m1", Content: "Hello."},
		{Sequence: 2, MessageID: "m1", Final: true},
		{Sequence: 3, MessageID: "m2", Content: "Extra."},
		{Sequence: 4, MessageID: "m2", Final: true},
	}}

	once := Merge(history, state)
	twice := Merge(once.Messages, state)
	if !reflect.DeepEqual(once.Messages, twice.Messages) {
		t.Errorf("merge not idempotent:\nonce:  %+v\ntwice: %+v", once.Messages, twice.Messages)
	}
}
