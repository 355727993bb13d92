package webui

import (
	"testing"

	"github.com/agentrelay/relay/internal/bus"
	"github.com/agentrelay/relay/pkg/chat"
	"github.com/agentrelay/relay/pkg/protocol"
)

func TestChunkPayloadCarriesChunkFields(t *testing.T) {
	env := bus.Envelope{
		Key:   chat.Key{ConversationID: 7, ThreadID: 2, AgentID: "default"},
		Chunk: chat.Chunk{MessageID: "m1", Sequence: 42, Content: "hello"},
	}

	got := chunkPayload(env)

	if got.Sequence != env.Chunk.Sequence {
		t.Errorf("Sequence = %d, want %d", got.Sequence, env.Chunk.Sequence)
	}
	if got.ConversationID != 7 || got.ThreadID != 2 || got.AgentID != "default" {
		t.Errorf("session fields = %d/%d/%q, want 7/2/default",
			got.ConversationID, got.ThreadID, got.AgentID)
	}
	if got.MessageID != "m1" || got.Content != "hello" {
		t.Errorf("message fields = %q/%q, want m1/hello", got.MessageID, got.Content)
	}
	if got.SubType != protocol.ChatEventChunk {
		t.Errorf("SubType = %q, want %q", got.SubType, protocol.ChatEventChunk)
	}
}

func TestChatSubType(t *testing.T) {
	tests := []struct {
		name  string
		chunk chat.Chunk
		want  string
	}{
		{"content", chat.Chunk{Content: "hi"}, protocol.ChatEventChunk},
		{"reasoning", chat.Chunk{Reasoning: "hmm"}, protocol.ChatEventThinking},
		{"tool call", chat.Chunk{ToolCallDelta: `[{"id":"t1"}]`}, protocol.ChatEventToolCall},
		{"final", chat.Chunk{Final: true}, protocol.ChatEventDone},
		{"error", chat.Chunk{Error: "boom"}, protocol.ChatEventError},
		{"error wins over final", chat.Chunk{Error: "boom", Final: true}, protocol.ChatEventError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := chatSubType(tt.chunk); got != tt.want {
				t.Errorf("chatSubType = %q, want %q", got, tt.want)
			}
		})
	}
}
