package pipeline

import (
	"testing"

	"github.com/agentrelay/relay/internal/client/state"
	"github.com/agentrelay/relay/pkg/chat"
	"github.com/agentrelay/relay/pkg/protocol"
)

func chunk(topic int64, msgID, content string) protocol.ChatPayload {
	return protocol.ChatPayload{
		SubType:        protocol.ChatEventChunk,
		ConversationID: topic,
		MessageID:      msgID,
		Content:        content,
	}
}

func done(topic int64) protocol.ChatPayload {
	return protocol.ChatPayload{SubType: protocol.ChatEventDone, ConversationID: topic}
}

func TestAssembler_AccumulatesStreaming(t *testing.T) {
	app := state.NewApp()
	asm := NewAssembler(app)

	asm.Consume(chunk(1, "m1", "Hello"))
	asm.Consume(chunk(1, "m1", " world"))

	s := app.Streaming.Get()
	if got := s.ByTopic[1].Content; got != "Hello world" {
		t.Errorf("streaming content = %q", got)
	}
	if !s.Processing[1] {
		t.Error("processing flag not set")
	}
}

func TestAssembler_DoneFinalizesTurn(t *testing.T) {
	app := state.NewApp()
	asm := NewAssembler(app)

	asm.Consume(chunk(1, "m1", "Answer."))
	asm.Consume(done(1))

	msgs := app.Messages.Get().ByTopic[1]
	if len(msgs) != 1 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if msgs[0].Role != chat.RoleAssistant || msgs[0].Content != "Answer." || msgs[0].MessageID != "m1" {
		t.Errorf("message = %+v", msgs[0])
	}

	s := app.Streaming.Get()
	if _, ok := s.ByTopic[1]; ok {
		t.Error("streaming not cleared")
	}
	if s.Processing[1] {
		t.Error("processing not cleared")
	}
}

func TestAssembler_NewMessageIDSplitsTurn(t *testing.T) {
	app := state.NewApp()
	asm := NewAssembler(app)

	asm.Consume(chunk(1, "m1", "First part."))
	asm.Consume(chunk(1, "m2", "Second part."))
	asm.Consume(done(1))

	msgs := app.Messages.Get().ByTopic[1]
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].MessageID != "m1" || msgs[0].Content != "First part." {
		t.Errorf("first = %+v", msgs[0])
	}
	if msgs[1].MessageID != "m2" || msgs[1].Content != "Second part." {
		t.Errorf("second = %+v", msgs[1])
	}
}

func TestAssembler_IDChangeWithoutBodyAdoptsID(t *testing.T) {
	app := state.NewApp()
	asm := NewAssembler(app)

	// Only a tool-call delta has arrived. The id change must not split.
	asm.Consume(protocol.ChatPayload{
		SubType:        protocol.ChatEventToolCall,
		ConversationID: 1,
		MessageID:      "m1",
		ToolCallDelta:  `{"name":"current_time"`,
	})
	asm.Consume(chunk(1, "m2", "Body after the tool round."))
	asm.Consume(done(1))

	msgs := app.Messages.Get().ByTopic[1]
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].MessageID != "m2" {
		t.Errorf("messageID = %q, want adopted m2", msgs[0].MessageID)
	}
}

func TestAssembler_ToolCallDeltaNeverSplits(t *testing.T) {
	app := state.NewApp()
	asm := NewAssembler(app)

	asm.Consume(chunk(1, "m1", "Let me check."))
	asm.Consume(protocol.ChatPayload{
		SubType:        protocol.ChatEventToolCall,
		ConversationID: 1,
		MessageID:      "m2",
		ToolCallDelta:  `{"args":`,
	})
	asm.Consume(done(1))

	msgs := app.Messages.Get().ByTopic[1]
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1 (tool delta must not split)", len(msgs))
	}
	if msgs[0].Content != "Let me check." {
		t.Errorf("content = %q", msgs[0].Content)
	}
}

func TestAssembler_ErrorAppendsErrorMessage(t *testing.T) {
	app := state.NewApp()
	asm := NewAssembler(app)

	asm.Consume(chunk(1, "m1", "Partial"))
	asm.Consume(protocol.ChatPayload{
		SubType:        protocol.ChatEventError,
		ConversationID: 1,
		Error:          "provider unavailable",
	})

	msgs := app.Messages.Get().ByTopic[1]
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want partial + error", len(msgs))
	}
	if msgs[1].Content != "error: provider unavailable" {
		t.Errorf("error message = %q", msgs[1].Content)
	}
	if app.Streaming.Get().Processing[1] {
		t.Error("processing not cleared after error")
	}
}

func TestAssembler_DuplicateByMessageID(t *testing.T) {
	app := state.NewApp()
	asm := NewAssembler(app)

	// The resume merge already placed m1 in the log.
	app.Dispatcher.Dispatch(state.AddMessage{TopicID: 1, Message: chat.Message{
		Role: chat.RoleAssistant, Content: "Full answer.", MessageID: "m1",
	}})

	asm.Consume(chunk(1, "m1", "Full answer."))
	asm.Consume(done(1))

	if got := len(app.Messages.Get().ByTopic[1]); got != 1 {
		t.Errorf("messages = %d, replayed turn duplicated", got)
	}
}

func TestAssembler_DuplicateBySubstring(t *testing.T) {
	app := state.NewApp()
	asm := NewAssembler(app)

	// Merged log carries the full text but no id for it.
	app.Dispatcher.Dispatch(state.AddMessage{TopicID: 1, Message: chat.Message{
		Role: chat.RoleAssistant, Content: "The full answer is forty two.",
	}})

	// Replayed live chunks carry only a suffix of the merged content.
	asm.Consume(chunk(1, "", "answer is forty two."))
	asm.Consume(done(1))

	if got := len(app.Messages.Get().ByTopic[1]); got != 1 {
		t.Errorf("messages = %d, substring replay duplicated", got)
	}
}

func TestAssembler_TopicsAreIndependent(t *testing.T) {
	app := state.NewApp()
	asm := NewAssembler(app)

	asm.Consume(chunk(1, "a1", "one"))
	asm.Consume(chunk(2, "b1", "two"))
	asm.Consume(done(1))

	if got := len(app.Messages.Get().ByTopic[1]); got != 1 {
		t.Errorf("topic 1 messages = %d", got)
	}
	if got := len(app.Messages.Get().ByTopic[2]); got != 0 {
		t.Errorf("topic 2 finalized early: %d", got)
	}
	if got := app.Streaming.Get().ByTopic[2].Content; got != "two" {
		t.Errorf("topic 2 streaming = %q", got)
	}
}

func TestAssembler_ResetDropsPartial(t *testing.T) {
	app := state.NewApp()
	asm := NewAssembler(app)

	asm.Consume(chunk(1, "m1", "Stale partial"))
	asm.Reset(1)
	asm.Consume(done(1))

	if got := len(app.Messages.Get().ByTopic[1]); got != 0 {
		t.Errorf("messages = %d, reset partial finalized", got)
	}
}

func TestAssembler_SeedExtendsMergedTail(t *testing.T) {
	app := state.NewApp()
	asm := NewAssembler(app)

	// Resume reconciliation left a streaming tail for m2; the next live
	// delta continues that message.
	asm.Seed(7, chat.StreamingContent{MessageID: "m2", Content: "xy"})
	asm.Consume(chunk(7, "m2", "z"))

	if got := app.Streaming.Get().ByTopic[7].Content; got != "xyz" {
		t.Fatalf("streaming content = %q, want %q", got, "xyz")
	}

	asm.Consume(done(7))
	msgs := app.Messages.Get().ByTopic[7]
	if len(msgs) != 1 || msgs[0].Content != "xyz" {
		t.Errorf("finalized messages = %+v", msgs)
	}
}

func TestAssembler_SeedSkipsReplayedDeltas(t *testing.T) {
	app := state.NewApp()
	asm := NewAssembler(app)

	asm.Seed(7, chat.StreamingContent{MessageID: "m2", Content: "xy"})

	// The server replays deltas the merge already accounted for.
	asm.Consume(chunk(7, "m2", "x"))
	asm.Consume(chunk(7, "m2", "y"))
	if got := app.Streaming.Get().ByTopic[7].Content; got != "xy" {
		t.Fatalf("replayed deltas appended: %q", got)
	}

	// New text ends the replay; later repeats are genuine.
	asm.Consume(chunk(7, "m2", "z"))
	asm.Consume(chunk(7, "m2", "x"))
	if got := app.Streaming.Get().ByTopic[7].Content; got != "xyzx" {
		t.Errorf("streaming content = %q, want %q", got, "xyzx")
	}
}
