package stream

import (
	"encoding/json"
	"strings"

	"github.com/agentrelay/relay/pkg/chat"
)

// Rebuilt is the outcome of replaying a buffer: the assistant turns
// that completed while the client was away, and the still-streaming
// tail.
type Rebuilt struct {
	CompletedTurns []chat.Message
	Streaming      chat.StreamingContent
}

// MergeResult is the reconciled view handed back to a reconnecting
// client: its history with the missed turns folded in, plus the
// streaming tail stripped of content the client already has.
type MergeResult struct {
	Messages  []chat.Message
	Streaming chat.StreamingContent
}

// Rebuild replays buffered chunks in sequence order and reassembles
// assistant turns. Chunks are grouped by message id; chunks without an
// id belong to the current tail group. A group is completed by a
// final-flagged chunk or by the arrival of a different id; the last
// unterminated group is the streaming tail. Error and approval chunks
// contribute no text.
func Rebuild(state chat.StreamState) Rebuilt {
	var out Rebuilt
	var cur chat.StreamingContent
	var curCalls []chat.ToolCall
	open := false

	closeGroup := func() {
		if !open {
			return
		}
		out.CompletedTurns = append(out.CompletedTurns, chat.Message{
			Role:      chat.RoleAssistant,
			Content:   cur.Content,
			Reasoning: cur.Reasoning,
			ToolCalls: curCalls,
			MessageID: cur.MessageID,
		})
		cur = chat.StreamingContent{}
		curCalls = nil
		open = false
	}

	for _, c := range state.Chunks {
		if c.Error != "" || c.Approval != nil {
			continue
		}
		if c.MessageID != "" && c.MessageID != cur.MessageID {
			if open {
				closeGroup()
			}
			cur.MessageID = c.MessageID
		}
		if c.Content != "" {
			cur.Content += c.Content
			open = true
		}
		if c.Reasoning != "" {
			cur.Reasoning += c.Reasoning
			open = true
		}
		if c.ToolCallDelta != "" {
			cur.ToolCall += c.ToolCallDelta
			// Each delta is one self-contained JSON array of calls.
			var calls []chat.ToolCall
			if err := json.Unmarshal([]byte(c.ToolCallDelta), &calls); err == nil {
				curCalls = append(curCalls, calls...)
			}
			open = true
		}
		if c.MessageID != "" {
			open = true
		}
		if c.Final {
			closeGroup()
		}
	}

	if open {
		out.Streaming = cur
	}
	return out
}

// Merge reconciles the server stream state with the client's message
// history for a thread. History order is preserved; buffered turns the
// client has not seen are inserted at anchor boundaries; the streaming
// tail is stripped of any content already present in a known assistant
// message. currentPrompt is appended as a user message unless an
// identical one exists.
func Merge(history []chat.Message, state chat.StreamState) MergeResult {
	rebuilt := Rebuild(state)

	historyIDs := make(map[string]bool)
	for _, m := range history {
		if m.MessageID != "" {
			historyIDs[m.MessageID] = true
		}
	}

	// Classify completed turns: anchors are already in the history;
	// everything after an anchor is bucketed behind it, everything
	// before the first anchor leads.
	var leading []chat.Message
	following := make(map[string][]chat.Message)
	enrich := make(map[string]chat.Message)
	lastAnchor := ""
	for _, turn := range rebuilt.CompletedTurns {
		if turn.MessageID != "" && historyIDs[turn.MessageID] {
			lastAnchor = turn.MessageID
			enrich[turn.MessageID] = turn
			continue
		}
		if lastAnchor == "" {
			leading = append(leading, turn)
		} else {
			following[lastAnchor] = append(following[lastAnchor], turn)
		}
	}

	merged := make([]chat.Message, 0, len(history)+len(rebuilt.CompletedTurns)+1)
	seen := func(m chat.Message) bool {
		for _, have := range merged {
			if m.MessageID != "" && have.MessageID == m.MessageID {
				return true
			}
			if m.MessageID == "" && have.MessageID == "" && have.Role == m.Role && have.Content == m.Content {
				return true
			}
		}
		return false
	}
	insert := func(turns []chat.Message) {
		for _, t := range turns {
			if !seen(t) {
				merged = append(merged, t)
			}
		}
	}

	firstAnchorPlaced := false
	for _, m := range history {
		isAnchor := m.MessageID != "" && enrich[m.MessageID].MessageID == m.MessageID
		if isAnchor && !firstAnchorPlaced {
			insert(leading)
			firstAnchorPlaced = true
		}
		if isAnchor {
			src := enrich[m.MessageID]
			if m.Reasoning == "" && src.Reasoning != "" {
				m.Reasoning = src.Reasoning
			}
			if len(m.ToolCalls) == 0 && len(src.ToolCalls) > 0 {
				m.ToolCalls = src.ToolCalls
			}
			// The buffer holds the completed turn; a client copy that is
			// a proper prefix of it was cut off mid-stream.
			if src.Content != "" && src.Content != m.Content && strings.HasPrefix(src.Content, m.Content) {
				m.Content = src.Content
			}
		}
		if !seen(m) {
			merged = append(merged, m)
		}
		if isAnchor {
			insert(following[m.MessageID])
		}
	}
	if !firstAnchorPlaced {
		insert(leading)
	}

	streaming := stripKnownContent(rebuilt.Streaming, merged)

	if state.CurrentPrompt != "" && !hasUserMessage(merged, state.CurrentPrompt) {
		merged = append(merged, chat.Message{
			Role:    chat.RoleUser,
			Content: state.CurrentPrompt,
			Sender:  state.CurrentSenderID,
		})
	}

	return MergeResult{Messages: merged, Streaming: streaming}
}

// stripKnownContent removes streamed text the client already has: if
// the tail's content is a substring of any known assistant message it
// is cleared entirely (reasoning and tool calls survive); if a known
// assistant message is a prefix of the tail, that prefix is stripped.
func stripKnownContent(s chat.StreamingContent, known []chat.Message) chat.StreamingContent {
	if s.Content == "" {
		return s
	}
	for _, m := range known {
		if m.Role != chat.RoleAssistant || m.Content == "" {
			continue
		}
		if strings.Contains(m.Content, s.Content) {
			s.Content = ""
			return s
		}
	}
	for _, m := range known {
		if m.Role != chat.RoleAssistant || m.Content == "" {
			continue
		}
		if strings.HasPrefix(s.Content, m.Content) {
			s.Content = strings.TrimPrefix(s.Content, m.Content)
			return s
		}
	}
	return s
}

func hasUserMessage(msgs []chat.Message, text string) bool {
	for _, m := range msgs {
		if m.Role == chat.RoleUser && m.Content == text {
			return true
		}
	}
	return false
}
