package pipeline

import (
	"strings"
	"sync"
	"time"

	"github.com/agentrelay/relay/internal/client/state"
	"github.com/agentrelay/relay/pkg/chat"
	"github.com/agentrelay/relay/pkg/protocol"
)

// Assembler folds streamed chat payloads into the state stores: partial
// turns into the streaming slice, finished turns into the message log.
type Assembler struct {
	app *state.App

	mu    sync.Mutex
	parts map[int64]*partial
}

type partial struct {
	messageID string
	content   strings.Builder
	reasoning strings.Builder
	toolCall  strings.Builder
	// replaying marks a partial seeded from a resume merge. While set,
	// deltas whose text the seed already contains are server replays
	// and are dropped; the first genuinely new delta clears it.
	replaying bool
}

func (p *partial) hasBody() bool {
	return p.content.Len() > 0 || p.reasoning.Len() > 0
}

func NewAssembler(app *state.App) *Assembler {
	return &Assembler{app: app, parts: make(map[int64]*partial)}
}

// Consume processes one chat payload in arrival order.
func (a *Assembler) Consume(p protocol.ChatPayload) {
	a.mu.Lock()
	defer a.mu.Unlock()

	topic := p.ConversationID
	cur := a.parts[topic]
	if cur == nil {
		cur = &partial{messageID: p.MessageID}
		a.parts[topic] = cur
		a.app.Dispatcher.Dispatch(state.SetProcessing{TopicID: topic, Processing: true})
	}

	// A new message id splits the turn, but only once visible body has
	// accumulated and only when the new chunk carries content of its
	// own. Tool-call deltas never split.
	if p.MessageID != "" && p.MessageID != cur.messageID {
		if cur.hasBody() && (p.Content != "" || p.Reasoning != "") {
			a.finalize(topic, cur)
			cur = &partial{messageID: p.MessageID}
			a.parts[topic] = cur
		} else {
			cur.messageID = p.MessageID
		}
	}

	if cur.replaying {
		p.Content = dropReplayed(cur.content.String(), p.Content)
		p.Reasoning = dropReplayed(cur.reasoning.String(), p.Reasoning)
		p.ToolCallDelta = dropReplayed(cur.toolCall.String(), p.ToolCallDelta)
		if p.Content != "" || p.Reasoning != "" || p.ToolCallDelta != "" {
			cur.replaying = false
		}
	}

	switch p.SubType {
	case protocol.ChatEventDone:
		a.finalize(topic, cur)
		delete(a.parts, topic)
		a.app.Dispatcher.Dispatch(state.ClearStreaming{TopicID: topic})
		a.app.Dispatcher.Dispatch(state.SetProcessing{TopicID: topic, Processing: false})
		return
	case protocol.ChatEventError:
		a.finalize(topic, cur)
		delete(a.parts, topic)
		a.app.Dispatcher.Dispatch(state.ClearStreaming{TopicID: topic})
		a.app.Dispatcher.Dispatch(state.SetProcessing{TopicID: topic, Processing: false})
		a.app.Dispatcher.Dispatch(state.AddMessage{TopicID: topic, Message: chat.Message{
			Role:      chat.RoleAssistant,
			Content:   "error: " + p.Error,
			Timestamp: time.Now(),
		}})
		return
	}

	cur.content.WriteString(p.Content)
	cur.reasoning.WriteString(p.Reasoning)
	cur.toolCall.WriteString(p.ToolCallDelta)

	a.app.Dispatcher.Dispatch(state.SetStreaming{TopicID: topic, Content: chat.StreamingContent{
		MessageID: cur.messageID,
		Content:   cur.content.String(),
		Reasoning: cur.reasoning.String(),
		ToolCall:  cur.toolCall.String(),
	}})
}

// finalize moves an accumulated partial into the message log, unless
// the log already carries it (live chunks replayed across a resume).
func (a *Assembler) finalize(topic int64, cur *partial) {
	if cur == nil || !cur.hasBody() {
		return
	}
	content := cur.content.String()

	if a.isDuplicate(topic, cur.messageID, content) {
		return
	}

	a.app.Dispatcher.Dispatch(state.AddMessage{TopicID: topic, Message: chat.Message{
		Role:      chat.RoleAssistant,
		Content:   content,
		Reasoning: cur.reasoning.String(),
		MessageID: cur.messageID,
		Timestamp: time.Now(),
	}})
}

func (a *Assembler) isDuplicate(topic int64, messageID, content string) bool {
	log := a.app.Messages.Get().ByTopic[topic]
	for i := len(log) - 1; i >= 0; i-- {
		m := log[i]
		if messageID != "" && m.MessageID == messageID {
			return true
		}
		if m.Role == chat.RoleAssistant && content != "" && strings.Contains(m.Content, content) {
			return true
		}
	}
	return false
}

// dropReplayed clears a delta whose text is already part of the
// accumulated text.
func dropReplayed(accumulated, delta string) string {
	if delta == "" || strings.Contains(accumulated, delta) {
		return ""
	}
	return delta
}

// Reset drops the partial for a topic, used when a resume merge
// replaces the log wholesale.
func (a *Assembler) Reset(topic int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.parts, topic)
}

// Seed primes a topic's partial from the reconciled streaming tail so
// live chunks arriving after a resume extend it instead of starting
// over. Deltas the seed already covers are treated as replays.
func (a *Assembler) Seed(topic int64, c chat.StreamingContent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur := &partial{messageID: c.MessageID, replaying: true}
	cur.content.WriteString(c.Content)
	cur.reasoning.WriteString(c.Reasoning)
	cur.toolCall.WriteString(c.ToolCall)
	a.parts[topic] = cur
}
