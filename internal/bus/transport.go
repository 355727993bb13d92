// Package bus defines the transport contract and the composite router
// that fans prompts in from every transport and fans response chunks
// out according to the source routing policy.
package bus

import (
	"context"

	"github.com/agentrelay/relay/pkg/chat"
)

// Envelope is one routed response chunk: the session it belongs to, the
// chunk itself, and the source tag of the prompt that produced it.
type Envelope struct {
	Key    chat.Key    `json:"key"`
	Chunk  chat.Chunk  `json:"chunk"`
	Source chat.Source `json:"source"`
}

// Transport is the contract every concrete transport implements.
type Transport interface {
	// Source returns the tag stamped on prompts this transport ingests.
	Source() chat.Source

	// ReadPrompts starts the inbound side and returns the prompt
	// stream. The channel closes when ctx is cancelled.
	ReadPrompts(ctx context.Context) (<-chan chat.Prompt, error)

	// ProcessResponseStream consumes routed chunks until the channel
	// closes or ctx is cancelled. Senders pace themselves; they must
	// not assume the producer waits.
	ProcessResponseStream(ctx context.Context, envelopes <-chan Envelope) error

	// CreateTopicIfNeeded resolves (or allocates) the conversation key
	// for a prompt whose ids are missing.
	CreateTopicIfNeeded(ctx context.Context, conversationID, threadID int64, agentID, name string) (chat.Key, error)

	// CreateThread allocates a new thread within a conversation.
	CreateThread(ctx context.Context, conversationID int64, name, agentID string) (int64, error)

	// DoesThreadExist reports whether the thread is known.
	DoesThreadExist(ctx context.Context, key chat.Key) (bool, error)

	// SupportsScheduledNotifications reports whether the scheduler may
	// deliver unprompted messages through this transport.
	SupportsScheduledNotifications() bool
}

// Recipients returns the transports that receive chunks for a prompt
// with the given source tag: the webui dashboard observes everything;
// a source-specific transport sees only its own-sourced turns. An
// empty source (no known mapping) reaches the observer alone.
func Recipients(src chat.Source) []chat.Source {
	if src == "" || src == chat.SourceWebUI {
		return []chat.Source{chat.SourceWebUI}
	}
	return []chat.Source{chat.SourceWebUI, src}
}
