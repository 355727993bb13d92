// Package chat defines the shared data model of the relay runtime:
// conversation keys, messages, stream chunks, prompt envelopes, and the
// source tags that drive response routing. Both the server pipeline and
// the client runtime build on these types.
package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source identifies the transport that originated a prompt. The tag is
// pinned when the prompt enters the system and copied onto every chunk
// emitted for that turn; the router uses it to decide which transports
// receive the response stream.
type Source string

const (
	SourceWebUI      Source = "webui"
	SourceServiceBus Source = "servicebus"
	SourceTelegram   Source = "telegram"
	SourceCLI        Source = "cli"
)

// Key uniquely identifies one agent session.
type Key struct {
	ConversationID int64  `json:"conversationId"`
	ThreadID       int64  `json:"threadId"`
	AgentID        string `json:"agentId"`
}

// String renders the canonical session key form:
//
//	agent:{agentId}:conv:{conversationId}:thread:{threadId}
func (k Key) String() string {
	return fmt.Sprintf("agent:%s:conv:%d:thread:%d", k.AgentID, k.ConversationID, k.ThreadID)
}

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the LLM.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is one entry in a conversation log. Messages are immutable
// once appended to a session.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Reasoning  string     `json:"reasoning,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"` // for role="tool" results
	MessageID  string     `json:"messageId,omitempty"`  // provider-assigned id
	Timestamp  time.Time  `json:"timestamp,omitzero"`
	Sender     string     `json:"sender,omitempty"`
}

// ApprovalOutcome is the resolution of an approval request.
type ApprovalOutcome string

const (
	ApprovalRejected            ApprovalOutcome = "rejected"
	ApprovalApproved            ApprovalOutcome = "approved"
	ApprovalApprovedAndRemember ApprovalOutcome = "approvedAndRemember"
	ApprovalAutoApproved        ApprovalOutcome = "autoApproved"
)

// Valid reports whether o is one of the defined outcomes.
func (o ApprovalOutcome) Valid() bool {
	switch o {
	case ApprovalRejected, ApprovalApproved, ApprovalApprovedAndRemember, ApprovalAutoApproved:
		return true
	}
	return false
}

// ApprovalCall is one gated tool invocation inside an approval request.
type ApprovalCall struct {
	ToolName      string `json:"toolName"`
	ArgumentsJSON string `json:"arguments"`
}

// ApprovalRequest suspends an agent turn until a human resolves it.
type ApprovalRequest struct {
	ID    string         `json:"approvalId"`
	Calls []ApprovalCall `json:"calls"`
	Key   Key            `json:"key"`
}

// Chunk is one streamed partial response unit. At most one of
// {Content, Reasoning, ToolCallDelta, Final, Error, Approval} is
// non-trivially populated per chunk.
type Chunk struct {
	Sequence      int64            `json:"sequence"`
	MessageID     string           `json:"messageId,omitempty"`
	Content       string           `json:"content,omitempty"`
	Reasoning     string           `json:"reasoning,omitempty"`
	ToolCallDelta string           `json:"toolCallDelta,omitempty"`
	Final         bool             `json:"final,omitempty"`
	Error         string           `json:"error,omitempty"`
	Approval      *ApprovalRequest `json:"approval,omitempty"`
}

// Prompt is the envelope a transport submits into the pipeline.
// Conversation ids may be zero; the ingesting transport allocates them
// via CreateTopicIfNeeded before the prompt reaches the registry.
type Prompt struct {
	Text           string `json:"text"`
	ConversationID int64  `json:"conversationId,omitempty"`
	ThreadID       int64  `json:"threadId,omitempty"`
	AgentID        string `json:"agentId,omitempty"`
	Seq            int64  `json:"seq,omitempty"` // message sequence within the transport
	SenderID       string `json:"senderId"`
	Source         Source `json:"source"`
	CorrelationID  string `json:"correlationId,omitempty"` // service-bus reply routing
}

// Key returns the conversation key carried by the prompt.
func (p Prompt) Key() Key {
	return Key{ConversationID: p.ConversationID, ThreadID: p.ThreadID, AgentID: p.AgentID}
}

// StreamState is the server-side view of one thread's in-flight stream,
// returned to reconnecting clients by the resume endpoint.
type StreamState struct {
	IsProcessing     bool    `json:"isProcessing"`
	CurrentPrompt    string  `json:"currentPrompt,omitempty"`
	CurrentSenderID  string  `json:"currentSenderId,omitempty"`
	CurrentMessageID string  `json:"currentMessageId,omitempty"`
	Chunks           []Chunk `json:"chunks,omitempty"`
}

// StreamingContent is the client-side accumulation of one in-progress
// assistant turn.
type StreamingContent struct {
	MessageID string `json:"messageId,omitempty"`
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	ToolCall  string `json:"toolCall,omitempty"`
}

// Empty reports whether no text has accumulated yet.
func (s StreamingContent) Empty() bool {
	return s.Content == "" && s.Reasoning == "" && s.ToolCall == ""
}
