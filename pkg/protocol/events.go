package protocol

// WebSocket event names pushed from server to client.
const (
	EventChat             = "chat"
	EventApprovalRequest  = "approval.requested"
	EventApprovalResolved = "approval.resolved"
	EventHealth           = "health"
	EventShutdown         = "shutdown"
	EventHeartbeat        = "heartbeat"
)

// Chat event subtypes (in payload.type).
const (
	ChatEventChunk    = "chunk"
	ChatEventThinking = "thinking"
	ChatEventToolCall = "tool.call"
	ChatEventDone     = "done"
	ChatEventError    = "error"
)

// ChatPayload is the body of an EventChat frame: one streamed chunk
// addressed to a session.
type ChatPayload struct {
	SubType        string `json:"type"`
	AgentID        string `json:"agentId"`
	ConversationID int64  `json:"conversationId"`
	ThreadID       int64  `json:"threadId"`
	MessageID      string `json:"messageId,omitempty"`
	Sequence       int64  `json:"seq"`
	Content        string `json:"content,omitempty"`
	Reasoning      string `json:"reasoning,omitempty"`
	ToolCallDelta  string `json:"toolCallDelta,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ApprovalPayload is the body of an EventApprovalRequest frame.
type ApprovalPayload struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agentId"`
	ConversationID int64          `json:"conversationId"`
	ThreadID       int64          `json:"threadId"`
	Calls          []ApprovalCall `json:"calls"`
}

// ApprovalCall names one gated tool invocation inside a request.
type ApprovalCall struct {
	ToolName      string `json:"toolName"`
	ArgumentsJSON string `json:"argumentsJson"`
}
