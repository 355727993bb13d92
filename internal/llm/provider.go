// Package llm defines the provider contract the agent loop speaks and
// the built-in Anthropic and OpenAI-compatible backends.
package llm

import (
	"context"

	"github.com/agentrelay/relay/pkg/chat"
)

// ToolDefinition describes a tool made available to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is the input for one streaming completion call.
type Request struct {
	Messages    []chat.Message   `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
}

// Update is one element of a provider's streaming response. Providers
// may change MessageID mid-stream; the loop treats that as the start of
// a new assistant turn.
type Update struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
	ToolCalls []chat.ToolCall `json:"toolCalls,omitempty"`
	Done      bool            `json:"done,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Sequence  int64           `json:"sequence,omitempty"`
	// Err reports a mid-stream failure. The channel closes after an
	// update carrying Err.
	Err error `json:"-"`
}

// Provider is the interface all LLM backends must implement.
type Provider interface {
	// Prompt starts a streaming completion. The returned channel is
	// closed after the terminal update or when ctx is cancelled.
	Prompt(ctx context.Context, req Request) (<-chan Update, error)

	// Name returns the provider identifier (e.g. "anthropic").
	Name() string
}
