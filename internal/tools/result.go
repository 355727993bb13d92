package tools

import "encoding/json"

// Result is the unified return type from tool execution. Exactly one of
// Text or JSON carries the payload; IsError marks failures that are
// surfaced to the LLM as a tool message rather than aborting the turn.
type Result struct {
	Text    string          `json:"text,omitempty"`
	JSON    json.RawMessage `json:"json,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

func TextResult(text string) *Result {
	return &Result{Text: text}
}

func JSONResult(payload json.RawMessage) *Result {
	return &Result{JSON: payload}
}

func ErrorResult(message string) *Result {
	return &Result{Text: message, IsError: true}
}

// ForLLM renders the payload as tool-message content.
func (r *Result) ForLLM() string {
	if r.Text != "" {
		return r.Text
	}
	return string(r.JSON)
}
