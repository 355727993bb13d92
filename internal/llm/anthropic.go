package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentrelay/relay/pkg/chat"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 4096
)

// Anthropic implements Provider against the Claude Messages API.
type Anthropic struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

type AnthropicOption func(*Anthropic)

func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(p *Anthropic) {
		if url != "" {
			p.baseURL = strings.TrimRight(url, "/")
		}
	}
}

func NewAnthropic(apiKey, model string, opts ...AnthropicOption) *Anthropic {
	p := &Anthropic{
		apiKey:  apiKey,
		baseURL: anthropicAPIBase,
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Anthropic) Name() string { return "anthropic" }

// Prompt starts a streaming messages call. The update channel carries
// text, thinking, and tool-call deltas and closes after message_stop.
func (p *Anthropic) Prompt(ctx context.Context, req Request) (<-chan Update, error) {
	body, err := json.Marshal(p.buildBody(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	out := make(chan Update)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		p.consumeSSE(ctx, resp.Body, out)
	}()
	return out, nil
}

// anthropic SSE event payloads, trimmed to the fields consumed.
type anthropicStreamEvent struct {
	Message struct {
		ID string `json:"id"`
	} `json:"message"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Anthropic) consumeSSE(ctx context.Context, body io.Reader, out chan<- Update) {
	send := func(u Update) bool {
		select {
		case out <- u:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		messageID string
		// current tool block being assembled; flushed on block stop
		toolCall *chat.ToolCall
		toolJSON strings.Builder
	)

	flushTool := func() bool {
		if toolCall == nil {
			return true
		}
		args := toolJSON.String()
		if args == "" {
			args = "{}"
		}
		tc := *toolCall
		tc.Arguments = json.RawMessage(args)
		toolCall = nil
		toolJSON.Reset()
		return send(Update{MessageID: messageID, ToolCalls: []chat.ToolCall{tc}})
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		switch currentEvent {
		case "message_start":
			messageID = ev.Message.ID

		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				toolCall = &chat.ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
			}

		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				if !send(Update{MessageID: messageID, Content: ev.Delta.Text}) {
					return
				}
			case "thinking_delta":
				if !send(Update{MessageID: messageID, Reasoning: ev.Delta.Thinking}) {
					return
				}
			case "input_json_delta":
				toolJSON.WriteString(ev.Delta.PartialJSON)
			}

		case "content_block_stop":
			if !flushTool() {
				return
			}

		case "error":
			send(Update{Err: fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)})
			return

		case "message_stop":
			send(Update{MessageID: messageID, Done: true})
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		send(Update{Err: fmt.Errorf("anthropic: read stream: %w", err)})
	}
}

func (p *Anthropic) buildBody(req Request) map[string]any {
	var system []map[string]any
	var messages []map[string]any

	for _, msg := range req.Messages {
		switch msg.Role {
		case chat.RoleSystem:
			system = append(system, map[string]any{"type": "text", "text": msg.Content})

		case chat.RoleUser:
			messages = append(messages, map[string]any{"role": "user", "content": msg.Content})

		case chat.RoleAssistant:
			var blocks []map[string]any
			if msg.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": tc.Arguments,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, map[string]any{"role": "assistant", "content": blocks})

		case chat.RoleTool:
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Content,
				}},
			})
		}
	}

	body := map[string]any{
		"model":      p.model,
		"max_tokens": anthropicMaxTokens,
		"messages":   messages,
		"stream":     true,
	}
	if len(system) > 0 {
		body["system"] = system
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			})
		}
		body["tools"] = tools
	}
	return body
}
