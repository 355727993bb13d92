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

const openAIAPIBase = "https://api.openai.com/v1"

// OpenAI implements Provider against the chat completions API. Also
// covers compatible gateways (OpenRouter, local runtimes) via base URL.
type OpenAI struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

type OpenAIOption func(*OpenAI)

func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(p *OpenAI) {
		if url != "" {
			p.baseURL = strings.TrimRight(url, "/")
		}
	}
}

func NewOpenAI(apiKey, model string, opts ...OpenAIOption) *OpenAI {
	p := &OpenAI{
		apiKey:  apiKey,
		baseURL: openAIAPIBase,
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Prompt(ctx context.Context, req Request) (<-chan Update, error) {
	body, err := json.Marshal(p.buildBody(req))
	if err != nil {
		return nil, fmt.Errorf("openai: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("openai: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	out := make(chan Update)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		p.consumeSSE(ctx, resp.Body, out)
	}()
	return out, nil
}

type openAIStreamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (p *OpenAI) consumeSSE(ctx context.Context, body io.Reader, out chan<- Update) {
	send := func(u Update) bool {
		select {
		case out <- u:
			return true
		case <-ctx.Done():
			return false
		}
	}

	type pendingCall struct {
		id   string
		name string
		args strings.Builder
	}
	var (
		messageID string
		calls     []*pendingCall
	)

	flushCalls := func() bool {
		if len(calls) == 0 {
			return true
		}
		toolCalls := make([]chat.ToolCall, 0, len(calls))
		for _, c := range calls {
			args := c.args.String()
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, chat.ToolCall{
				ID:        c.id,
				Name:      c.name,
				Arguments: json.RawMessage(args),
			})
		}
		calls = nil
		return send(Update{MessageID: messageID, ToolCalls: toolCalls})
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			if !flushCalls() {
				return
			}
			send(Update{MessageID: messageID, Done: true})
			return
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil || len(chunk.Choices) == 0 {
			continue
		}
		if chunk.ID != "" {
			messageID = chunk.ID
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			if !send(Update{MessageID: messageID, Content: delta.Content}) {
				return
			}
		}
		if delta.ReasoningContent != "" {
			if !send(Update{MessageID: messageID, Reasoning: delta.ReasoningContent}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			for tc.Index >= len(calls) {
				calls = append(calls, &pendingCall{})
			}
			c := calls[tc.Index]
			if tc.ID != "" {
				c.id = tc.ID
			}
			if tc.Function.Name != "" {
				c.name = tc.Function.Name
			}
			c.args.WriteString(tc.Function.Arguments)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		send(Update{Err: fmt.Errorf("openai: read stream: %w", err)})
		return
	}
	// Stream ended without [DONE]; flush what we have.
	if flushCalls() {
		send(Update{MessageID: messageID, Done: true})
	}
}

func (p *OpenAI) buildBody(req Request) map[string]any {
	var messages []map[string]any
	for _, msg := range req.Messages {
		m := map[string]any{"role": string(msg.Role), "content": msg.Content}
		if len(msg.ToolCalls) > 0 {
			var toolCalls []map[string]any
			for _, tc := range msg.ToolCalls {
				toolCalls = append(toolCalls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(tc.Arguments),
					},
				})
			}
			m["tool_calls"] = toolCalls
		}
		if msg.Role == chat.RoleTool {
			m["tool_call_id"] = msg.ToolCallID
		}
		messages = append(messages, m)
	}

	body := map[string]any{
		"model":    p.model,
		"messages": messages,
		"stream":   true,
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		body["tools"] = tools
	}
	return body
}
