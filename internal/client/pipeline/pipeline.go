// Package pipeline is the client-side half of the wire: it keeps a
// socket to the gateway, turns pushed events into state actions, and
// reconciles buffered server state into the local log after a
// reconnect.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/agentrelay/relay/internal/client/state"
	"github.com/agentrelay/relay/internal/stream"
	"github.com/agentrelay/relay/pkg/chat"
	"github.com/agentrelay/relay/pkg/protocol"
)

const (
	rpcTimeout     = 10 * time.Second
	reconnectDelay = 2 * time.Second
)

// ErrNotConnected is returned for calls made while the socket is down.
var ErrNotConnected = errors.New("pipeline: not connected")

// Pipeline owns the gateway connection for one client.
type Pipeline struct {
	app *state.App
	asm *Assembler
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan *protocol.ResponseFrame

	// everConnected flips after the first successful dial; later dials
	// trigger resume reconciliation.
	everConnected bool
}

func New(app *state.App, url string) *Pipeline {
	return &Pipeline{
		app:     app,
		asm:     NewAssembler(app),
		url:     url,
		pending: make(map[string]chan *protocol.ResponseFrame),
	}
}

// Run dials and re-dials the gateway until ctx ends.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		if err := p.connectAndServe(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("pipeline connection lost", "error", err)
		}
		if ctx.Err() != nil {
			p.app.Dispatcher.Dispatch(state.ConnectionChanged{Status: state.ConnDisconnected})
			return ctx.Err()
		}
		p.app.Dispatcher.Dispatch(state.ConnectionChanged{Status: state.ConnReconnecting})
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			p.app.Dispatcher.Dispatch(state.ConnectionChanged{Status: state.ConnDisconnected})
			return ctx.Err()
		}
	}
}

func (p *Pipeline) connectAndServe(ctx context.Context) error {
	p.app.Dispatcher.Dispatch(state.ConnectionChanged{Status: state.ConnConnecting})

	conn, _, err := websocket.Dial(ctx, p.url, nil)
	if err != nil {
		p.app.Dispatcher.Dispatch(state.ConnectionChanged{Status: state.ConnDisconnected, Err: err.Error()})
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	p.mu.Lock()
	p.conn = conn
	resuming := p.everConnected
	p.everConnected = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()
	}()

	p.app.Dispatcher.Dispatch(state.ConnectionChanged{Status: state.ConnConnected})

	if resuming {
		go p.resumeAll(ctx)
	}

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return err
		}
		p.handleFrame(raw)
	}
}

func (p *Pipeline) handleFrame(raw json.RawMessage) {
	var head struct {
		Type protocol.FrameType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return
	}

	switch head.Type {
	case protocol.FrameResponse:
		var res protocol.ResponseFrame
		if err := json.Unmarshal(raw, &res); err != nil {
			return
		}
		p.mu.Lock()
		ch := p.pending[res.ID]
		delete(p.pending, res.ID)
		p.mu.Unlock()
		if ch != nil {
			ch <- &res
		}

	case protocol.FrameEvent:
		var ev protocol.EventFrame
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		p.handleEvent(ev)
	}
}

func (p *Pipeline) handleEvent(ev protocol.EventFrame) {
	switch ev.Event {
	case protocol.EventChat:
		var payload protocol.ChatPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return
		}
		p.asm.Consume(payload)

	case protocol.EventApprovalRequest:
		var payload protocol.ApprovalPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return
		}
		req := chat.ApprovalRequest{
			ID: payload.ID,
			Key: chat.Key{
				ConversationID: payload.ConversationID,
				ThreadID:       payload.ThreadID,
				AgentID:        payload.AgentID,
			},
		}
		for _, call := range payload.Calls {
			req.Calls = append(req.Calls, chat.ApprovalCall{
				ToolName:      call.ToolName,
				ArgumentsJSON: call.ArgumentsJSON,
			})
		}
		p.app.Dispatcher.Dispatch(state.ApprovalRequested{Request: req})

	case protocol.EventApprovalResolved:
		var payload struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return
		}
		p.app.Dispatcher.Dispatch(state.ApprovalResolved{ID: payload.ID})
	}
}

// call performs one RPC round trip.
func (p *Pipeline) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	req := protocol.RequestFrame{
		Type:   protocol.FrameRequest,
		ID:     uuid.NewString(),
		Method: method,
		Params: raw,
	}

	ch := make(chan *protocol.ResponseFrame, 1)
	p.mu.Lock()
	p.pending[req.ID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, req.ID)
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Error != nil {
			return nil, fmt.Errorf("%s: %s", res.Error.Code, res.Error.Message)
		}
		return res.Result, nil
	}
}

// SendPrompt submits a prompt. A zero topic id lets the gateway
// allocate a new conversation; the returned id is recorded as a topic.
// The local user message carries a client-generated id so an echo of
// it replayed across a resume is recognized as a duplicate.
func (p *Pipeline) SendPrompt(ctx context.Context, agentID string, topicID int64, text string) (int64, error) {
	messageID := uuid.NewString()
	result, err := p.call(ctx, protocol.MethodChatSend, map[string]any{
		"agentId":        agentID,
		"conversationId": topicID,
		"text":           text,
		"sender":         "dashboard",
		"messageId":      messageID,
	})
	if err != nil {
		return 0, err
	}
	var out struct {
		ConversationID int64 `json:"conversationId"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return 0, err
	}
	if topicID == 0 {
		p.app.Dispatcher.Dispatch(state.AddTopic{Topic: state.Topic{ID: out.ConversationID, AgentID: agentID}})
	}
	p.app.Dispatcher.Dispatch(state.AddMessage{TopicID: out.ConversationID, Message: chat.Message{
		Role:      chat.RoleUser,
		Content:   text,
		MessageID: messageID,
		Timestamp: time.Now(),
	}})
	return out.ConversationID, nil
}

// Abort cancels the in-flight turn of a topic.
func (p *Pipeline) Abort(ctx context.Context, agentID string, topicID int64) error {
	_, err := p.call(ctx, protocol.MethodChatAbort, map[string]any{
		"agentId":        agentID,
		"conversationId": topicID,
	})
	return err
}

// ResolveApproval answers a pending approval request.
func (p *Pipeline) ResolveApproval(ctx context.Context, id string, outcome chat.ApprovalOutcome) error {
	p.app.Dispatcher.Dispatch(state.ApprovalResponding{Responding: true})
	defer p.app.Dispatcher.Dispatch(state.ApprovalResponding{Responding: false})
	_, err := p.call(ctx, protocol.MethodApprovalsResolve, map[string]any{
		"id":      id,
		"outcome": string(outcome),
	})
	return err
}

// resumeAll reconciles every known topic against the gateway's stream
// buffer after a reconnect.
func (p *Pipeline) resumeAll(ctx context.Context) {
	topics := p.app.Topics.Get()
	for _, t := range topics.Topics {
		if err := p.resume(ctx, t); err != nil {
			slog.Warn("resume failed", "topic", t.ID, "error", err)
		}
	}
}

func (p *Pipeline) resume(ctx context.Context, t state.Topic) error {
	p.app.Dispatcher.Dispatch(state.StartResuming{TopicID: t.ID})
	defer p.app.Dispatcher.Dispatch(state.StopResuming{TopicID: t.ID})

	result, err := p.call(ctx, protocol.MethodChatResume, map[string]any{
		"agentId":        t.AgentID,
		"conversationId": t.ID,
	})
	if err != nil {
		return err
	}
	var buffered chat.StreamState
	if err := json.Unmarshal(result, &buffered); err != nil {
		return err
	}

	history := p.app.Messages.Get().ByTopic[t.ID]
	merged := stream.Merge(history, buffered)

	p.app.Dispatcher.Dispatch(state.SetMessages{TopicID: t.ID, Messages: merged.Messages})
	if merged.Streaming.Empty() {
		p.asm.Reset(t.ID)
		p.app.Dispatcher.Dispatch(state.ClearStreaming{TopicID: t.ID})
	} else {
		// Seed the assembler so live chunks replayed after the resume
		// extend the merged tail instead of clobbering it.
		p.asm.Seed(t.ID, merged.Streaming)
		p.app.Dispatcher.Dispatch(state.SetStreaming{TopicID: t.ID, Content: merged.Streaming})
	}
	p.app.Dispatcher.Dispatch(state.SetProcessing{TopicID: t.ID, Processing: buffered.IsProcessing})
	return nil
}
