package webui

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/agentrelay/relay/internal/agent"
	"github.com/agentrelay/relay/pkg/chat"
	"github.com/agentrelay/relay/pkg/protocol"
)

type sessionParams struct {
	AgentID        string `json:"agentId"`
	ConversationID int64  `json:"conversationId"`
	ThreadID       int64  `json:"threadId"`
}

func (p sessionParams) key() chat.Key {
	return chat.Key{ConversationID: p.ConversationID, ThreadID: p.ThreadID, AgentID: p.AgentID}
}

type sendParams struct {
	sessionParams
	Text   string `json:"text"`
	Sender string `json:"sender"`
}

type resolveParams struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
}

type createThreadParams struct {
	AgentID        string `json:"agentId"`
	ConversationID int64  `json:"conversationId"`
	Name           string `json:"name"`
}

// handleFrame parses one inbound frame and replies on the same client.
func (t *Transport) handleFrame(ctx context.Context, c *Client, raw []byte) {
	var req protocol.RequestFrame
	if err := json.Unmarshal(raw, &req); err != nil || req.Type != protocol.FrameRequest {
		slog.Debug("webui malformed frame dropped", "client", c.id)
		return
	}

	res := t.dispatch(ctx, req)
	if out, err := json.Marshal(res); err == nil {
		c.enqueue(out)
	}
}

func (t *Transport) dispatch(ctx context.Context, req protocol.RequestFrame) *protocol.ResponseFrame {
	switch req.Method {
	case protocol.MethodConnect:
		return protocol.NewResponse(req.ID, map[string]any{"protocol": protocol.ProtocolVersion})

	case protocol.MethodHealth:
		return protocol.NewResponse(req.ID, map[string]any{"status": "ok"})

	case protocol.MethodStatus:
		if t.hooks.Status == nil {
			return protocol.NewResponse(req.ID, map[string]any{"status": "ok"})
		}
		return protocol.NewResponse(req.ID, t.hooks.Status())

	case protocol.MethodChatSend:
		return t.chatSend(ctx, req)

	case protocol.MethodChatAbort:
		var p sessionParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return protocol.NewError(req.ID, protocol.ErrCodeBadRequest, err.Error())
		}
		if t.hooks.Abort != nil {
			t.hooks.Abort(p.key())
		}
		return protocol.NewResponse(req.ID, map[string]any{"aborted": true})

	case protocol.MethodChatResume:
		var p sessionParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return protocol.NewError(req.ID, protocol.ErrCodeBadRequest, err.Error())
		}
		if t.hooks.StreamState == nil {
			return protocol.NewError(req.ID, protocol.ErrCodeInternal, "resume unavailable")
		}
		state, ok := t.hooks.StreamState(p.key())
		if !ok {
			return protocol.NewResponse(req.ID, chat.StreamState{})
		}
		return protocol.NewResponse(req.ID, state)

	case protocol.MethodApprovalsResolve:
		return t.approvalsResolve(req)

	case protocol.MethodThreadsCreate:
		var p createThreadParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return protocol.NewError(req.ID, protocol.ErrCodeBadRequest, err.Error())
		}
		id, err := t.CreateThread(ctx, p.ConversationID, p.Name, p.AgentID)
		if err != nil {
			return protocol.NewError(req.ID, protocol.ErrCodeInternal, err.Error())
		}
		return protocol.NewResponse(req.ID, map[string]any{"threadId": id})

	case protocol.MethodThreadsExists:
		var p sessionParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return protocol.NewError(req.ID, protocol.ErrCodeBadRequest, err.Error())
		}
		ok, err := t.DoesThreadExist(ctx, p.key())
		if err != nil {
			return protocol.NewError(req.ID, protocol.ErrCodeInternal, err.Error())
		}
		return protocol.NewResponse(req.ID, map[string]any{"exists": ok})

	case protocol.MethodThreadsList:
		var p sessionParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return protocol.NewError(req.ID, protocol.ErrCodeBadRequest, err.Error())
		}
		threads, err := t.threads.ListThreads(ctx, p.ConversationID, p.AgentID)
		if err != nil {
			return protocol.NewError(req.ID, protocol.ErrCodeInternal, err.Error())
		}
		return protocol.NewResponse(req.ID, threads)

	default:
		return protocol.NewError(req.ID, protocol.ErrCodeUnknownMethod, req.Method)
	}
}

func (t *Transport) chatSend(ctx context.Context, req protocol.RequestFrame) *protocol.ResponseFrame {
	var p sendParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return protocol.NewError(req.ID, protocol.ErrCodeBadRequest, err.Error())
	}
	if p.Text == "" || p.AgentID == "" {
		return protocol.NewError(req.ID, protocol.ErrCodeBadRequest, "text and agentId are required")
	}

	key, err := t.CreateTopicIfNeeded(ctx, p.ConversationID, p.ThreadID, p.AgentID, "")
	if err != nil {
		return protocol.NewError(req.ID, protocol.ErrCodeInternal, err.Error())
	}

	prompt := chat.Prompt{
		Text:           p.Text,
		ConversationID: key.ConversationID,
		ThreadID:       key.ThreadID,
		AgentID:        key.AgentID,
		SenderID:       p.Sender,
		Source:         chat.SourceWebUI,
	}
	select {
	case t.prompts <- prompt:
	default:
		return protocol.NewError(req.ID, protocol.ErrCodeRateLimited, "prompt queue full")
	}

	return protocol.NewResponse(req.ID, map[string]any{
		"conversationId": key.ConversationID,
		"threadId":       key.ThreadID,
	})
}

func (t *Transport) approvalsResolve(req protocol.RequestFrame) *protocol.ResponseFrame {
	var p resolveParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return protocol.NewError(req.ID, protocol.ErrCodeBadRequest, err.Error())
	}
	outcome := chat.ApprovalOutcome(p.Outcome)
	if !outcome.Valid() {
		return protocol.NewError(req.ID, protocol.ErrCodeBadRequest, "unknown outcome "+p.Outcome)
	}
	if t.hooks.ResolveApproval == nil {
		return protocol.NewError(req.ID, protocol.ErrCodeInternal, "approvals unavailable")
	}
	if err := t.hooks.ResolveApproval(p.ID, outcome); err != nil {
		if errors.Is(err, agent.ErrUnknownApproval) {
			return protocol.NewError(req.ID, protocol.ErrCodeNotFound, "no pending approval "+p.ID)
		}
		return protocol.NewError(req.ID, protocol.ErrCodeInternal, err.Error())
	}
	t.broadcast(protocol.NewEvent(protocol.EventApprovalResolved, map[string]string{
		"id":      p.ID,
		"outcome": p.Outcome,
	}))
	return protocol.NewResponse(req.ID, map[string]any{"resolved": true})
}
