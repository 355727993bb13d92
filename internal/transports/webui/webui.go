// Package webui serves the dashboard WebSocket. It is the universal
// observer: every session's chunks reach connected dashboard clients
// regardless of which transport originated the prompt.
package webui

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentrelay/relay/internal/bus"
	"github.com/agentrelay/relay/internal/store"
	"github.com/agentrelay/relay/pkg/chat"
	"github.com/agentrelay/relay/pkg/protocol"
)

// Hooks are the gateway callbacks the socket methods dispatch into.
type Hooks struct {
	// Abort cancels the in-flight turn of a session.
	Abort func(key chat.Key)
	// ResolveApproval resolves a pending approval request.
	ResolveApproval func(id string, outcome chat.ApprovalOutcome) error
	// StreamState returns the buffered state used by resume.
	StreamState func(key chat.Key) (chat.StreamState, bool)
	// Status reports gateway liveness details.
	Status func() any
}

// Transport implements bus.Transport for dashboard clients.
type Transport struct {
	hooks          Hooks
	threads        store.ThreadStateStore
	allowedOrigins []string
	upgrader       websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client

	prompts chan chat.Prompt
	nextID  atomic.Int64
}

func New(threads store.ThreadStateStore, allowedOrigins []string) *Transport {
	t := &Transport{
		threads:        threads,
		allowedOrigins: allowedOrigins,
		clients:        make(map[string]*Client),
		prompts:        make(chan chat.Prompt, 64),
	}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     t.checkOrigin,
	}
	t.nextID.Store(time.Now().Unix())
	return t
}

// SetHooks wires the gateway callbacks. Must be called before the HTTP
// server starts accepting connections.
func (t *Transport) SetHooks(h Hooks) { t.hooks = h }

func (t *Transport) Source() chat.Source { return chat.SourceWebUI }

func (t *Transport) SupportsScheduledNotifications() bool { return true }

// checkOrigin validates the Origin header against the configured
// allowlist. No configuration allows everything; an empty header
// (non-browser client) is always allowed.
func (t *Transport) checkOrigin(r *http.Request) bool {
	if len(t.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range t.allowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("webui origin rejected", "origin", origin)
	return false
}

// HandleWS upgrades an HTTP request. Mounted by the gateway at /ws.
func (t *Transport) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, t)
	t.register(client)
	defer func() {
		t.unregister(client)
		client.close()
	}()

	client.run(r.Context())
}

func (t *Transport) register(c *Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[c.id] = c
	slog.Info("webui client connected", "id", c.id)
}

func (t *Transport) unregister(c *Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, c.id)
	slog.Info("webui client disconnected", "id", c.id)
}

// ReadPrompts returns the merged prompt stream of all dashboard
// clients. The channel closes when ctx ends.
func (t *Transport) ReadPrompts(ctx context.Context) (<-chan chat.Prompt, error) {
	out := make(chan chat.Prompt)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-t.prompts:
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// ProcessResponseStream broadcasts every routed chunk to all connected
// clients as chat events.
func (t *Transport) ProcessResponseStream(ctx context.Context, envelopes <-chan bus.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-envelopes:
			if !ok {
				return nil
			}
			t.broadcastChunk(env)
		}
	}
}

func (t *Transport) broadcastChunk(env bus.Envelope) {
	if env.Chunk.Approval != nil {
		req := env.Chunk.Approval
		payload := protocol.ApprovalPayload{
			ID:             req.ID,
			AgentID:        env.Key.AgentID,
			ConversationID: env.Key.ConversationID,
			ThreadID:       env.Key.ThreadID,
		}
		for _, call := range req.Calls {
			payload.Calls = append(payload.Calls, protocol.ApprovalCall{
				ToolName:      call.ToolName,
				ArgumentsJSON: call.ArgumentsJSON,
			})
		}
		t.broadcast(protocol.NewEvent(protocol.EventApprovalRequest, payload))
		return
	}

	t.broadcast(protocol.NewEvent(protocol.EventChat, chunkPayload(env)))
}

// chunkPayload maps a routed chunk onto the wire payload.
func chunkPayload(env bus.Envelope) protocol.ChatPayload {
	return protocol.ChatPayload{
		SubType:        chatSubType(env.Chunk),
		AgentID:        env.Key.AgentID,
		ConversationID: env.Key.ConversationID,
		ThreadID:       env.Key.ThreadID,
		MessageID:      env.Chunk.MessageID,
		Sequence:       env.Chunk.Sequence,
		Content:        env.Chunk.Content,
		Reasoning:      env.Chunk.Reasoning,
		ToolCallDelta:  env.Chunk.ToolCallDelta,
		Error:          env.Chunk.Error,
	}
}

func chatSubType(c chat.Chunk) string {
	switch {
	case c.Error != "":
		return protocol.ChatEventError
	case c.Final:
		return protocol.ChatEventDone
	case c.ToolCallDelta != "":
		return protocol.ChatEventToolCall
	case c.Reasoning != "":
		return protocol.ChatEventThinking
	default:
		return protocol.ChatEventChunk
	}
}

func (t *Transport) broadcast(ev *protocol.EventFrame) {
	raw, err := json.Marshal(ev)
	if err != nil {
		slog.Error("webui event marshal failed", "event", ev.Event, "error", err)
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.clients {
		c.enqueue(raw)
	}
}

// CreateTopicIfNeeded allocates a fresh conversation id when the client
// did not supply one.
func (t *Transport) CreateTopicIfNeeded(ctx context.Context, conversationID, threadID int64, agentID, name string) (chat.Key, error) {
	if conversationID == 0 {
		conversationID = t.nextID.Add(1)
	}
	key := chat.Key{ConversationID: conversationID, ThreadID: threadID, AgentID: agentID}
	err := t.threads.Put(ctx, &store.ThreadState{Key: key, Name: name})
	if err != nil {
		return chat.Key{}, err
	}
	return key, nil
}

func (t *Transport) CreateThread(ctx context.Context, conversationID int64, name, agentID string) (int64, error) {
	threadID := t.nextID.Add(1)
	key := chat.Key{ConversationID: conversationID, ThreadID: threadID, AgentID: agentID}
	if err := t.threads.Put(ctx, &store.ThreadState{Key: key, Name: name}); err != nil {
		return 0, err
	}
	return threadID, nil
}

func (t *Transport) DoesThreadExist(ctx context.Context, key chat.Key) (bool, error) {
	_, err := t.threads.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
