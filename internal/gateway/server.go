// Package gateway assembles the runtime: transports fan prompts into
// the agent loops, chunks fan back out through the composite router,
// and the HTTP surface exposes health, buffered stream state, and
// approval resolution.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentrelay/relay/internal/agent"
	"github.com/agentrelay/relay/internal/bus"
	"github.com/agentrelay/relay/internal/config"
	"github.com/agentrelay/relay/internal/registry"
	"github.com/agentrelay/relay/internal/store"
	"github.com/agentrelay/relay/internal/transports/webui"
	"github.com/agentrelay/relay/pkg/chat"
	"github.com/agentrelay/relay/pkg/protocol"
)

// Server owns the HTTP listener and the prompt pump.
type Server struct {
	cfg     *config.Config
	version string

	reg       *registry.Registry
	loops     map[string]*agent.Loop
	broker    *agent.Broker
	composite *bus.Composite
	web       *webui.Transport
	stores    *store.Stores

	limiter *RateLimiter

	httpServer *http.Server
	mux        *http.ServeMux
	started    time.Time
}

func NewServer(cfg *config.Config, version string, reg *registry.Registry, loops map[string]*agent.Loop,
	broker *agent.Broker, composite *bus.Composite, web *webui.Transport, stores *store.Stores) *Server {

	s := &Server{
		cfg:       cfg,
		version:   version,
		reg:       reg,
		loops:     loops,
		broker:    broker,
		composite: composite,
		web:       web,
		stores:    stores,
		limiter:   NewRateLimiter(cfg.Gateway.RateLimitRPS, 5),
		started:   time.Now(),
	}

	web.SetHooks(webui.Hooks{
		Abort:           s.abort,
		ResolveApproval: broker.Resolve,
		StreamState:     s.streamState,
		Status:          s.status,
	})
	return s
}

// abort cancels the in-flight turn of a session, if one exists.
func (s *Server) abort(key chat.Key) {
	if sess, ok := s.reg.Get(key); ok {
		sess.Cancel()
	}
}

// streamState returns the buffered chunk state used by resume.
func (s *Server) streamState(key chat.Key) (chat.StreamState, bool) {
	sess, ok := s.reg.Get(key)
	if !ok {
		return chat.StreamState{}, false
	}
	return sess.Buffer.Snapshot(), true
}

func (s *Server) status() any {
	return map[string]any{
		"status":   "ok",
		"version":  s.version,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"sessions": len(s.reg.Keys()),
		"protocol": protocol.ProtocolVersion,
	}
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.web.HandleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/stream-state", s.handleStreamState)
	mux.HandleFunc("/v1/approvals/", s.handleApproval)
	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr, "version", s.version)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// handleStreamState returns the buffered state of one session.
// GET /v1/stream-state?agentId=a&conversationId=1&threadId=0
func (s *Server) handleStreamState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key, err := keyFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	state, ok := s.streamState(key)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(state)
}

// handleApproval resolves a pending approval.
// POST /v1/approvals/{id} with body {"outcome":"approved"}
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/approvals/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "approval id required", http.StatusBadRequest)
		return
	}

	var body struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	outcome := chat.ApprovalOutcome(body.Outcome)
	if !outcome.Valid() {
		http.Error(w, "unknown outcome", http.StatusBadRequest)
		return
	}

	if err := s.broker.Resolve(id, outcome); err != nil {
		if errors.Is(err, agent.ErrUnknownApproval) {
			http.Error(w, "no pending approval", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"resolved":true}`)
}

func keyFromQuery(r *http.Request) (chat.Key, error) {
	q := r.URL.Query()
	agentID := q.Get("agentId")
	if agentID == "" {
		return chat.Key{}, errors.New("agentId required")
	}
	conversationID, err := strconv.ParseInt(q.Get("conversationId"), 10, 64)
	if err != nil {
		return chat.Key{}, errors.New("conversationId required")
	}
	var threadID int64
	if v := q.Get("threadId"); v != "" {
		threadID, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return chat.Key{}, errors.New("invalid threadId")
		}
	}
	return chat.Key{ConversationID: conversationID, ThreadID: threadID, AgentID: agentID}, nil
}
