package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/agentrelay/relay/internal/client/state"
	"github.com/agentrelay/relay/pkg/protocol"
)

// gatewayStub answers one chat.send call and records its params.
func gatewayStub(t *testing.T, params chan<- json.RawMessage) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		var req protocol.RequestFrame
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		params <- req.Params
		res := protocol.NewResponse(req.ID, map[string]any{"conversationId": 7, "threadId": 1})
		if err := wsjson.Write(ctx, conn, res); err != nil {
			return
		}
		// Hold the socket open until the client hangs up.
		wsjson.Read(ctx, conn, new(json.RawMessage))
	}))
}

func waitConnected(t *testing.T, app *state.App) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if app.Connection.Get().Status == state.ConnConnected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("pipeline never connected")
}

func TestSendPrompt_TagsOutboundMessage(t *testing.T) {
	params := make(chan json.RawMessage, 1)
	srv := gatewayStub(t, params)
	defer srv.Close()

	app := state.NewApp()
	p := New(app, "ws"+strings.TrimPrefix(srv.URL, "http"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	waitConnected(t, app)

	topicID, err := p.SendPrompt(ctx, "default", 0, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if topicID != 7 {
		t.Fatalf("topic id = %d, want 7", topicID)
	}

	var sent struct {
		Text      string `json:"text"`
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(<-params, &sent); err != nil {
		t.Fatal(err)
	}
	if sent.Text != "hello" {
		t.Errorf("text = %q", sent.Text)
	}
	if sent.MessageID == "" {
		t.Fatal("outbound prompt carries no message id")
	}

	// The local user message carries the same id, so an echo of it is
	// recognizable as a duplicate.
	msgs := app.Messages.Get().ByTopic[7]
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].MessageID != sent.MessageID {
		t.Errorf("local id = %q, sent id = %q", msgs[0].MessageID, sent.MessageID)
	}
}
