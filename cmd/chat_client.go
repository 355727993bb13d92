package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/agentrelay/relay/internal/client/pipeline"
	"github.com/agentrelay/relay/internal/client/render"
	"github.com/agentrelay/relay/internal/client/state"
	"github.com/agentrelay/relay/pkg/chat"
)

// runChatClient attaches to a running gateway over WebSocket and mirrors
// the dashboard protocol: prompts via chat.send, streamed chunks via
// events, resume reconciliation after reconnects.
func runChatClient(url, agentID string) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := state.NewApp()
	app.Dispatcher.Dispatch(state.SetAgents{Agents: []string{agentID}})
	app.Dispatcher.Dispatch(state.SelectAgent{ID: agentID})
	pl := pipeline.New(app, url)

	painter := newStreamPainter(app, os.Stdout)
	sampler := render.NewSampler(render.DefaultPeriod, painter.paint)
	defer sampler.Close()
	app.Streaming.Subscribe(func(s *state.StreamingState) { sampler.Push(s) })

	app.Connection.Subscribe(func(s *state.ConnectionState) {
		if s.Status == state.ConnConnected || s.Status == state.ConnReconnecting {
			fmt.Printf("\n[%s]\n> ", s.Status)
		}
	})

	seenApprovals := map[string]bool{}
	app.Approvals.Subscribe(func(s *state.ApprovalsState) {
		for _, req := range s.Pending {
			if seenApprovals[req.ID] {
				continue
			}
			seenApprovals[req.ID] = true
			names := make([]string, 0, len(req.Calls))
			for _, c := range req.Calls {
				names = append(names, c.ToolName)
			}
			fmt.Printf("\n[approval required: %s wants %s; /approve, /remember, or /reject]\n> ",
				req.Key.AgentID, strings.Join(names, ", "))
		}
	})

	go pl.Run(ctx)

	fmt.Printf("relay chat · %s via %s\n> ", agentID, url)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			fmt.Print("> ")
			continue
		}
		if text == "/quit" || text == "/exit" {
			return
		}
		if strings.HasPrefix(text, "/") {
			handleClientCommand(ctx, text, pl, app, agentID)
			continue
		}

		topicID := app.Topics.Get().SelectedID
		id, err := pl.SendPrompt(ctx, agentID, topicID, text)
		if err != nil {
			fmt.Println("error:", err)
			fmt.Print("> ")
			continue
		}
		if topicID == 0 {
			app.Dispatcher.Dispatch(state.SelectTopic{ID: id})
		}
	}
}

func handleClientCommand(ctx context.Context, text string, pl *pipeline.Pipeline, app *state.App, agentID string) {
	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	resolve := func(outcome chat.ApprovalOutcome) {
		id := arg
		if id == "" {
			pending := app.Approvals.Get().Pending
			if len(pending) != 1 {
				fmt.Println("usage: " + cmd + " <approval-id>")
				return
			}
			id = pending[0].ID
		}
		if err := pl.ResolveApproval(ctx, id, outcome); err != nil {
			fmt.Println("error:", err)
		}
	}

	switch cmd {
	case "/approve":
		resolve(chat.ApprovalApproved)
	case "/remember":
		resolve(chat.ApprovalApprovedAndRemember)
	case "/reject":
		resolve(chat.ApprovalRejected)
	case "/abort":
		if topicID := app.Topics.Get().SelectedID; topicID != 0 {
			if err := pl.Abort(ctx, agentID, topicID); err != nil {
				fmt.Println("error:", err)
			}
		}
	case "/help":
		fmt.Println("commands: /approve [id], /remember [id], /reject [id], /abort, /quit")
	default:
		fmt.Printf("unknown command %s (try /help)\n", cmd)
	}
	fmt.Print("> ")
}

// streamPainter renders the selected topic's in-flight turn, printing
// only the suffix that appeared since the last sample.
type streamPainter struct {
	app *state.App
	out *os.File

	topicID  int64
	printed  int
	thinking bool
}

func newStreamPainter(app *state.App, out *os.File) *streamPainter {
	return &streamPainter{app: app, out: out}
}

// paint runs on the sampler's goroutine only.
func (sp *streamPainter) paint(s *state.StreamingState) {
	topicID := sp.app.Topics.Get().SelectedID
	if topicID == 0 {
		return
	}
	if topicID != sp.topicID {
		sp.topicID = topicID
		sp.printed = 0
		sp.thinking = false
	}

	content, ok := s.ByTopic[topicID]
	if !ok {
		// Turn finished: close the line and reset for the next one.
		if sp.printed > 0 || sp.thinking {
			fmt.Fprint(sp.out, "\n> ")
		}
		sp.printed = 0
		sp.thinking = false
		return
	}

	if content.Reasoning != "" && !sp.thinking && content.Content == "" {
		fmt.Fprint(sp.out, "(thinking) ")
		sp.thinking = true
	}
	if len(content.Content) > sp.printed {
		fmt.Fprint(sp.out, content.Content[sp.printed:])
		sp.printed = len(content.Content)
	}
}
