package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/agentrelay/relay/internal/agent"
	"github.com/agentrelay/relay/internal/bus"
	"github.com/agentrelay/relay/internal/config"
	"github.com/agentrelay/relay/internal/registry"
	"github.com/agentrelay/relay/internal/tools"
	"github.com/agentrelay/relay/internal/transports/cli"
	"github.com/agentrelay/relay/pkg/chat"
)

// runChatStandalone drives one agent in-process over stdin/stdout, no
// gateway involved. Approvals are resolved with /approve, /reject, and
// /remember; /abort cancels the running turn.
func runChatStandalone(agentID string) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	if !cfg.HasAgent(agentID) {
		fmt.Fprintf(os.Stderr, "unknown agent %q\n", agentID)
		os.Exit(1)
	}

	resolved := cfg.ResolveAgent(agentID)
	provider, err := buildProvider(cfg, resolved)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	toolsReg := tools.NewRegistry()
	for _, t := range tools.Builtins() {
		if err := toolsReg.Register(t); err != nil {
			fmt.Fprintln(os.Stderr, "failed to register tool:", err)
			os.Exit(1)
		}
	}

	broker := agent.NewBroker()
	loop := agent.NewLoop(agent.Config{
		ID:           agentID,
		Provider:     provider,
		Tools:        toolsReg,
		Broker:       broker,
		MaxDepth:     resolved.MaxToolIterations,
		Temperature:  *resolved.Temperature,
		SystemPrompt: resolved.SystemPrompt,
		Whitelist:    parseWhitelist(resolved.Whitelist),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	terminal := cli.New(agentID, nil, nil)
	composite := bus.NewComposite(terminal)
	defer composite.Close()

	reg := registry.New(cfg.Gateway.StreamGrace())
	defer reg.Close()

	prompts, err := composite.ReadPrompts(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start terminal:", err)
		os.Exit(1)
	}
	composite.Start(ctx)

	for p := range prompts {
		if handled := handleChatCommand(p.Text, broker, reg, p.Key()); handled {
			continue
		}

		sess, err := reg.Resolve(p.Key(), nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "session error:", err)
			continue
		}
		// Turns run in the background so approval commands stay readable
		// while the loop is suspended on one.
		go func(p chat.Prompt) {
			if err := loop.Run(ctx, sess, p, composite.Write); err != nil {
				if err == agent.ErrTurnInFlight {
					composite.Write(p.Key(), chat.Chunk{Error: "a turn is already in progress"})
				}
			}
		}(p)
	}
}

// handleChatCommand intercepts slash commands before they reach the
// agent. Returns true when the line was a command.
func handleChatCommand(text string, broker *agent.Broker, reg *registry.Registry, key chat.Key) bool {
	if !strings.HasPrefix(text, "/") {
		return false
	}
	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	resolve := func(outcome chat.ApprovalOutcome) {
		id := arg
		if id == "" {
			// Bare command resolves the only pending approval, if any.
			pending := broker.Pending()
			if len(pending) != 1 {
				fmt.Println("usage: " + cmd + " <approval-id>")
				return
			}
			id = pending[0]
		}
		if err := broker.Resolve(id, outcome); err != nil {
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
		if sess, ok := reg.Get(key); ok {
			sess.Cancel()
		}
	case "/help":
		fmt.Println("commands: /approve [id], /remember [id], /reject [id], /abort, /quit")
	default:
		fmt.Printf("unknown command %s (try /help)\n", cmd)
	}
	return true
}
