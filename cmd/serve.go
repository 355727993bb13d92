package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentrelay/relay/internal/agent"
	"github.com/agentrelay/relay/internal/bus"
	"github.com/agentrelay/relay/internal/config"
	"github.com/agentrelay/relay/internal/gateway"
	"github.com/agentrelay/relay/internal/llm"
	"github.com/agentrelay/relay/internal/registry"
	"github.com/agentrelay/relay/internal/scheduler"
	"github.com/agentrelay/relay/internal/store"
	"github.com/agentrelay/relay/internal/store/pg"
	"github.com/agentrelay/relay/internal/store/sqlite"
	"github.com/agentrelay/relay/internal/telemetry"
	"github.com/agentrelay/relay/internal/tools"
	"github.com/agentrelay/relay/internal/transports/servicebus"
	"github.com/agentrelay/relay/internal/transports/telegram"
	"github.com/agentrelay/relay/internal/transports/webui"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	toolsReg := tools.NewRegistry()
	for _, t := range tools.Builtins() {
		if err := toolsReg.Register(t); err != nil {
			slog.Error("failed to register tool", "tool", t.Name(), "error", err)
			os.Exit(1)
		}
	}

	broker := agent.NewBroker()

	loops := make(map[string]*agent.Loop)
	for _, id := range cfg.AgentIDs() {
		resolved := cfg.ResolveAgent(id)
		provider, err := buildProvider(cfg, resolved)
		if err != nil {
			slog.Error("failed to build provider", "agent", id, "error", err)
			os.Exit(1)
		}
		loops[id] = agent.NewLoop(agent.Config{
			ID:           id,
			Provider:     provider,
			Tools:        toolsReg,
			Broker:       broker,
			MaxDepth:     resolved.MaxToolIterations,
			Temperature:  *resolved.Temperature,
			SystemPrompt: resolved.SystemPrompt,
			Whitelist:    parseWhitelist(resolved.Whitelist),
		})
		slog.Info("agent ready", "agent", id, "provider", provider.Name(), "model", resolved.Model)
	}

	web := webui.New(stores.Threads, cfg.Gateway.AllowedOrigins)
	transports := []bus.Transport{web}

	if tg := cfg.Transports.Telegram; tg.Enabled {
		agentID := tg.AgentID
		if agentID == "" {
			agentID = cfg.AgentIDs()[0]
		}
		t, err := telegram.New(telegram.Config{
			Token:     tg.Token,
			AgentID:   agentID,
			AllowFrom: tg.AllowFrom,
		}, stores.Threads)
		if err != nil {
			slog.Error("failed to start telegram transport", "error", err)
			os.Exit(1)
		}
		transports = append(transports, t)
	}

	if sb := cfg.Transports.ServiceBus; sb.Enabled {
		transports = append(transports, servicebus.New(servicebus.Config{
			Addr:           sb.Addr,
			Password:       sb.Password,
			DB:             sb.DB,
			RequestStream:  sb.RequestStream,
			ResponseStream: sb.ResponseStream,
			DeadLetter:     sb.DeadLetter,
			Group:          sb.Group,
			Consumer:       sb.Consumer,
			KnownAgent:     cfg.HasAgent,
		}, stores.Correlations))
	}

	composite := bus.NewComposite(transports...)
	defer composite.Close()

	reg := registry.New(cfg.Gateway.StreamGrace())
	defer reg.Close()

	server := gateway.NewServer(cfg, Version, reg, loops, broker, composite, web, stores)

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(stores.Schedules, stores.Correlations, composite, server.Submit, cfg.Scheduler.WakeInterval())
		go sched.Run(ctx)
	}

	// Whitelist edits apply to new sessions without a restart.
	go func() {
		err := config.Watch(ctx, cfgPath, func(next *config.Config) {
			for id, loop := range loops {
				loop.UpdateSeed(parseWhitelist(next.ResolveAgent(id).Whitelist))
			}
		})
		if err != nil && ctx.Err() == nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	go func() {
		if err := server.Pump(ctx); err != nil && ctx.Err() == nil {
			slog.Error("prompt pump stopped", "error", err)
			cancel()
		}
	}()

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// openStores selects Postgres when a DSN is configured, SQLite
// otherwise.
func openStores(cfg *config.Config) (*store.Stores, error) {
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		return pg.NewStores(dsn)
	}
	path := config.ExpandHome(cfg.Database.SQLitePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return sqlite.NewStores(path)
}

func buildProvider(cfg *config.Config, a config.AgentConfig) (llm.Provider, error) {
	switch a.Provider {
	case "anthropic", "":
		key := cfg.Providers.Anthropic.APIKey
		if key == "" {
			return nil, fmt.Errorf("anthropic provider selected but RELAY_ANTHROPIC_API_KEY is not set")
		}
		return llm.NewAnthropic(key, a.Model, llm.WithAnthropicBaseURL(cfg.Providers.Anthropic.BaseURL)), nil
	case "openai":
		key := cfg.Providers.OpenAI.APIKey
		if key == "" {
			return nil, fmt.Errorf("openai provider selected but RELAY_OPENAI_API_KEY is not set")
		}
		return llm.NewOpenAI(key, a.Model, llm.WithOpenAIBaseURL(cfg.Providers.OpenAI.BaseURL)), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", a.Provider)
	}
}

// parseWhitelist converts config whitelist entries into patterns. An
// entry is a tool name glob, or "tool:argsJson" to pin exact arguments.
func parseWhitelist(entries []string) []tools.Pattern {
	patterns := make([]tools.Pattern, 0, len(entries))
	for _, e := range entries {
		name, args, found := strings.Cut(e, ":")
		p := tools.Pattern{Tool: name}
		if found {
			p.ArgsSignature = tools.CanonicalArgs([]byte(args))
		}
		patterns = append(patterns, p)
	}
	return patterns
}
