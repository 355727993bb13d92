package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Agents.Defaults.Provider != "anthropic" {
		t.Errorf("provider = %q", cfg.Agents.Defaults.Provider)
	}
	if cfg.Agents.Defaults.MaxToolIterations != 10 {
		t.Errorf("max tool iterations = %d", cfg.Agents.Defaults.MaxToolIterations)
	}
	if cfg.Gateway.Port != 18890 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Database.SQLitePath == "" {
		t.Error("no sqlite path default")
	}
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 18890 {
		t.Errorf("port = %d, want default", cfg.Gateway.Port)
	}
}

func TestLoad_ParsesJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
		// comments and trailing commas are allowed
		agents: {
			defaults: {provider: "openai", model: "gpt-4o", temperature: 0.2, max_tool_iterations: 4},
			agents: {
				support: {system_prompt: "You answer support tickets.", whitelist: ["current_time"]},
			},
		},
		gateway: {host: "127.0.0.1", port: 9000, stream_grace_seconds: 30},
		scheduler: {enabled: true, wake_interval_seconds: 10},
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agents.Defaults.Provider != "openai" || cfg.Agents.Defaults.MaxToolIterations != 4 {
		t.Errorf("defaults = %+v", cfg.Agents.Defaults)
	}
	if cfg.Gateway.Port != 9000 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.StreamGrace() != 30*time.Second {
		t.Errorf("stream grace = %v", cfg.Gateway.StreamGrace())
	}
	if cfg.Scheduler.WakeInterval() != 10*time.Second {
		t.Errorf("wake interval = %v", cfg.Scheduler.WakeInterval())
	}

	a := cfg.ResolveAgent("support")
	if a.SystemPrompt != "You answer support tickets." {
		t.Errorf("system prompt = %q", a.SystemPrompt)
	}
	if len(a.Whitelist) != 1 || a.Whitelist[0] != "current_time" {
		t.Errorf("whitelist = %v", a.Whitelist)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte("{gateway:"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed config accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("RELAY_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("RELAY_REDIS_ADDR", "redis:6379")
	t.Setenv("RELAY_GATEWAY_HOST", "10.0.0.5")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-test" {
		t.Errorf("api key = %q", cfg.Providers.Anthropic.APIKey)
	}
	// Supplying credentials enables the transport.
	if !cfg.Transports.Telegram.Enabled || cfg.Transports.Telegram.Token != "123:abc" {
		t.Errorf("telegram = %+v", cfg.Transports.Telegram)
	}
	if !cfg.Transports.ServiceBus.Enabled || cfg.Transports.ServiceBus.Addr != "redis:6379" {
		t.Errorf("servicebus = %+v", cfg.Transports.ServiceBus)
	}
	if cfg.Gateway.Host != "10.0.0.5" {
		t.Errorf("host = %q", cfg.Gateway.Host)
	}
}

func TestResolveAgent(t *testing.T) {
	temp := 0.1
	cfg := Default()
	cfg.Agents.Agents = map[string]AgentConfig{
		"coder": {Model: "claude-opus-4-5", Temperature: &temp, MaxToolIterations: 20},
		"plain": {},
	}

	tests := []struct {
		name     string
		id       string
		model    string
		temp     float64
		maxIters int
	}{
		{"overrides applied", "coder", "claude-opus-4-5", 0.1, 20},
		{"empty overrides inherit defaults", "plain", "claude-sonnet-4-5", 0.7, 10},
		{"unknown id gets defaults", "ghost", "claude-sonnet-4-5", 0.7, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := cfg.ResolveAgent(tt.id)
			if a.Model != tt.model {
				t.Errorf("model = %q, want %q", a.Model, tt.model)
			}
			if *a.Temperature != tt.temp {
				t.Errorf("temperature = %v, want %v", *a.Temperature, tt.temp)
			}
			if a.MaxToolIterations != tt.maxIters {
				t.Errorf("max iterations = %d, want %d", a.MaxToolIterations, tt.maxIters)
			}
			if a.Provider != "anthropic" {
				t.Errorf("provider = %q", a.Provider)
			}
		})
	}
}

func TestAgentIDs(t *testing.T) {
	cfg := Default()
	if ids := cfg.AgentIDs(); len(ids) != 1 || ids[0] != "default" {
		t.Errorf("ids = %v, want [default] fallback", ids)
	}
	if !cfg.HasAgent("default") || cfg.HasAgent("other") {
		t.Error("fallback agent check wrong")
	}

	cfg.Agents.Agents = map[string]AgentConfig{"a": {}, "b": {}}
	if ids := cfg.AgentIDs(); len(ids) != 2 {
		t.Errorf("ids = %v", ids)
	}
	if cfg.HasAgent("default") {
		t.Error("default should not exist once agents are declared")
	}
	if !cfg.HasAgent("a") {
		t.Error("declared agent missing")
	}
}

func TestStreamGraceAndWakeDefaults(t *testing.T) {
	var g GatewayConfig
	if g.StreamGrace() != 15*time.Second {
		t.Errorf("stream grace = %v", g.StreamGrace())
	}
	var s SchedulerConfig
	if s.WakeInterval() != 30*time.Second {
		t.Errorf("wake interval = %v", s.WakeInterval())
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}

	got := ExpandHome("~/.relay/relay.db")
	if !strings.HasPrefix(got, home) || !strings.HasSuffix(got, filepath.Join(".relay", "relay.db")) {
		t.Errorf("expanded = %q", got)
	}
	if got := ExpandHome("/var/lib/relay.db"); got != "/var/lib/relay.db" {
		t.Errorf("absolute path changed: %q", got)
	}
	if got := ExpandHome("relative.db"); got != "relative.db" {
		t.Errorf("relative path changed: %q", got)
	}
}
