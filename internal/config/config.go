// Package config holds the gateway configuration: JSON5 file plus
// RELAY_* environment overrides.
package config

import "time"

// Config is the root configuration for the Relay gateway.
type Config struct {
	Agents     AgentsConfig     `json:"agents"`
	Transports TransportsConfig `json:"transports"`
	Providers  ProvidersConfig  `json:"providers"`
	Gateway    GatewayConfig    `json:"gateway"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	Scheduler  SchedulerConfig  `json:"scheduler,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
}

// AgentsConfig configures the agents the gateway hosts.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
	// Agents maps agent id to per-agent overrides.
	Agents map[string]AgentConfig `json:"agents,omitempty"`
}

// AgentDefaults apply to every agent unless overridden.
type AgentDefaults struct {
	Provider          string  `json:"provider"`
	Model             string  `json:"model"`
	Temperature       float64 `json:"temperature"`
	MaxToolIterations int     `json:"max_tool_iterations"`
}

// AgentConfig is one agent's overrides.
type AgentConfig struct {
	Provider          string   `json:"provider,omitempty"`
	Model             string   `json:"model,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	MaxToolIterations int      `json:"max_tool_iterations,omitempty"`
	SystemPrompt      string   `json:"system_prompt,omitempty"`
	// Whitelist pre-approves tool calls: each entry is either a tool
	// name glob, or "tool:argsJson" for an exact-arguments rule.
	Whitelist []string `json:"whitelist,omitempty"`
}

// TransportsConfig enables and configures the concrete transports. The
// dashboard socket is always on; the rest are opt-in.
type TransportsConfig struct {
	Telegram   TelegramConfig   `json:"telegram,omitempty"`
	ServiceBus ServiceBusConfig `json:"servicebus,omitempty"`
}

// TelegramConfig configures the Telegram bot transport.
type TelegramConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	// Token from env RELAY_TELEGRAM_TOKEN only.
	Token     string   `json:"-"`
	AgentID   string   `json:"agent_id,omitempty"`
	AllowFrom []string `json:"allow_from,omitempty"`
}

// ServiceBusConfig configures the Redis-stream request/response
// transport.
type ServiceBusConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`
	// Password from env RELAY_REDIS_PASSWORD only.
	Password       string `json:"-"`
	DB             int    `json:"db,omitempty"`
	RequestStream  string `json:"request_stream,omitempty"`
	ResponseStream string `json:"response_stream,omitempty"`
	DeadLetter     string `json:"dead_letter,omitempty"`
	Group          string `json:"group,omitempty"`
	Consumer       string `json:"consumer,omitempty"`
}

// ProvidersConfig holds LLM provider credentials.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic,omitempty"`
	OpenAI    ProviderConfig `json:"openai,omitempty"`
}

// ProviderConfig is one provider's connection settings.
type ProviderConfig struct {
	// APIKey from env only, never persisted.
	APIKey  string `json:"-"`
	BaseURL string `json:"base_url,omitempty"`
}

// GatewayConfig configures the HTTP/WebSocket listener.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	// RateLimitRPS caps chat.send per client; 0 disables.
	RateLimitRPS float64 `json:"rate_limit_rps,omitempty"`
	// StreamGraceSeconds is how long a finished turn stays buffered
	// for late resumes.
	StreamGraceSeconds int `json:"stream_grace_seconds,omitempty"`
}

// StreamGrace returns the configured grace window.
func (g GatewayConfig) StreamGrace() time.Duration {
	if g.StreamGraceSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(g.StreamGraceSeconds) * time.Second
}

// DatabaseConfig selects the storage backend.
// PostgresDSN comes from env RELAY_POSTGRES_DSN only (secret).
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	// SQLitePath is the standalone-mode database file.
	SQLitePath string `json:"sqlite_path,omitempty"`
}

// SchedulerConfig configures recurring prompts.
type SchedulerConfig struct {
	Enabled             bool `json:"enabled,omitempty"`
	WakeIntervalSeconds int  `json:"wake_interval_seconds,omitempty"`
}

// WakeInterval returns the configured wake cadence.
func (s SchedulerConfig) WakeInterval() time.Duration {
	if s.WakeIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.WakeIntervalSeconds) * time.Second
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	// Protocol is "grpc" (default) or "http".
	Protocol    string `json:"protocol,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// ResolveAgent merges defaults with the named agent's overrides.
func (c *Config) ResolveAgent(id string) AgentConfig {
	d := c.Agents.Defaults
	resolved := AgentConfig{
		Provider:          d.Provider,
		Model:             d.Model,
		Temperature:       &d.Temperature,
		MaxToolIterations: d.MaxToolIterations,
	}
	a, ok := c.Agents.Agents[id]
	if !ok {
		return resolved
	}
	if a.Provider != "" {
		resolved.Provider = a.Provider
	}
	if a.Model != "" {
		resolved.Model = a.Model
	}
	if a.Temperature != nil {
		resolved.Temperature = a.Temperature
	}
	if a.MaxToolIterations > 0 {
		resolved.MaxToolIterations = a.MaxToolIterations
	}
	resolved.SystemPrompt = a.SystemPrompt
	resolved.Whitelist = a.Whitelist
	return resolved
}

// AgentIDs lists the configured agent ids, falling back to a single
// default agent when none are declared.
func (c *Config) AgentIDs() []string {
	if len(c.Agents.Agents) == 0 {
		return []string{"default"}
	}
	ids := make([]string, 0, len(c.Agents.Agents))
	for id := range c.Agents.Agents {
		ids = append(ids, id)
	}
	return ids
}

// HasAgent reports whether id is configured.
func (c *Config) HasAgent(id string) bool {
	if len(c.Agents.Agents) == 0 {
		return id == "default"
	}
	_, ok := c.Agents.Agents[id]
	return ok
}
