package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// ExpandHome resolves a leading ~ against the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Provider:          "anthropic",
				Model:             "claude-sonnet-4-5",
				Temperature:       0.7,
				MaxToolIterations: 10,
			},
		},
		Gateway: GatewayConfig{
			Host:               "0.0.0.0",
			Port:               18890,
			RateLimitRPS:       5,
			StreamGraceSeconds: 15,
		},
		Database: DatabaseConfig{
			SQLitePath: "~/.relay/relay.db",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "relay",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; secrets are env-only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("RELAY_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("RELAY_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("RELAY_TELEGRAM_TOKEN", &c.Transports.Telegram.Token)
	envStr("RELAY_REDIS_PASSWORD", &c.Transports.ServiceBus.Password)
	envStr("RELAY_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("RELAY_OTLP_ENDPOINT", &c.Telemetry.Endpoint)

	// Providing credentials via env enables the transport.
	if c.Transports.Telegram.Token != "" {
		c.Transports.Telegram.Enabled = true
	}
	if v := os.Getenv("RELAY_REDIS_ADDR"); v != "" {
		c.Transports.ServiceBus.Addr = v
		c.Transports.ServiceBus.Enabled = true
	}

	envStr("RELAY_GATEWAY_HOST", &c.Gateway.Host)
}
