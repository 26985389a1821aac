package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		TenantID: "default",
		Decision: DecisionConfig{
			TAuto:           0.80,
			TEscalate:       0.40,
			AutosendAllowed: false,
		},
		Delivery: DeliveryConfig{
			TypingSimulation:  true,
			TypingCharsPerSec: 30,
			TypingMaxSeconds:  8,
			RetrySweepCron:    "*/2 * * * *",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8180,
		},
		Replier: ReplierConfig{
			TimeoutSeconds: 60,
		},
		Database: DatabaseConfig{
			SQLitePath: "~/.replygate/replygate.db",
		},
		Audit: AuditConfig{
			Path:           "~/.replygate/audit.jsonl",
			RotateMaxBytes: 64 << 20,
		},
		Flags: FlagsConfig{
			Path: "~/.replygate/flags.json",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults (first run).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides overlays secrets and operational overrides from the
// environment. Secrets (DSN, tokens) are env-only and never persisted to
// config.json.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("REPLYGATE_POSTGRES_DSN"); v != "" {
		c.Database.PostgresDSN = v
	}
	if v := os.Getenv("REPLYGATE_INTERNAL_SECRET"); v != "" {
		c.Replier.InternalSecret = v
	}
	if v := os.Getenv("REPLYGATE_DISCORD_TOKEN"); v != "" {
		c.Notify.DiscordToken = v
	}
	if v := os.Getenv("REPLYGATE_TELEGRAM_TOKEN"); v != "" {
		c.Channels.Telegram.Token = v
	}
	if v := os.Getenv("REPLYGATE_WHATSAPP_TOKEN"); v != "" {
		c.Channels.WhatsApp.Token = v
	}
	if v := os.Getenv("REPLYGATE_MAX_TOKEN"); v != "" {
		c.Channels.Max.Token = v
	}
	if v := os.Getenv("REPLYGATE_GATEWAY_TOKEN"); v != "" {
		c.Gateway.Token = v
	}
}

// ExpandHome expands a leading ~/ to the user home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") && path != "~" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
