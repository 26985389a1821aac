package config

import (
	"encoding/json"
	"fmt"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the replygate gateway.
type Config struct {
	TenantID  string          `json:"tenant_id"` // default tenant for single-tenant deployments
	Channels  ChannelsConfig  `json:"channels"`
	Decision  DecisionConfig  `json:"decision"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Gateway   GatewayConfig   `json:"gateway"`
	Replier   ReplierConfig   `json:"replier"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Audit     AuditConfig     `json:"audit,omitempty"`
	Flags     FlagsConfig     `json:"flags,omitempty"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// DecisionConfig holds default per-tenant decision settings, used when the
// settings store has no row for a tenant yet.
type DecisionConfig struct {
	TAuto                  float64  `json:"t_auto"`
	TEscalate              float64  `json:"t_escalate"`
	AutosendAllowed        bool     `json:"autosend_allowed"`
	IntentsAutosendAllowed []string `json:"intents_autosend_allowed,omitempty"`
	IntentsForceHandoff    []string `json:"intents_force_handoff,omitempty"`
}

// DeliveryConfig controls outbound dispatch behaviour.
type DeliveryConfig struct {
	TypingSimulation  bool   `json:"typing_simulation"`              // simulate human typing latency before sending
	TypingCharsPerSec int    `json:"typing_chars_per_sec,omitempty"` // default 30
	TypingMaxSeconds  int    `json:"typing_max_seconds,omitempty"`   // cap on simulated delay (default 8)
	RetrySweepCron    string `json:"retry_sweep_cron,omitempty"`     // gronx expression, default "*/2 * * * *"
}

// GatewayConfig controls the HTTP server.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token,omitempty"`           // bearer token for admin API + WS
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WS CORS whitelist (empty = allow all)
}

// ReplierConfig points at the external reply-generation service.
type ReplierConfig struct {
	BaseURL        string `json:"base_url"`
	InternalSecret string `json:"-"` // from env REPLYGATE_INTERNAL_SECRET only
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"` // default 60
}

// DatabaseConfig selects the conversation-store backend.
// PostgresDSN is NEVER read from config.json (secret) — env REPLYGATE_POSTGRES_DSN only.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"` // standalone mode (default ~/.replygate/replygate.db)
}

// AuditConfig controls the JSONL audit sink.
type AuditConfig struct {
	Path           string `json:"path,omitempty"` // default ~/.replygate/audit.jsonl
	RotateMaxBytes int64  `json:"rotate_max_bytes,omitempty"`
}

// FlagsConfig points at the feature-flags file.
type FlagsConfig struct {
	Path string `json:"path,omitempty"` // default ~/.replygate/flags.json
}

// NotifyConfig configures the operator notification channel.
type NotifyConfig struct {
	DiscordToken   string `json:"-"` // from env REPLYGATE_DISCORD_TOKEN only
	DiscordChannel string `json:"discord_channel,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // host:port of the OTLP collector
	Protocol string `json:"protocol,omitempty"` // "http" (default) or "grpc"
	Insecure bool   `json:"insecure,omitempty"`
}
