package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Telegram         TelegramConfig         `json:"telegram"`
	WhatsApp         WhatsAppConfig         `json:"whatsapp"`
	WhatsAppPersonal WhatsAppPersonalConfig `json:"whatsapp_personal"`
	Max              MaxConfig              `json:"max"`
	MaxPersonal      MaxPersonalConfig      `json:"max_personal"`
}

// TelegramConfig configures the Telegram Bot API channel.
type TelegramConfig struct {
	Enabled       bool    `json:"enabled"`
	Token         string  `json:"token"`
	Proxy         string  `json:"proxy,omitempty"`
	WebhookSecret string  `json:"webhook_secret,omitempty"` // X-Telegram-Bot-Api-Secret-Token
	Polling       bool    `json:"polling,omitempty"`        // long polling instead of webhooks
	RPS           float64 `json:"rps,omitempty"`            // outbound API calls/sec (default 25)
}

// WhatsAppConfig configures the WhatsApp Cloud API (bot) channel.
type WhatsAppConfig struct {
	Enabled       bool    `json:"enabled"`
	Token         string  `json:"token"`                  // Graph API bearer token
	PhoneNumberID string  `json:"phone_number_id"`        // sending phone number
	AppSecret     string  `json:"app_secret,omitempty"`   // webhook HMAC secret
	VerifyToken   string  `json:"verify_token,omitempty"` // GET subscription handshake
	APIBase       string  `json:"api_base,omitempty"`     // override for tests
	RPS           float64 `json:"rps,omitempty"`
}

// WhatsAppPersonalConfig configures the personal-account bridge channel.
// The bridge (whatsapp-web.js based) owns the actual WhatsApp protocol; this
// channel exchanges JSON messages with it over a WebSocket.
type WhatsAppPersonalConfig struct {
	Enabled   bool    `json:"enabled"`
	BridgeURL string  `json:"bridge_url"`
	RPS       float64 `json:"rps,omitempty"`
}

// MaxConfig configures the MAX messenger Bot API channel.
type MaxConfig struct {
	Enabled       bool    `json:"enabled"`
	Token         string  `json:"token"`
	APIBase       string  `json:"api_base,omitempty"`       // default https://botapi.max.ru
	WebhookSecret string  `json:"webhook_secret,omitempty"` // X-Max-Bot-Api-Secret shared token
	Polling       bool    `json:"polling,omitempty"`
	RPS           float64 `json:"rps,omitempty"`
}

// MaxPersonalConfig configures the MAX personal-account channel, which
// drives web.max.ru in a headless browser (QR-code pairing, DOM message
// monitor). Unofficial integration: the account may be locked.
type MaxPersonalConfig struct {
	Enabled      bool   `json:"enabled"`
	SessionDir   string `json:"session_dir,omitempty"`    // browser profile dir (default ~/.replygate/max-sessions)
	PollSeconds  int    `json:"poll_seconds,omitempty"`   // DOM monitor interval (default 2)
	QRRefreshSec int    `json:"qr_refresh_sec,omitempty"` // QR re-capture interval (default 30)
	Headless     *bool  `json:"headless,omitempty"`       // default true
}
