// Package whatsapppersonal implements the personal-account WhatsApp channel.
//
// The actual WhatsApp Web protocol lives in an external bridge process
// (whatsapp-web.js based); this adapter exchanges JSON frames with it over a
// WebSocket and keeps the connection alive with a reconnect loop.
package whatsapppersonal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/replyops/replygate/internal/bus"
	"github.com/replyops/replygate/internal/channels"
	"github.com/replyops/replygate/internal/config"
)

// MaxTextLength matches the WhatsApp client-side composer limit.
const MaxTextLength = 4096

// Adapter talks to a WhatsApp Web bridge over a WebSocket.
type Adapter struct {
	*channels.BaseAdapter
	config config.WhatsAppPersonalConfig

	mu   sync.Mutex
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a bridge adapter from config.
func New(cfg config.WhatsAppPersonalConfig, tenantID string, msgBus *bus.MessageBus) (*Adapter, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp_personal bridge_url is required")
	}
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter("whatsapp_personal", tenantID, msgBus, channels.DefaultDedupCapacity, cfg.RPS),
		config:      cfg,
	}, nil
}

// Start connects to the bridge and begins the read loop. An unreachable
// bridge is not fatal; the loop keeps retrying with backoff.
func (a *Adapter) Start(ctx context.Context) error {
	slog.Info("starting whatsapp_personal channel", "bridge_url", a.config.BridgeURL)

	a.ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	if err := a.connect(a.ctx); err != nil {
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go a.listenLoop()

	a.SetRunning(true)
	return nil
}

// Stop closes the bridge connection and waits for the read loop to exit.
func (a *Adapter) Stop(_ context.Context) error {
	a.SetRunning(false)
	if a.cancel != nil {
		a.cancel()
	}

	a.mu.Lock()
	if a.conn != nil {
		_ = a.conn.Close(websocket.StatusNormalClosure, "shutdown")
		a.conn = nil
	}
	a.mu.Unlock()

	if a.done != nil {
		select {
		case <-a.done:
		case <-time.After(5 * time.Second):
			slog.Warn("whatsapp bridge read loop did not exit in time")
		}
	}
	return nil
}

// bridgeFrame is the JSON protocol spoken with the bridge, both directions.
type bridgeFrame struct {
	Type     string   `json:"type"`
	ID       string   `json:"id,omitempty"`
	From     string   `json:"from,omitempty"`
	FromName string   `json:"from_name,omitempty"`
	Chat     string   `json:"chat,omitempty"`
	To       string   `json:"to,omitempty"`
	Content  string   `json:"content,omitempty"`
	Media    []string `json:"media,omitempty"`
	TsMs     int64    `json:"ts_ms,omitempty"`
}

// Send writes a message frame to the bridge. The bridge does not ack sends,
// so the result carries a synthetic id.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) (channels.SendResult, error) {
	if err := a.WaitLimiter(ctx); err != nil {
		return channels.SendResult{}, channels.NewNetworkError("whatsapp_personal.send", err)
	}

	text, _ := channels.TruncateToLimit(a.Name(), msg.Text, MaxTextLength)

	data, err := json.Marshal(bridgeFrame{
		Type:    "message",
		To:      msg.ConversationRef,
		Content: text,
	})
	if err != nil {
		return channels.SendResult{}, &channels.SendError{
			Kind: channels.ParseError, Op: "whatsapp_personal.send", Err: err,
		}
	}

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return channels.SendResult{}, channels.NewNetworkError("whatsapp_personal.send",
			fmt.Errorf("whatsapp bridge not connected"))
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return channels.SendResult{}, channels.NewNetworkError("whatsapp_personal.send", err)
	}

	now := time.Now().UnixMilli()
	return channels.SendResult{
		MessageID: fmt.Sprintf("wap_%d", now),
		Timestamp: now,
	}, nil
}

// connect dials the bridge WebSocket.
func (a *Adapter) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, a.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", a.config.BridgeURL, err)
	}
	conn.SetReadLimit(1 << 20)

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", a.config.BridgeURL)
	return nil
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (a *Adapter) listenLoop() {
	defer close(a.done)
	backoff := time.Second

	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)
			select {
			case <-a.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := a.connect(a.ctx); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			continue
		}

		_, data, err := conn.Read(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			slog.Warn("whatsapp bridge read error, will reconnect", "error", err)
			a.mu.Lock()
			if a.conn != nil {
				_ = a.conn.Close(websocket.StatusInternalError, "read error")
				a.conn = nil
			}
			a.mu.Unlock()
			continue
		}

		if msg, ok := a.ParseIncoming(data); ok {
			a.Publish(msg)
		}
	}
}

// ParseIncoming converts a bridge frame into a canonical message.
func (a *Adapter) ParseIncoming(raw []byte) (*bus.InboundMessage, bool) {
	var frame bridgeFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		slog.Warn("invalid whatsapp bridge frame", "error", err)
		return nil, false
	}
	if frame.Type != "message" || frame.From == "" {
		return nil, false
	}

	chatID := frame.Chat
	if chatID == "" {
		chatID = frame.From
	}

	var attachments []bus.Attachment
	for _, path := range frame.Media {
		attachments = append(attachments, bus.Attachment{Type: "file", URL: path})
	}
	// Reject content-free frames before touching the dedup window so they
	// never consume an idempotency slot.
	if frame.Content == "" && len(attachments) == 0 {
		return nil, false
	}

	messageID := frame.ID
	if messageID == "" {
		messageID = fmt.Sprintf("wap_in_%d", time.Now().UnixNano())
	}
	if a.SeenMessage(chatID, messageID) {
		slog.Debug("whatsapp bridge duplicate suppressed", "message_id", messageID)
		return nil, false
	}

	ts := frame.TsMs
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	chatKind := "direct"
	if strings.HasSuffix(chatID, "@g.us") {
		chatKind = "group"
	}

	return &bus.InboundMessage{
		Channel:                a.Name(),
		ExternalMessageID:      messageID,
		ExternalConversationID: chatID,
		ExternalUserID:         frame.From,
		SenderName:             frame.FromName,
		Text:                   frame.Content,
		Timestamp:              ts,
		Attachments:            attachments,
		Metadata:               map[string]string{"chat_kind": chatKind},
	}, true
}

// VerifyWebhook always rejects: this channel has no webhook surface, all
// inbound traffic arrives over the bridge WebSocket.
func (a *Adapter) VerifyWebhook(http.Header, []byte) channels.VerifyResult {
	return channels.VerifyResult{Valid: false, Reason: "channel has no webhook endpoint"}
}
