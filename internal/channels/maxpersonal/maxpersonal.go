// Package maxpersonal implements the personal-account MAX channel by driving
// web.max.ru in a headless browser.
//
// Pairing is by QR code: the adapter screenshots the login QR and exposes it
// for the operator until the session is authenticated. Messages are read by
// polling the chat DOM; there is no official API for personal accounts, so
// the account can be locked by the platform at any time.
package maxpersonal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/replyops/replygate/internal/bus"
	"github.com/replyops/replygate/internal/channels"
	"github.com/replyops/replygate/internal/config"
)

// MaxTextLength mirrors the MAX composer limit.
const MaxTextLength = 4000

const webURL = "https://web.max.ru"

const (
	defaultPollSeconds  = 2
	defaultQRRefreshSec = 30
	qrImageSize         = 256
)

// Adapter drives a personal MAX session through a browser page.
type Adapter struct {
	*channels.BaseAdapter
	config config.MaxPersonalConfig

	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page

	mu       sync.Mutex
	qrPNG    []byte
	loggedIn bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a MAX personal adapter from config.
func New(cfg config.MaxPersonalConfig, tenantID string, msgBus *bus.MessageBus) (*Adapter, error) {
	if cfg.SessionDir == "" {
		cfg.SessionDir = config.ExpandHome("~/.replygate/max-sessions")
	}
	if cfg.PollSeconds <= 0 {
		cfg.PollSeconds = defaultPollSeconds
	}
	if cfg.QRRefreshSec <= 0 {
		cfg.QRRefreshSec = defaultQRRefreshSec
	}
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter("max_personal", tenantID, msgBus, channels.DefaultDedupCapacity, 1),
		config:      cfg,
	}, nil
}

// Start launches the browser, opens web.max.ru and begins the monitor loop.
func (a *Adapter) Start(ctx context.Context) error {
	headless := true
	if a.config.Headless != nil {
		headless = *a.config.Headless
	}

	a.launcher = launcher.New().
		Headless(headless).
		UserDataDir(a.config.SessionDir)

	controlURL, err := a.launcher.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	a.browser = rod.New().ControlURL(controlURL)
	if err := a.browser.Connect(); err != nil {
		a.launcher.Cleanup()
		return fmt.Errorf("connect browser: %w", err)
	}

	page, err := a.browser.Page(proto.TargetCreateTarget{URL: webURL})
	if err != nil {
		_ = a.browser.Close()
		a.launcher.Cleanup()
		return fmt.Errorf("open %s: %w", webURL, err)
	}
	a.page = page

	monCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.monitorLoop(monCtx)

	a.SetRunning(true)
	slog.Info("max_personal channel started", "session_dir", a.config.SessionDir, "headless", headless)
	return nil
}

// Stop shuts the monitor loop down and closes the browser.
func (a *Adapter) Stop(_ context.Context) error {
	a.SetRunning(false)
	if a.cancel != nil {
		a.cancel()
	}
	if a.done != nil {
		select {
		case <-a.done:
		case <-time.After(10 * time.Second):
			slog.Warn("max_personal monitor did not exit in time")
		}
	}
	if a.browser != nil {
		_ = a.browser.Close()
	}
	if a.launcher != nil {
		a.launcher.Cleanup()
	}
	return nil
}

// LoggedIn reports whether the web session is authenticated.
func (a *Adapter) LoggedIn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loggedIn
}

// QRCode returns the latest login QR as PNG bytes, or nil when the session
// is already authenticated.
func (a *Adapter) QRCode() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loggedIn || len(a.qrPNG) == 0 {
		return nil
	}
	out := make([]byte, len(a.qrPNG))
	copy(out, a.qrPNG)
	return out
}

// Send types a reply into the web composer. MAX assigns no observable id to
// sent messages, so the result carries a synthetic one.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) (channels.SendResult, error) {
	if err := a.WaitLimiter(ctx); err != nil {
		return channels.SendResult{}, channels.NewNetworkError("max_personal.send", err)
	}
	if !a.LoggedIn() {
		return channels.SendResult{}, &channels.SendError{
			Kind: channels.AuthError, Op: "max_personal.send",
			Err: fmt.Errorf("max session not authenticated"),
		}
	}

	text, _ := channels.TruncateToLimit(a.Name(), msg.Text, MaxTextLength)

	if err := a.openChat(msg.ConversationRef); err != nil {
		return channels.SendResult{}, channels.NewNetworkError("max_personal.send", err)
	}

	composer, err := a.page.Timeout(10 * time.Second).Element(`[contenteditable="true"]`)
	if err != nil {
		return channels.SendResult{}, channels.NewNetworkError("max_personal.send",
			fmt.Errorf("composer not found: %w", err))
	}
	if err := composer.Input(text); err != nil {
		return channels.SendResult{}, channels.NewNetworkError("max_personal.send",
			fmt.Errorf("type message: %w", err))
	}
	if err := composer.Type(input.Enter); err != nil {
		return channels.SendResult{}, channels.NewNetworkError("max_personal.send",
			fmt.Errorf("submit message: %w", err))
	}

	now := time.Now().UnixMilli()
	return channels.SendResult{
		MessageID: fmt.Sprintf("max_%d", now),
		Timestamp: now,
	}, nil
}

// openChat clicks the chat-list entry for the given conversation.
func (a *Adapter) openChat(chatID string) error {
	res, err := a.page.Eval(`(chatId) => {
		const el = document.querySelector('[data-chat-id="' + chatId + '"]');
		if (!el) return false;
		el.click();
		return true;
	}`, chatID)
	if err != nil {
		return fmt.Errorf("open chat %s: %w", chatID, err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("chat %s not found in chat list", chatID)
	}
	return nil
}

// monitorLoop alternates between QR capture (pre-login) and DOM message
// polling (post-login).
func (a *Adapter) monitorLoop(ctx context.Context) {
	defer close(a.done)

	qrTicker := time.NewTicker(time.Duration(a.config.QRRefreshSec) * time.Second)
	defer qrTicker.Stop()
	pollTicker := time.NewTicker(time.Duration(a.config.PollSeconds) * time.Second)
	defer pollTicker.Stop()

	// Capture a first QR immediately rather than waiting a full interval.
	a.refreshSession()

	for {
		select {
		case <-ctx.Done():
			return
		case <-qrTicker.C:
			if !a.LoggedIn() {
				a.refreshSession()
			}
		case <-pollTicker.C:
			if a.LoggedIn() {
				a.pollMessages()
			} else {
				a.refreshLoginState()
			}
		}
	}
}

// refreshLoginState checks whether the chat list has rendered, which marks a
// completed QR pairing.
func (a *Adapter) refreshLoginState() {
	res, err := a.page.Eval(`() => !!document.querySelector('.chat-list')`)
	if err != nil {
		slog.Debug("max_personal login probe failed", "error", err)
		return
	}
	logged := res.Value.Bool()

	a.mu.Lock()
	changed := logged != a.loggedIn
	a.loggedIn = logged
	if logged {
		a.qrPNG = nil
	}
	a.mu.Unlock()

	if changed && logged {
		slog.Info("max_personal session authenticated")
	}
}

// refreshSession re-captures the login QR code.
func (a *Adapter) refreshSession() {
	a.refreshLoginState()
	if a.LoggedIn() {
		return
	}

	el, err := a.page.Timeout(5 * time.Second).Element("canvas.qr-code, [data-qr] canvas")
	if err != nil {
		slog.Debug("max_personal QR element not found", "error", err)
		return
	}
	shot, err := el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	if err != nil {
		slog.Warn("max_personal QR screenshot failed", "error", err)
		return
	}

	png, err := normalizeQR(shot)
	if err != nil {
		slog.Warn("max_personal QR resize failed", "error", err)
		png = shot
	}

	a.mu.Lock()
	a.qrPNG = png
	a.mu.Unlock()
	slog.Info("max_personal QR captured, waiting for scan")
}

// normalizeQR resizes the raw screenshot to a stable square so the operator
// UI gets a predictable image regardless of page zoom.
func normalizeQR(raw []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	resized := imaging.Resize(img, qrImageSize, qrImageSize, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// domMessage is the shape the in-page collector returns per message.
type domMessage struct {
	ID         string `json:"id"`
	ChatID     string `json:"chatId"`
	Text       string `json:"text"`
	IsIncoming bool   `json:"isIncoming"`
	SenderName string `json:"senderName"`
}

// pollMessages collects unseen incoming messages from the chat DOM. A
// per-page seen set keeps the collector from re-reporting rendered history;
// the adapter dedup window covers page reloads.
func (a *Adapter) pollMessages() {
	res, err := a.page.Eval(`() => {
		window.__rgSeen = window.__rgSeen || new Set();
		const out = [];
		document.querySelectorAll('[data-message-id]').forEach((el) => {
			const id = el.getAttribute('data-message-id');
			if (!id || window.__rgSeen.has(id)) return;
			window.__rgSeen.add(id);
			const chat = el.closest('[data-chat-id]');
			out.push({
				id: id,
				chatId: chat ? chat.getAttribute('data-chat-id') : '',
				text: (el.querySelector('.message-text') || el).textContent || '',
				isIncoming: el.classList.contains('incoming'),
				senderName: (el.querySelector('.sender-name') || {textContent: ''}).textContent || '',
			});
		});
		return JSON.stringify(out);
	}`)
	if err != nil {
		slog.Debug("max_personal DOM poll failed", "error", err)
		return
	}

	var msgs []domMessage
	if err := json.Unmarshal([]byte(res.Value.String()), &msgs); err != nil {
		slog.Debug("max_personal DOM poll returned malformed JSON", "error", err)
		return
	}

	for _, m := range msgs {
		if msg, ok := a.canonicalize(m); ok {
			a.Publish(msg)
		}
	}
}

func (a *Adapter) canonicalize(m domMessage) (*bus.InboundMessage, bool) {
	if !m.IsIncoming || m.ID == "" || m.ChatID == "" || m.Text == "" {
		return nil, false
	}
	if a.SeenMessage(m.ChatID, m.ID) {
		return nil, false
	}
	return &bus.InboundMessage{
		Channel:                a.Name(),
		ExternalMessageID:      m.ID,
		ExternalConversationID: m.ChatID,
		ExternalUserID:         m.ChatID, // the web DOM exposes no separate user id
		SenderName:             m.SenderName,
		Text:                   m.Text,
		Timestamp:              time.Now().UnixMilli(),
	}, true
}

// ParseIncoming accepts a single DOM-collector message object. The live path
// goes through pollMessages; this entry point exists for the uniform adapter
// contract.
func (a *Adapter) ParseIncoming(raw []byte) (*bus.InboundMessage, bool) {
	var m domMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return a.canonicalize(m)
}

// VerifyWebhook always rejects: personal sessions have no webhook surface.
func (a *Adapter) VerifyWebhook(http.Header, []byte) channels.VerifyResult {
	return channels.VerifyResult{Valid: false, Reason: "channel has no webhook endpoint"}
}
