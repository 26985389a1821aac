// Package telegram implements the Telegram Bot API channel adapter.
//
// Hard message-length limit: 4096 characters. Inbound events arrive either
// via webhook (ParseIncoming) or long polling; both feed the same
// canonicalization path, so the dedup window covers webhook retries and
// poll/webhook overlap alike.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/replyops/replygate/internal/bus"
	"github.com/replyops/replygate/internal/channels"
	"github.com/replyops/replygate/internal/config"
)

// MaxTextLength is Telegram's hard per-message limit.
const MaxTextLength = 4096

const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// Adapter connects to the Telegram Bot API.
type Adapter struct {
	*channels.BaseAdapter
	bot    *telego.Bot
	config config.TelegramConfig
	retry  channels.RetryPolicy

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram adapter from config.
func New(cfg config.TelegramConfig, tenantID string, msgBus *bus.MessageBus) (*Adapter, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter("telegram", tenantID, msgBus, channels.DefaultDedupCapacity, cfg.RPS),
		bot:         bot,
		config:      cfg,
		retry:       channels.DefaultRetryPolicy,
	}, nil
}

// Start begins long polling when configured; in webhook mode there is
// nothing to run — the gateway feeds ParseIncoming.
func (a *Adapter) Start(ctx context.Context) error {
	a.SetRunning(true)
	if !a.config.Polling {
		slog.Info("telegram adapter ready (webhook mode)")
		return nil
	}

	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		a.SetRunning(false)
		return fmt.Errorf("start long polling: %w", err)
	}

	slog.Info("telegram bot connected (polling mode)", "username", a.bot.Username())

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if msg, ok := a.canonicalize(update); ok {
					a.Publish(msg)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the poll goroutine to exit.
func (a *Adapter) Stop(_ context.Context) error {
	a.SetRunning(false)
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(5 * time.Second):
			slog.Warn("telegram poll goroutine did not exit in time")
		}
	}
	return nil
}

// Send delivers text to a Telegram chat, truncating to 4096 characters.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) (channels.SendResult, error) {
	chatID, err := strconv.ParseInt(msg.ConversationRef, 10, 64)
	if err != nil {
		return channels.SendResult{}, &channels.SendError{
			Kind: channels.ParseError, Op: "telegram.send",
			Err: fmt.Errorf("conversation ref %q is not a chat id: %w", msg.ConversationRef, err),
		}
	}

	text, _ := channels.TruncateToLimit(a.Name(), msg.Text, MaxTextLength)

	var sent *telego.Message
	err = a.retry.Do(ctx, "telegram.send", func(ctx context.Context) error {
		if err := a.WaitLimiter(ctx); err != nil {
			return channels.NewNetworkError("telegram.send", err)
		}
		var sendErr error
		sent, sendErr = a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
		if sendErr != nil {
			return classifyTelegoError(sendErr)
		}
		return nil
	})
	if err != nil {
		return channels.SendResult{}, err
	}

	return channels.SendResult{
		MessageID: strconv.Itoa(sent.MessageID),
		Timestamp: sent.Date * 1000, // Telegram reports unix seconds
	}, nil
}

// ParseIncoming converts a webhook update body into a canonical message.
func (a *Adapter) ParseIncoming(raw []byte) (*bus.InboundMessage, bool) {
	var update telego.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		slog.Debug("telegram webhook payload malformed", "error", err)
		return nil, false
	}
	return a.canonicalize(update)
}

// canonicalize maps an update to a canonical message. Returns (nil, false)
// for non-message updates, text-and-media-free messages and duplicates.
func (a *Adapter) canonicalize(update telego.Update) (*bus.InboundMessage, bool) {
	message := update.Message
	if message == nil || message.From == nil {
		return nil, false
	}

	text := message.Text
	if text == "" {
		text = message.Caption
	}
	attachments := collectAttachments(message)
	if text == "" && len(attachments) == 0 {
		return nil, false
	}

	chatID := strconv.FormatInt(message.Chat.ID, 10)
	messageID := strconv.Itoa(message.MessageID)
	if a.SeenMessage(chatID, messageID) {
		slog.Debug("telegram duplicate suppressed", "chat_id", chatID, "message_id", messageID)
		return nil, false
	}

	senderName := message.From.FirstName
	if message.From.LastName != "" {
		senderName += " " + message.From.LastName
	}

	return &bus.InboundMessage{
		Channel:                a.Name(),
		ExternalMessageID:      messageID,
		ExternalConversationID: chatID,
		ExternalUserID:         strconv.FormatInt(message.From.ID, 10),
		SenderName:             senderName,
		Text:                   text,
		Timestamp:              message.Date * 1000,
		Attachments:            attachments,
		Metadata: map[string]string{
			"chat_type": message.Chat.Type,
			"username":  message.From.Username,
		},
	}, true
}

func collectAttachments(message *telego.Message) []bus.Attachment {
	var out []bus.Attachment
	if len(message.Photo) > 0 {
		// Largest size is last.
		out = append(out, bus.Attachment{Type: "image", URL: message.Photo[len(message.Photo)-1].FileID})
	}
	if message.Voice != nil {
		out = append(out, bus.Attachment{Type: "audio", URL: message.Voice.FileID})
	}
	if message.Document != nil {
		out = append(out, bus.Attachment{Type: "document", URL: message.Document.FileID})
	}
	if message.Video != nil {
		out = append(out, bus.Attachment{Type: "video", URL: message.Video.FileID})
	}
	return out
}

// VerifyWebhook checks Telegram's shared secret-token header.
func (a *Adapter) VerifyWebhook(header http.Header, _ []byte) channels.VerifyResult {
	return channels.VerifySharedSecret(header, secretTokenHeader, a.config.WebhookSecret)
}

// StartTyping shows the typing indicator. Best-effort.
func (a *Adapter) StartTyping(ctx context.Context, conversationRef string) error {
	chatID, err := strconv.ParseInt(conversationRef, 10, 64)
	if err != nil {
		return fmt.Errorf("conversation ref %q is not a chat id: %w", conversationRef, err)
	}
	return a.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}

// StopTyping is a no-op: Telegram clears the indicator on send or after 5s.
func (a *Adapter) StopTyping(context.Context, string) error { return nil }

// classifyTelegoError maps a telego API error onto the send taxonomy.
// Bot API errors carry an error_code that follows HTTP status semantics and,
// for 429, a retry_after parameter.
func classifyTelegoError(err error) *channels.SendError {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		se := &channels.SendError{
			Kind:   channels.ClassifyStatus(apiErr.ErrorCode),
			Op:     "telegram.send",
			Status: apiErr.ErrorCode,
			Err:    err,
		}
		if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
			se.Kind = channels.RateLimit
			se.RetryAfter = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
		}
		return se
	}
	return channels.NewNetworkError("telegram.send", err)
}
