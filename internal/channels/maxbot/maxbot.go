// Package maxbot implements the MAX messenger Bot API channel adapter.
//
// Hard message-length limit: 4000 characters. Webhook deliveries carry a
// shared secret token in X-Max-Bot-Api-Secret; polling mode walks GET
// /updates with a marker cursor. MAX reports timestamps in milliseconds
// already, so no normalization is needed.
package maxbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/replyops/replygate/internal/bus"
	"github.com/replyops/replygate/internal/channels"
	"github.com/replyops/replygate/internal/config"
)

// MaxTextLength is the MAX Bot API per-message text limit.
const MaxTextLength = 4000

const (
	defaultAPIBase    = "https://botapi.max.ru"
	secretTokenHeader = "X-Max-Bot-Api-Secret"
)

// Adapter sends and receives via the MAX Bot API.
type Adapter struct {
	*channels.BaseAdapter
	config     config.MaxConfig
	client     *http.Client
	pollClient *http.Client // longer timeout, covers the 30s long poll
	retry      channels.RetryPolicy

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a MAX bot adapter from config.
func New(cfg config.MaxConfig, tenantID string, msgBus *bus.MessageBus) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("max token is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter("max", tenantID, msgBus, channels.DefaultDedupCapacity, cfg.RPS),
		config:      cfg,
		client:      &http.Client{Timeout: 30 * time.Second},
		pollClient:  &http.Client{Timeout: 40 * time.Second},
		retry:       channels.DefaultRetryPolicy,
	}, nil
}

// Start begins update polling when configured; webhook mode needs no loop.
func (a *Adapter) Start(ctx context.Context) error {
	a.SetRunning(true)
	if !a.config.Polling {
		slog.Info("max adapter ready (webhook mode)")
		return nil
	}

	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})
	go a.pollLoop(pollCtx)

	slog.Info("max adapter started (polling mode)")
	return nil
}

// Stop cancels polling and waits for the poll goroutine.
func (a *Adapter) Stop(_ context.Context) error {
	a.SetRunning(false)
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(5 * time.Second):
			slog.Warn("max poll goroutine did not exit in time")
		}
	}
	return nil
}

type sendBody struct {
	Text string `json:"text"`
}

type sendResponse struct {
	Message struct {
		Body struct {
			Mid string `json:"mid"`
		} `json:"body"`
		Timestamp int64 `json:"timestamp"`
	} `json:"message"`
}

// Send delivers text to a MAX chat, truncating to 4000 characters.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) (channels.SendResult, error) {
	chatID, err := strconv.ParseInt(msg.ConversationRef, 10, 64)
	if err != nil {
		return channels.SendResult{}, &channels.SendError{
			Kind: channels.ParseError, Op: "max.send",
			Err: fmt.Errorf("conversation ref %q is not a chat id: %w", msg.ConversationRef, err),
		}
	}

	text, _ := channels.TruncateToLimit(a.Name(), msg.Text, MaxTextLength)
	body, err := json.Marshal(sendBody{Text: text})
	if err != nil {
		return channels.SendResult{}, &channels.SendError{
			Kind: channels.ParseError, Op: "max.send", Err: err,
		}
	}

	var result channels.SendResult
	err = a.retry.Do(ctx, "max.send", func(ctx context.Context) error {
		if err := a.WaitLimiter(ctx); err != nil {
			return channels.NewNetworkError("max.send", err)
		}

		q := url.Values{}
		q.Set("access_token", a.config.Token)
		q.Set("chat_id", strconv.FormatInt(chatID, 10))
		endpoint := a.config.APIBase + "/messages?" + q.Encode()

		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if reqErr != nil {
			return channels.NewNetworkError("max.send", reqErr)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, doErr := a.client.Do(req)
		if doErr != nil {
			return channels.NewNetworkError("max.send", doErr)
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode != http.StatusOK {
			return channels.NewHTTPError("max.send", resp.StatusCode, resp.Header,
				fmt.Errorf("max bot api: %s", channels.Truncate(string(respBody), 200)))
		}

		var sr sendResponse
		if jsonErr := json.Unmarshal(respBody, &sr); jsonErr == nil {
			result.MessageID = sr.Message.Body.Mid
			result.Timestamp = sr.Message.Timestamp
		}
		if result.Timestamp == 0 {
			result.Timestamp = time.Now().UnixMilli()
		}
		return nil
	})
	if err != nil {
		return channels.SendResult{}, err
	}
	return result, nil
}

// update is the MAX Bot API update shape (message_created subset).
type update struct {
	UpdateType string `json:"update_type"`
	Timestamp  int64  `json:"timestamp"` // milliseconds
	Message    *struct {
		Sender struct {
			UserID int64  `json:"user_id"`
			Name   string `json:"name"`
		} `json:"sender"`
		Recipient struct {
			ChatID int64 `json:"chat_id"`
		} `json:"recipient"`
		Body struct {
			Mid         string `json:"mid"`
			Text        string `json:"text"`
			Attachments []struct {
				Type    string `json:"type"`
				Payload struct {
					URL string `json:"url"`
				} `json:"payload"`
			} `json:"attachments"`
		} `json:"body"`
		Timestamp int64 `json:"timestamp"` // milliseconds
	} `json:"message"`
}

type updatesResponse struct {
	Updates []update `json:"updates"`
	Marker  *int64   `json:"marker"`
}

// ParseIncoming converts a webhook update body into a canonical message.
func (a *Adapter) ParseIncoming(raw []byte) (*bus.InboundMessage, bool) {
	var u update
	if err := json.Unmarshal(raw, &u); err != nil {
		slog.Debug("max webhook payload malformed", "error", err)
		return nil, false
	}
	return a.canonicalize(u)
}

func (a *Adapter) canonicalize(u update) (*bus.InboundMessage, bool) {
	if u.UpdateType != "message_created" || u.Message == nil {
		return nil, false
	}
	m := u.Message

	var attachments []bus.Attachment
	for _, att := range m.Body.Attachments {
		if att.Payload.URL != "" {
			attachments = append(attachments, bus.Attachment{Type: att.Type, URL: att.Payload.URL})
		}
	}
	if m.Body.Text == "" && len(attachments) == 0 {
		return nil, false
	}

	chatID := strconv.FormatInt(m.Recipient.ChatID, 10)
	if m.Body.Mid == "" {
		return nil, false
	}
	if a.SeenMessage(chatID, m.Body.Mid) {
		slog.Debug("max duplicate suppressed", "chat_id", chatID, "message_id", m.Body.Mid)
		return nil, false
	}

	ts := m.Timestamp
	if ts == 0 {
		ts = u.Timestamp
	}
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	return &bus.InboundMessage{
		Channel:                a.Name(),
		ExternalMessageID:      m.Body.Mid,
		ExternalConversationID: chatID,
		ExternalUserID:         strconv.FormatInt(m.Sender.UserID, 10),
		SenderName:             m.Sender.Name,
		Text:                   m.Body.Text,
		Timestamp:              ts,
		Attachments:            attachments,
	}, true
}

// VerifyWebhook checks the shared secret-token header.
func (a *Adapter) VerifyWebhook(header http.Header, _ []byte) channels.VerifyResult {
	return channels.VerifySharedSecret(header, secretTokenHeader, a.config.WebhookSecret)
}

// pollLoop walks GET /updates with a marker cursor.
func (a *Adapter) pollLoop(ctx context.Context) {
	defer close(a.pollDone)
	var marker int64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, next, err := a.fetchUpdates(ctx, marker)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("max updates poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		marker = next

		for _, u := range updates {
			if msg, ok := a.canonicalize(u); ok {
				a.Publish(msg)
			}
		}
	}
}

func (a *Adapter) fetchUpdates(ctx context.Context, marker int64) ([]update, int64, error) {
	q := url.Values{}
	q.Set("access_token", a.config.Token)
	q.Set("timeout", "30")
	if marker > 0 {
		q.Set("marker", strconv.FormatInt(marker, 10))
	}
	endpoint := a.config.APIBase + "/updates?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, marker, err
	}

	resp, err := a.pollClient.Do(req)
	if err != nil {
		return nil, marker, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, marker, channels.NewHTTPError("max.updates", resp.StatusCode, resp.Header,
			fmt.Errorf("max bot api: %s", channels.Truncate(string(body), 200)))
	}

	var ur updatesResponse
	if err := json.Unmarshal(body, &ur); err != nil {
		return nil, marker, fmt.Errorf("decode updates: %w", err)
	}
	next := marker
	if ur.Marker != nil {
		next = *ur.Marker
	}
	return ur.Updates, next, nil
}
