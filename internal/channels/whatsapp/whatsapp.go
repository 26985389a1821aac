// Package whatsapp implements the WhatsApp Cloud API (bot) channel adapter.
//
// Inbound events arrive as Meta webhook deliveries signed with
// X-Hub-Signature-256 (HMAC-SHA256 of the raw body with the app secret).
// Hard message-length limit: 4096 characters.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/replyops/replygate/internal/bus"
	"github.com/replyops/replygate/internal/channels"
	"github.com/replyops/replygate/internal/config"
)

// MaxTextLength is the Cloud API per-message text limit.
const MaxTextLength = 4096

const (
	defaultAPIBase  = "https://graph.facebook.com/v19.0"
	signatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
)

// Adapter sends and receives via the WhatsApp Cloud API.
type Adapter struct {
	*channels.BaseAdapter
	config config.WhatsAppConfig
	client *http.Client
	retry  channels.RetryPolicy
}

// New creates a WhatsApp Cloud API adapter from config.
func New(cfg config.WhatsAppConfig, tenantID string, msgBus *bus.MessageBus) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("whatsapp token is required")
	}
	if cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("whatsapp phone_number_id is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}

	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter("whatsapp", tenantID, msgBus, channels.DefaultDedupCapacity, cfg.RPS),
		config:      cfg,
		client:      &http.Client{Timeout: 30 * time.Second},
		retry:       channels.DefaultRetryPolicy,
	}, nil
}

// Start marks the adapter ready; all inbound traffic is webhook-driven.
func (a *Adapter) Start(_ context.Context) error {
	slog.Info("whatsapp adapter ready (webhook mode)", "phone_number_id", a.config.PhoneNumberID)
	a.SetRunning(true)
	return nil
}

// Stop marks the adapter stopped.
func (a *Adapter) Stop(_ context.Context) error {
	a.SetRunning(false)
	return nil
}

type sendPayload struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
	Context          *msgRef  `json:"context,omitempty"`
}

type textBody struct {
	Body string `json:"body"`
}

type msgRef struct {
	MessageID string `json:"message_id"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send delivers text to a WhatsApp conversation, truncating to 4096 chars.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) (channels.SendResult, error) {
	text, _ := channels.TruncateToLimit(a.Name(), msg.Text, MaxTextLength)

	payload := sendPayload{
		MessagingProduct: "whatsapp",
		To:               msg.ConversationRef,
		Type:             "text",
		Text:             textBody{Body: text},
	}
	if msg.ReplyTo != "" {
		payload.Context = &msgRef{MessageID: msg.ReplyTo}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return channels.SendResult{}, &channels.SendError{
			Kind: channels.ParseError, Op: "whatsapp.send", Err: err,
		}
	}

	var result channels.SendResult
	err = a.retry.Do(ctx, "whatsapp.send", func(ctx context.Context) error {
		if err := a.WaitLimiter(ctx); err != nil {
			return channels.NewNetworkError("whatsapp.send", err)
		}

		url := fmt.Sprintf("%s/%s/messages", a.config.APIBase, a.config.PhoneNumberID)
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if reqErr != nil {
			return channels.NewNetworkError("whatsapp.send", reqErr)
		}
		req.Header.Set("Authorization", "Bearer "+a.config.Token)
		req.Header.Set("Content-Type", "application/json")

		resp, doErr := a.client.Do(req)
		if doErr != nil {
			return channels.NewNetworkError("whatsapp.send", doErr)
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode != http.StatusOK {
			return channels.NewHTTPError("whatsapp.send", resp.StatusCode, resp.Header,
				fmt.Errorf("cloud api: %s", channels.Truncate(string(respBody), 200)))
		}

		var sr sendResponse
		if jsonErr := json.Unmarshal(respBody, &sr); jsonErr == nil && len(sr.Messages) > 0 {
			result.MessageID = sr.Messages[0].ID
		}
		result.Timestamp = time.Now().UnixMilli()
		return nil
	})
	if err != nil {
		return channels.SendResult{}, err
	}
	return result, nil
}

// Webhook payload shapes (the subset we consume).
type webhookEnvelope struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []inboundMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type inboundMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"` // unix seconds as string
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image *struct {
		ID      string `json:"id"`
		Caption string `json:"caption"`
	} `json:"image"`
	Document *struct {
		ID      string `json:"id"`
		Caption string `json:"caption"`
	} `json:"document"`
	Audio *struct {
		ID string `json:"id"`
	} `json:"audio"`
}

// ParseIncoming converts a webhook delivery into a canonical message.
// Multi-message deliveries publish trailing messages to the bus directly and
// return the first, so no event is lost.
func (a *Adapter) ParseIncoming(raw []byte) (*bus.InboundMessage, bool) {
	var env webhookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Debug("whatsapp webhook payload malformed", "error", err)
		return nil, false
	}

	var parsed []*bus.InboundMessage
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			names := map[string]string{}
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				if cm, ok := a.canonicalize(m, names[m.From]); ok {
					parsed = append(parsed, cm)
				}
			}
		}
	}

	if len(parsed) == 0 {
		return nil, false
	}
	for _, extra := range parsed[1:] {
		a.Publish(extra)
	}
	return parsed[0], true
}

func (a *Adapter) canonicalize(m inboundMessage, senderName string) (*bus.InboundMessage, bool) {
	if m.ID == "" || m.From == "" {
		return nil, false
	}

	var (
		text        string
		attachments []bus.Attachment
	)
	switch {
	case m.Text != nil:
		text = m.Text.Body
	case m.Image != nil:
		text = m.Image.Caption
		attachments = append(attachments, bus.Attachment{Type: "image", URL: m.Image.ID})
	case m.Document != nil:
		text = m.Document.Caption
		attachments = append(attachments, bus.Attachment{Type: "document", URL: m.Document.ID})
	case m.Audio != nil:
		attachments = append(attachments, bus.Attachment{Type: "audio", URL: m.Audio.ID})
	}
	if text == "" && len(attachments) == 0 {
		return nil, false
	}

	// Message ids are globally unique on WhatsApp, but the composite key
	// keeps the idempotency convention uniform across adapters.
	if a.SeenMessage(m.From, m.ID) {
		slog.Debug("whatsapp duplicate suppressed", "message_id", m.ID)
		return nil, false
	}

	var ts int64
	if secs, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
		ts = secs * 1000
	} else {
		ts = time.Now().UnixMilli()
	}

	return &bus.InboundMessage{
		Channel:                a.Name(),
		ExternalMessageID:      m.ID,
		ExternalConversationID: m.From, // 1:1 chats — the peer is the conversation
		ExternalUserID:         m.From,
		SenderName:             senderName,
		Text:                   text,
		Timestamp:              ts,
		Attachments:            attachments,
		Metadata:               map[string]string{"type": m.Type},
	}, true
}

// VerifyWebhook checks the Meta HMAC signature of the raw body.
func (a *Adapter) VerifyWebhook(header http.Header, body []byte) channels.VerifyResult {
	return channels.VerifyHMACSHA256(header, body, signatureHeader, signaturePrefix, a.config.AppSecret)
}

// VerifyToken returns the GET-subscription handshake token.
func (a *Adapter) VerifyToken() string { return a.config.VerifyToken }
