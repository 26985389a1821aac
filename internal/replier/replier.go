// Package replier is the client for the reply-generation service. The
// service owns retrieval, drafting, scoring and the self-check pass; this
// gateway only consumes its candidate replies and decides what to do with
// them.
package replier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/replyops/replygate/internal/bus"
	"github.com/replyops/replygate/internal/config"
	"github.com/replyops/replygate/internal/decision"
)

const internalSecretHeader = "X-Internal-Secret"

// Candidate is a generated reply plus everything the decision router needs
// to classify it.
type Candidate struct {
	Reply      string                       `json:"reply"`
	Intent     string                       `json:"intent"`
	Confidence decision.ConfidenceBreakdown `json:"confidence"`
	SelfCheck  decision.SelfCheck           `json:"self_check"`
	Penalties  []decision.Penalty           `json:"penalties,omitempty"`
}

// Generator produces a candidate reply for an inbound customer message.
type Generator interface {
	Generate(ctx context.Context, msg bus.InboundMessage) (*Candidate, error)
}

// Client calls the reply service over HTTP, authenticating with a shared
// internal secret header.
type Client struct {
	baseURL string
	secret  string
	client  *http.Client
}

// NewClient creates a reply-service client from config.
func NewClient(cfg config.ReplierConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("replier base_url is required")
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		secret:  cfg.InternalSecret,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type generateRequest struct {
	TenantID       string `json:"tenant_id"`
	Channel        string `json:"channel"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	SenderName     string `json:"sender_name,omitempty"`
	Text           string `json:"text"`
	TimestampMs    int64  `json:"timestamp_ms"`
}

// Generate requests a candidate reply for msg.
func (c *Client) Generate(ctx context.Context, msg bus.InboundMessage) (*Candidate, error) {
	body, err := json.Marshal(generateRequest{
		TenantID:       msg.TenantID,
		Channel:        msg.Channel,
		ConversationID: msg.ExternalConversationID,
		MessageID:      msg.ExternalMessageID,
		SenderName:     msg.SenderName,
		Text:           msg.Text,
		TimestampMs:    msg.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/replies/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(internalSecretHeader, c.secret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call reply service: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reply service returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var cand Candidate
	if err := json.Unmarshal(respBody, &cand); err != nil {
		return nil, fmt.Errorf("decode reply service response: %w", err)
	}
	if cand.Reply == "" {
		return nil, fmt.Errorf("reply service returned an empty reply")
	}
	return &cand, nil
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
