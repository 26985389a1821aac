package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/replyops/replygate/internal/bus"
	"github.com/replyops/replygate/internal/channels"
	"github.com/replyops/replygate/internal/config"
)

func newTestAdapter(t *testing.T, cfg config.WhatsAppConfig, msgBus *bus.MessageBus) *Adapter {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = "test-token"
	}
	if cfg.PhoneNumberID == "" {
		cfg.PhoneNumberID = "1555000111"
	}
	a, err := New(cfg, "default", msgBus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.retry = channels.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond}
	return a
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(config.WhatsAppConfig{PhoneNumberID: "1"}, "default", bus.New()); err == nil {
		t.Error("missing token accepted")
	}
	if _, err := New(config.WhatsAppConfig{Token: "t"}, "default", bus.New()); err == nil {
		t.Error("missing phone_number_id accepted")
	}
}

const webhookFixture = `{
	"entry": [{
		"changes": [{
			"value": {
				"contacts": [{"wa_id": "79991234567", "profile": {"name": "Ivan"}}],
				"messages": [{
					"id": "wamid.A1",
					"from": "79991234567",
					"timestamp": "1700000000",
					"type": "text",
					"text": {"body": "where is my order?"}
				}]
			}
		}]
	}]
}`

func TestParseIncomingText(t *testing.T) {
	a := newTestAdapter(t, config.WhatsAppConfig{}, bus.New())

	msg, ok := a.ParseIncoming([]byte(webhookFixture))
	if !ok {
		t.Fatal("valid delivery rejected")
	}
	if msg.ExternalMessageID != "wamid.A1" {
		t.Errorf("ExternalMessageID = %q", msg.ExternalMessageID)
	}
	if msg.ExternalConversationID != "79991234567" || msg.ExternalUserID != "79991234567" {
		t.Errorf("conversation/user = %q/%q", msg.ExternalConversationID, msg.ExternalUserID)
	}
	if msg.SenderName != "Ivan" {
		t.Errorf("SenderName = %q", msg.SenderName)
	}
	if msg.Text != "where is my order?" {
		t.Errorf("Text = %q", msg.Text)
	}
	if msg.Timestamp != 1700000000000 {
		t.Errorf("Timestamp = %d, want seconds converted to milliseconds", msg.Timestamp)
	}
}

func TestParseIncomingDuplicateSuppressed(t *testing.T) {
	a := newTestAdapter(t, config.WhatsAppConfig{}, bus.New())

	if _, ok := a.ParseIncoming([]byte(webhookFixture)); !ok {
		t.Fatal("first delivery rejected")
	}
	if _, ok := a.ParseIncoming([]byte(webhookFixture)); ok {
		t.Error("redelivery not suppressed")
	}
}

func TestParseIncomingMultiMessagePublishesExtras(t *testing.T) {
	msgBus := bus.New()
	a := newTestAdapter(t, config.WhatsAppConfig{}, msgBus)

	raw := []byte(`{
		"entry": [{
			"changes": [{
				"value": {
					"contacts": [{"wa_id": "1", "profile": {"name": "A"}}],
					"messages": [
						{"id": "m1", "from": "1", "timestamp": "1700000000", "type": "text", "text": {"body": "first"}},
						{"id": "m2", "from": "1", "timestamp": "1700000001", "type": "text", "text": {"body": "second"}}
					]
				}
			}]
		}]
	}`)

	first, ok := a.ParseIncoming(raw)
	if !ok {
		t.Fatal("delivery rejected")
	}
	if first.Text != "first" {
		t.Errorf("returned message = %q, want the first", first.Text)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	extra, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("second message not published to the bus")
	}
	if extra.Text != "second" {
		t.Errorf("published extra = %q, want the second", extra.Text)
	}
}

func TestParseIncomingImageAttachment(t *testing.T) {
	a := newTestAdapter(t, config.WhatsAppConfig{}, bus.New())

	raw := []byte(`{
		"entry": [{"changes": [{"value": {"messages": [
			{"id": "m3", "from": "2", "timestamp": "1700000000", "type": "image",
			 "image": {"id": "media-1", "caption": "photo of the defect"}}
		]}}]}]
	}`)

	msg, ok := a.ParseIncoming(raw)
	if !ok {
		t.Fatal("image message rejected")
	}
	if msg.Text != "photo of the defect" {
		t.Errorf("Text = %q, want caption", msg.Text)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Type != "image" {
		t.Errorf("Attachments = %+v", msg.Attachments)
	}
}

func TestParseIncomingRejectsEmpty(t *testing.T) {
	a := newTestAdapter(t, config.WhatsAppConfig{}, bus.New())

	for _, raw := range []string{`{not json`, `{"entry": []}`, `{"entry": [{"changes": [{"value": {"messages": []}}]}]}`} {
		if _, ok := a.ParseIncoming([]byte(raw)); ok {
			t.Errorf("ParseIncoming(%q) accepted", raw)
		}
	}
}

func TestSendSuccess(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		var p sendPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if p.To != "79991234567" || p.Text.Body != "on its way" {
			t.Errorf("payload = %+v", p)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.OUT1"}},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(t, config.WhatsAppConfig{APIBase: srv.URL}, bus.New())

	res, err := a.Send(context.Background(), bus.OutboundMessage{
		ConversationRef: "79991234567",
		Text:            "on its way",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.MessageID != "wamid.OUT1" {
		t.Errorf("MessageID = %q", res.MessageID)
	}
	if got := path.Load(); got != "/1555000111/messages" {
		t.Errorf("request path = %v", got)
	}
}

func TestSendAuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := newTestAdapter(t, config.WhatsAppConfig{APIBase: srv.URL}, bus.New())

	_, err := a.Send(context.Background(), bus.OutboundMessage{ConversationRef: "1", Text: "x"})
	se, ok := channels.AsSendError(err)
	if !ok || se.Kind != channels.AuthError {
		t.Fatalf("err = %v, want AUTH_ERROR", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestSendRateLimitedThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"messages": []map[string]string{{"id": "wamid.OUT2"}}})
	}))
	defer srv.Close()

	a := newTestAdapter(t, config.WhatsAppConfig{APIBase: srv.URL}, bus.New())

	res, err := a.Send(context.Background(), bus.OutboundMessage{ConversationRef: "1", Text: "x"})
	if err != nil {
		t.Fatalf("Send after rate limit: %v", err)
	}
	if res.MessageID != "wamid.OUT2" {
		t.Errorf("MessageID = %q", res.MessageID)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestVerifyWebhookSignature(t *testing.T) {
	a := newTestAdapter(t, config.WhatsAppConfig{AppSecret: "app-secret"}, bus.New())

	body := []byte(`{"entry":[]}`)
	// Signature computed by the shared helper; here we only check wiring.
	if res := a.VerifyWebhook(http.Header{}, body); res.Valid {
		t.Error("missing signature accepted with a secret configured")
	}

	open := newTestAdapter(t, config.WhatsAppConfig{}, bus.New())
	if res := open.VerifyWebhook(http.Header{}, body); !res.Valid {
		t.Error("no secret configured must accept")
	}
}
