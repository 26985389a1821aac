package maxpersonal

import (
	"net/http"
	"testing"

	"github.com/replyops/replygate/internal/bus"
	"github.com/replyops/replygate/internal/config"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(config.MaxPersonalConfig{SessionDir: t.TempDir()}, "default", bus.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNewAppliesDefaults(t *testing.T) {
	a := newTestAdapter(t)
	if a.config.PollSeconds != defaultPollSeconds {
		t.Errorf("PollSeconds = %d, want %d", a.config.PollSeconds, defaultPollSeconds)
	}
	if a.config.QRRefreshSec != defaultQRRefreshSec {
		t.Errorf("QRRefreshSec = %d, want %d", a.config.QRRefreshSec, defaultQRRefreshSec)
	}
}

func TestParseIncomingDOMMessage(t *testing.T) {
	a := newTestAdapter(t)

	raw := []byte(`{"id":"dm-1","chatId":"chat-7","text":"hi there","isIncoming":true,"senderName":"Lena"}`)
	msg, ok := a.ParseIncoming(raw)
	if !ok {
		t.Fatal("valid DOM message rejected")
	}
	if msg.Channel != "max_personal" {
		t.Errorf("Channel = %q", msg.Channel)
	}
	if msg.ExternalMessageID != "dm-1" || msg.ExternalConversationID != "chat-7" {
		t.Errorf("ids = %q/%q", msg.ExternalMessageID, msg.ExternalConversationID)
	}
	if msg.SenderName != "Lena" || msg.Text != "hi there" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestParseIncomingOutgoingIgnored(t *testing.T) {
	a := newTestAdapter(t)

	// The DOM collector also sees our own sent messages; only incoming count.
	raw := []byte(`{"id":"dm-2","chatId":"chat-7","text":"our reply","isIncoming":false}`)
	if _, ok := a.ParseIncoming(raw); ok {
		t.Error("outgoing message accepted as inbound")
	}
}

func TestParseIncomingDuplicateSuppressed(t *testing.T) {
	a := newTestAdapter(t)

	raw := []byte(`{"id":"dm-3","chatId":"chat-7","text":"x","isIncoming":true}`)
	if _, ok := a.ParseIncoming(raw); !ok {
		t.Fatal("first message rejected")
	}
	if _, ok := a.ParseIncoming(raw); ok {
		t.Error("duplicate not suppressed")
	}
}

func TestParseIncomingRejectsIncomplete(t *testing.T) {
	a := newTestAdapter(t)

	for _, raw := range []string{
		`{not json`,
		`{"chatId":"c","text":"x","isIncoming":true}`,
		`{"id":"i","text":"x","isIncoming":true}`,
		`{"id":"i","chatId":"c","isIncoming":true}`,
	} {
		if _, ok := a.ParseIncoming([]byte(raw)); ok {
			t.Errorf("ParseIncoming(%q) accepted", raw)
		}
	}
}

func TestVerifyWebhookAlwaysRejects(t *testing.T) {
	a := newTestAdapter(t)
	if res := a.VerifyWebhook(http.Header{}, nil); res.Valid {
		t.Error("personal session accepted a webhook")
	}
}

func TestLoginStateAccessors(t *testing.T) {
	a := newTestAdapter(t)

	if a.LoggedIn() {
		t.Error("fresh adapter reports logged in")
	}
	if qr := a.QRCode(); qr != nil {
		t.Errorf("fresh adapter has a QR code: %d bytes", len(qr))
	}

	a.mu.Lock()
	a.qrPNG = []byte{0x89, 'P', 'N', 'G'}
	a.mu.Unlock()

	qr := a.QRCode()
	if len(qr) != 4 {
		t.Fatalf("QRCode = %d bytes", len(qr))
	}
	// The accessor must hand out a copy, not the internal buffer.
	qr[0] = 0
	if a.QRCode()[0] == 0 {
		t.Error("QRCode exposes internal state")
	}
}
