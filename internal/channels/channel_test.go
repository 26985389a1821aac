package channels

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/replyops/replygate/internal/bus"
)

func TestTruncateToLimit(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		limit     int
		wantRunes int
		wantCut   bool
	}{
		{"under limit", "hello", 10, 5, false},
		{"exactly at limit", "hello", 5, 5, false},
		{"over limit", strings.Repeat("a", 20), 10, 10, true},
		{"zero limit means unlimited", strings.Repeat("a", 20), 0, 20, false},
		{"multibyte runes counted not bytes", strings.Repeat("й", 10), 5, 5, true},
		{"empty text", "", 5, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, cut := TruncateToLimit("test", tt.text, tt.limit)
			if cut != tt.wantCut {
				t.Errorf("truncated = %v, want %v", cut, tt.wantCut)
			}
			if n := utf8.RuneCountInString(got); n != tt.wantRunes {
				t.Errorf("rune count = %d, want %d", n, tt.wantRunes)
			}
			if !utf8.ValidString(got) {
				t.Error("truncation produced invalid UTF-8")
			}
		})
	}
}

func TestTruncatePreview(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate = %q, want unchanged", got)
	}
	if got := Truncate("0123456789", 4); got != "0123..." {
		t.Errorf("Truncate = %q, want %q", got, "0123...")
	}
}

func TestBaseAdapterSeenMessage(t *testing.T) {
	a := NewBaseAdapter("test", "default", nil, 10, 25)

	if a.SeenMessage("chat1", "m1") {
		t.Error("first delivery reported as duplicate")
	}
	if !a.SeenMessage("chat1", "m1") {
		t.Error("redelivery not reported as duplicate")
	}
	if a.SeenMessage("chat2", "m1") {
		t.Error("same message id in another conversation treated as duplicate")
	}
}

func TestBaseAdapterPublishOverflowReleasesDedupSlot(t *testing.T) {
	msgBus := bus.New()
	// Saturate the bounded inbound queue.
	for i := 0; msgBus.PublishInbound(bus.InboundMessage{ExternalMessageID: fmt.Sprintf("fill-%d", i)}); i++ {
	}

	a := NewBaseAdapter("test", "default", msgBus, 10, 25)
	if a.SeenMessage("chat1", "m1") {
		t.Fatal("fresh event reported as duplicate")
	}

	// The publish is dropped, so the event's dedup slot must be released —
	// otherwise the platform's redelivery would be suppressed and the message
	// would never reach the pipeline.
	a.Publish(&bus.InboundMessage{
		ExternalConversationID: "chat1",
		ExternalMessageID:      "m1",
		Text:                   "hello",
	})
	if a.SeenMessage("chat1", "m1") {
		t.Error("dropped message still holds its dedup slot")
	}

	// With queue space available the publish sticks and the slot is kept.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := msgBus.ConsumeInbound(ctx); !ok {
		t.Fatal("drain failed")
	}
	if a.SeenMessage("chat1", "m2") {
		t.Fatal("fresh event reported as duplicate")
	}
	a.Publish(&bus.InboundMessage{
		ExternalConversationID: "chat1",
		ExternalMessageID:      "m2",
		Text:                   "hello again",
	})
	if !a.SeenMessage("chat1", "m2") {
		t.Error("published message lost its dedup slot")
	}
}

func TestBaseAdapterRunningState(t *testing.T) {
	a := NewBaseAdapter("test", "default", nil, 10, 25)
	if a.IsRunning() {
		t.Error("fresh adapter reported running")
	}
	a.SetRunning(true)
	if !a.IsRunning() {
		t.Error("SetRunning(true) not observed")
	}
}
