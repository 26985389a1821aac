// Package channels provides the channel abstraction layer for multi-platform
// messaging. An Adapter converts raw platform events into canonical inbound
// messages and canonical send requests into platform API calls, owning the
// per-platform retry/backoff and rate-limit behaviour.
package channels

import (
	"context"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/replyops/replygate/internal/bus"
)

// SendResult reports a completed outbound attempt. Only returned on success;
// failures are classified SendErrors.
type SendResult struct {
	MessageID string // platform-assigned external message id, may be synthetic
	Timestamp int64  // epoch milliseconds
}

// Adapter is the canonical per-platform contract.
type Adapter interface {
	// Name returns the channel identifier (e.g. "telegram", "max_personal").
	Name() string

	// Start begins listening for platform events. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the adapter.
	Stop(ctx context.Context) error

	// Send delivers text to a conversation, truncating to the platform's
	// hard message-length limit first. The returned error, when non-nil, is
	// a *SendError carrying the failure classification.
	Send(ctx context.Context, msg bus.OutboundMessage) (SendResult, error)

	// ParseIncoming converts a raw platform event into a canonical message.
	// Returns (nil, false) — not an error — for malformed payloads, events
	// without text or media, and duplicates already seen by this adapter's
	// dedup window. Safe to call with unvalidated external input.
	ParseIncoming(raw []byte) (*bus.InboundMessage, bool)

	// VerifyWebhook checks the platform's signature convention against the
	// raw body. With no secret configured every request is valid (explicit
	// insecure-by-default for development).
	VerifyWebhook(header http.Header, body []byte) VerifyResult

	// IsRunning reports whether the adapter is actively processing events.
	IsRunning() bool
}

// TypingAdapter is an optional capability: adapters that can toggle the
// platform's typing indicator. Both calls are best-effort — failures are
// logged and swallowed, never blocking message delivery.
type TypingAdapter interface {
	Adapter
	StartTyping(ctx context.Context, conversationRef string) error
	StopTyping(ctx context.Context, conversationRef string) error
}

// BaseAdapter provides shared adapter state: bus publication, the dedup
// window, an outbound API rate limiter and running flag. Adapter
// implementations embed this struct.
type BaseAdapter struct {
	name     string
	tenantID string
	bus      *bus.MessageBus
	dedup    *DedupSet
	limiter  *rate.Limiter
	running  bool
}

// NewBaseAdapter creates adapter scaffolding. rps bounds outbound API calls
// per second (0 = platform default of 25).
func NewBaseAdapter(name, tenantID string, msgBus *bus.MessageBus, dedupCapacity int, rps float64) *BaseAdapter {
	if rps <= 0 {
		rps = 25
	}
	return &BaseAdapter{
		name:     name,
		tenantID: tenantID,
		bus:      msgBus,
		dedup:    NewDedupSet(dedupCapacity),
		limiter:  rate.NewLimiter(rate.Limit(rps), int(rps)),
	}
}

// Name returns the channel identifier.
func (a *BaseAdapter) Name() string { return a.name }

// TenantID returns the tenant this adapter instance serves.
func (a *BaseAdapter) TenantID() string { return a.tenantID }

// Bus returns the message bus reference.
func (a *BaseAdapter) Bus() *bus.MessageBus { return a.bus }

// IsRunning reports the running state.
func (a *BaseAdapter) IsRunning() bool { return a.running }

// SetRunning updates the running state.
func (a *BaseAdapter) SetRunning(running bool) { a.running = running }

// WaitLimiter blocks until the outbound rate limiter admits a call.
func (a *BaseAdapter) WaitLimiter(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// SeenMessage atomically records a platform event in the dedup window.
// Returns true for a duplicate; callers must then emit no downstream side
// effect at all.
func (a *BaseAdapter) SeenMessage(conversationID, messageID string) bool {
	return a.dedup.Seen(DedupKey(conversationID, messageID))
}

// Publish forwards a canonical message to the processing pipeline. If the
// queue is full the message is dropped and its dedup slot released, so the
// platform's redelivery of the event is admitted rather than suppressed.
func (a *BaseAdapter) Publish(msg *bus.InboundMessage) {
	if msg == nil {
		return
	}
	if msg.TenantID == "" {
		msg.TenantID = a.tenantID
	}
	if !a.bus.PublishInbound(*msg) {
		a.ForgetMessage(msg.ExternalConversationID, msg.ExternalMessageID)
	}
}

// ForgetMessage releases an event's dedup slot, re-admitting a later
// redelivery. Called when the message could not reach the pipeline.
func (a *BaseAdapter) ForgetMessage(conversationID, messageID string) {
	a.dedup.Forget(DedupKey(conversationID, messageID))
}

// TruncateToLimit shortens text to the platform's hard message-length limit,
// counting runes and never splitting one. Truncation is logged — never
// silent — and reported to the caller.
func TruncateToLimit(channel, text string, limit int) (string, bool) {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text, false
	}
	runes := []rune(text)
	out := string(runes[:limit])
	slog.Warn("outbound text truncated to platform limit",
		"channel", channel,
		"limit", limit,
		"original_runes", len(runes),
	)
	return out, true
}

// Truncate shortens a string to maxLen runes, appending "..." if truncated.
// For log previews only.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
