package bus

import "context"

// InboundMessage is the canonical platform-independent representation of an
// incoming chat event. Adapters produce exactly one per distinct platform
// event (duplicate deliveries are suppressed by the adapter's dedup window).
// Immutable after creation.
type InboundMessage struct {
	Channel                string            `json:"channel"`
	TenantID               string            `json:"tenant_id"`
	ExternalMessageID      string            `json:"external_message_id"`
	ExternalConversationID string            `json:"external_conversation_id"`
	ExternalUserID         string            `json:"external_user_id"`
	SenderName             string            `json:"sender_name,omitempty"`
	Text                   string            `json:"text"`
	Timestamp              int64             `json:"timestamp"` // epoch milliseconds
	Attachments            []Attachment      `json:"attachments,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a reply to be delivered to a channel.
type OutboundMessage struct {
	Channel         string            `json:"channel"`
	TenantID        string            `json:"tenant_id"`
	ConversationRef string            `json:"conversation_ref"` // platform chat id
	Text            string            `json:"text"`
	ReplyTo         string            `json:"reply_to,omitempty"` // external message id to reply to
	Attachments     []Attachment      `json:"attachments,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Attachment represents a media item on a message.
type Attachment struct {
	Type    string `json:"type"` // "image", "video", "audio", "document"
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

// Event is a server-side event broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound message routing between channels and the
// processing pipeline. Outbound delivery does not go through the bus: the
// dispatcher calls adapters directly so send outcomes stay synchronous.
type MessageRouter interface {
	// PublishInbound reports whether the message was accepted; false means
	// the bounded queue was full and the message dropped.
	PublishInbound(msg InboundMessage) bool
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
}
