// Package store defines the storage contracts for conversations, per-tenant
// decision settings and the outbound delivery queue. Two backends exist:
// Postgres (managed mode) and SQLite (standalone mode); both speak
// database/sql and share the same schema shape.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/replyops/replygate/internal/bus"
	"github.com/replyops/replygate/internal/decision"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

// Message is a stored conversation message, either direction.
type Message struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	Channel           string    `json:"channel"`
	ConversationID    string    `json:"conversation_id"` // platform-native conversation ref
	ExternalMessageID string    `json:"external_message_id"`
	Direction         string    `json:"direction"` // "in" or "out"
	SenderName        string    `json:"sender_name,omitempty"`
	Text              string    `json:"text"`
	TimestampMs       int64     `json:"timestamp_ms"`
	CreatedAt         time.Time `json:"created_at"`
}

// Delivery is a queued outbound reply. Lifecycle:
//
//	awaiting_approval → queued → sent
//	                  ↘ rejected      queued → failed (attempts exhausted)
//
// AUTO_SEND verdicts that hit a retryable send error enter at "queued";
// NEED_APPROVAL verdicts enter at "awaiting_approval".
type Delivery struct {
	ID             string           `json:"id"`
	TenantID       string           `json:"tenant_id"`
	Channel        string           `json:"channel"`
	ConversationID string           `json:"conversation_id"`
	ReplyText      string           `json:"reply_text"`
	Intent         string           `json:"intent,omitempty"`
	Verdict        decision.Verdict `json:"verdict"`
	Status         string           `json:"status"`
	Attempts       int              `json:"attempts"`
	LastError      string           `json:"last_error,omitempty"`
	NextAttemptAt  time.Time        `json:"next_attempt_at"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Delivery statuses.
const (
	DeliveryAwaitingApproval = "awaiting_approval"
	DeliveryQueued           = "queued"
	DeliverySent             = "sent"
	DeliveryFailed           = "failed"
	DeliveryRejected         = "rejected"
)

// ConversationStore persists conversation history. AppendInbound is the
// cross-restart idempotency barrier: a message already stored reports
// isNew=false and the pipeline emits no further side effects for it.
type ConversationStore interface {
	AppendInbound(ctx context.Context, msg bus.InboundMessage) (isNew bool, err error)
	AppendOutbound(ctx context.Context, msg bus.OutboundMessage, externalMessageID string, timestampMs int64) error
	History(ctx context.Context, tenantID, channel, conversationID string, limit int) ([]Message, error)
}

// SettingsStore persists per-tenant decision settings. Get returns
// ErrNotFound for tenants that never saved settings; callers fall back to
// config defaults.
type SettingsStore interface {
	Get(ctx context.Context, tenantID string) (*decision.Settings, error)
	Put(ctx context.Context, tenantID string, s decision.Settings) error
}

// QueueStore persists the outbound delivery queue.
type QueueStore interface {
	Enqueue(ctx context.Context, d *Delivery) error
	Get(ctx context.Context, id string) (*Delivery, error)
	// Due returns queued deliveries whose next attempt time has passed.
	Due(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
	// ListByStatus returns a tenant's deliveries in a given status, newest first.
	ListByStatus(ctx context.Context, tenantID, status string, limit int) ([]*Delivery, error)
	SetStatus(ctx context.Context, id, status string) error
	// Reschedule records a failed attempt and the next retry time.
	Reschedule(ctx context.Context, id string, attempts int, lastError string, next time.Time) error
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Conversations ConversationStore
	Settings      SettingsStore
	Queue         QueueStore

	// Close releases the underlying database handle.
	Close func() error
}
