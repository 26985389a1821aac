package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/replyops/replygate/internal/bus"
	"github.com/replyops/replygate/internal/store"
)

// ConversationStore implements store.ConversationStore backed by Postgres.
type ConversationStore struct {
	db *sql.DB
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// AppendInbound stores an inbound message. The unique index on
// (tenant_id, channel, conversation_id, external_message_id) plus
// ON CONFLICT DO NOTHING makes the insert the idempotency check itself:
// zero rows affected means the message was already processed.
func (s *ConversationStore) AppendInbound(ctx context.Context, msg bus.InboundMessage) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, tenant_id, channel, conversation_id, external_message_id,
		                       direction, sender_name, text, timestamp_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, 'in', $6, $7, $8, $9)
		 ON CONFLICT (tenant_id, channel, conversation_id, external_message_id) DO NOTHING`,
		uuid.Must(uuid.NewV7()), msg.TenantID, msg.Channel, msg.ExternalConversationID,
		msg.ExternalMessageID, msg.SenderName, msg.Text, msg.Timestamp, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("append inbound message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append inbound message: %w", err)
	}
	return n > 0, nil
}

// AppendOutbound stores a sent reply.
func (s *ConversationStore) AppendOutbound(ctx context.Context, msg bus.OutboundMessage, externalMessageID string, timestampMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, tenant_id, channel, conversation_id, external_message_id,
		                       direction, sender_name, text, timestamp_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, 'out', '', $6, $7, $8)
		 ON CONFLICT (tenant_id, channel, conversation_id, external_message_id) DO NOTHING`,
		uuid.Must(uuid.NewV7()), msg.TenantID, msg.Channel, msg.ConversationRef,
		externalMessageID, msg.Text, timestampMs, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("append outbound message: %w", err)
	}
	return nil
}

// History returns the most recent messages of a conversation, oldest first.
func (s *ConversationStore) History(ctx context.Context, tenantID, channel, conversationID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, channel, conversation_id, external_message_id,
		        direction, sender_name, text, timestamp_ms, created_at
		 FROM messages
		 WHERE tenant_id = $1 AND channel = $2 AND conversation_id = $3
		 ORDER BY timestamp_ms DESC
		 LIMIT $4`,
		tenantID, channel, conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Channel, &m.ConversationID,
			&m.ExternalMessageID, &m.Direction, &m.SenderName, &m.Text,
			&m.TimestampMs, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	// Reverse to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
