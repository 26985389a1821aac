package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/replyops/replygate/internal/store"
)

// QueueStore implements store.QueueStore backed by SQLite.
type QueueStore struct {
	db *sql.DB
}

func NewQueueStore(db *sql.DB) *QueueStore {
	return &QueueStore{db: db}
}

func (s *QueueStore) Enqueue(ctx context.Context, d *store.Delivery) error {
	if d.ID == "" {
		d.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = now
	}

	verdict, err := json.Marshal(d.Verdict)
	if err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deliveries (id, tenant_id, channel, conversation_id, reply_text, intent,
		                         verdict, status, attempts, last_error, next_attempt_at,
		                         created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.Channel, d.ConversationID, d.ReplyText, d.Intent,
		verdict, d.Status, d.Attempts, d.LastError, d.NextAttemptAt,
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	return nil
}

const deliveryColumns = `id, tenant_id, channel, conversation_id, reply_text, intent,
	verdict, status, attempts, last_error, next_attempt_at, created_at, updated_at`

func scanDelivery(row interface{ Scan(...any) error }) (*store.Delivery, error) {
	var (
		d       store.Delivery
		verdict []byte
	)
	if err := row.Scan(&d.ID, &d.TenantID, &d.Channel, &d.ConversationID, &d.ReplyText,
		&d.Intent, &verdict, &d.Status, &d.Attempts, &d.LastError, &d.NextAttemptAt,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if len(verdict) > 0 {
		if err := json.Unmarshal(verdict, &d.Verdict); err != nil {
			return nil, fmt.Errorf("decode verdict: %w", err)
		}
	}
	return &d, nil
}

func (s *QueueStore) Get(ctx context.Context, id string) (*store.Delivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

func (s *QueueStore) Due(ctx context.Context, now time.Time, limit int) ([]*store.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries
		 WHERE status = ? AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC
		 LIMIT ?`,
		store.DeliveryQueued, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due deliveries: %w", err)
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func (s *QueueStore) ListByStatus(ctx context.Context, tenantID, status string, limit int) ([]*store.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries
		 WHERE tenant_id = ? AND status = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		tenantID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func collectDeliveries(rows *sql.Rows) ([]*store.Delivery, error) {
	var out []*store.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

func (s *QueueStore) SetStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update delivery status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *QueueStore) Reschedule(ctx context.Context, id string, attempts int, lastError string, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ?`,
		attempts, lastError, next, time.Now(), id)
	if err != nil {
		return fmt.Errorf("reschedule delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
