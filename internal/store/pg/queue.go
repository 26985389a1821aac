package pg

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

// QueueStore implements store.QueueStore backed by Postgres.
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
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
		`SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id)
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
		 WHERE status = $1 AND next_attempt_at <= $2
		 ORDER BY next_attempt_at ASC
		 LIMIT $3`,
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
		 WHERE tenant_id = $1 AND status = $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
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
		`UPDATE deliveries SET status = $1, updated_at = $2 WHERE id = $3`,
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
		`UPDATE deliveries SET attempts = $1, last_error = $2, next_attempt_at = $3, updated_at = $4
		 WHERE id = $5`,
		attempts, lastError, next, time.Now(), id)
	if err != nil {
		return fmt.Errorf("reschedule delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
