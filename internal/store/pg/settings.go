package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/replyops/replygate/internal/decision"
	"github.com/replyops/replygate/internal/store"
)

// SettingsStore implements store.SettingsStore backed by Postgres. Settings
// are stored as one JSONB blob per tenant; the Go type is the schema.
type SettingsStore struct {
	db *sql.DB
}

func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

func (s *SettingsStore) Get(ctx context.Context, tenantID string) (*decision.Settings, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT settings FROM tenant_settings WHERE tenant_id = $1`, tenantID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant settings: %w", err)
	}

	var out decision.Settings
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode tenant settings: %w", err)
	}
	return &out, nil
}

func (s *SettingsStore) Put(ctx context.Context, tenantID string, settings decision.Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode tenant settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenant_settings (tenant_id, settings, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id) DO UPDATE SET settings = $2, updated_at = $3`,
		tenantID, raw, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("put tenant settings: %w", err)
	}
	return nil
}
