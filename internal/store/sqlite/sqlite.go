// Package sqlite implements the storage contracts on SQLite (standalone
// mode). The schema is created on open; single-file deployments carry no
// separate migration step.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/replyops/replygate/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	channel             TEXT NOT NULL,
	conversation_id     TEXT NOT NULL,
	external_message_id TEXT NOT NULL,
	direction           TEXT NOT NULL,
	sender_name         TEXT NOT NULL DEFAULT '',
	text                TEXT NOT NULL,
	timestamp_ms        INTEGER NOT NULL,
	created_at          TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external
	ON messages (tenant_id, channel, conversation_id, external_message_id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages (tenant_id, channel, conversation_id, timestamp_ms);

CREATE TABLE IF NOT EXISTS tenant_settings (
	tenant_id  TEXT PRIMARY KEY,
	settings   TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS deliveries (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	channel         TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	reply_text      TEXT NOT NULL,
	intent          TEXT NOT NULL DEFAULT '',
	verdict         TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	next_attempt_at TIMESTAMP NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_due
	ON deliveries (status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_deliveries_tenant
	ON deliveries (tenant_id, status, created_at);
`

// OpenDB opens (creating if needed) the SQLite database file.
func OpenDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return db, nil
}

// NewStores creates all stores backed by a single SQLite file.
func NewStores(path string) (*store.Stores, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Conversations: NewConversationStore(db),
		Settings:      NewSettingsStore(db),
		Queue:         NewQueueStore(db),
		Close:         db.Close,
	}, nil
}
