// Package audit records irreversible actions (sends, verdicts, settings
// changes) to pluggable sinks.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event kinds recorded by the gateway.
const (
	KindMessageSent     = "message.sent"
	KindSendFailed      = "message.send_failed"
	KindVerdictDecided  = "verdict.decided"
	KindVerdictQueued   = "verdict.queued"
	KindSettingsUpdated = "settings.updated"
)

// Event is a single audit record.
type Event struct {
	ID        string            `json:"id"`
	Time      time.Time         `json:"time"`
	Kind      string            `json:"kind"`
	EntityRef string            `json:"entity_ref"` // conversation/message/tenant reference
	Actor     string            `json:"actor"`      // "system", channel name, or operator id
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Recorder is the audit collaborator interface. Implementations must be safe
// for concurrent use.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// NewEvent fills in id and timestamp.
func NewEvent(kind, entityRef, actor string, metadata map[string]string) Event {
	return Event{
		ID:        uuid.NewString(),
		Time:      time.Now().UTC(),
		Kind:      kind,
		EntityRef: entityRef,
		Actor:     actor,
		Metadata:  metadata,
	}
}

// Multi fans an event out to several recorders, returning the first error
// after attempting all of them.
type Multi []Recorder

// Record implements Recorder.
func (m Multi) Record(ctx context.Context, e Event) error {
	var first error
	for _, r := range m {
		if err := r.Record(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Discard drops every event. Used in tests.
type Discard struct{}

// Record implements Recorder.
func (Discard) Record(context.Context, Event) error { return nil }
