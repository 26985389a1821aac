package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// JSONLRecorder appends audit events to a JSONL file, rotating it when it
// exceeds rotateMaxBytes (previous file moved aside as <path>.1).
type JSONLRecorder struct {
	path           string
	rotateMaxBytes int64

	mu      sync.Mutex
	file    *os.File
	written int64
}

// NewJSONLRecorder opens (or creates) the audit log for appending.
// rotateMaxBytes <= 0 disables rotation.
func NewJSONLRecorder(path string, rotateMaxBytes int64) (*JSONLRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat audit log: %w", err)
	}
	return &JSONLRecorder{
		path:           path,
		rotateMaxBytes: rotateMaxBytes,
		file:           f,
		written:        info.Size(),
	}, nil
}

// Record implements Recorder.
func (r *JSONLRecorder) Record(_ context.Context, e Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rotateMaxBytes > 0 && r.written+int64(len(line)) > r.rotateMaxBytes {
		if err := r.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := r.file.Write(line)
	r.written += int64(n)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *JSONLRecorder) rotateLocked() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close audit log for rotation: %w", err)
	}
	if err := os.Rename(r.path, r.path+".1"); err != nil {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen audit log: %w", err)
	}
	r.file = f
	r.written = 0
	return nil
}

// SlogRecorder mirrors audit events into the structured log. Useful in
// development and as a secondary sink.
type SlogRecorder struct{}

// Record implements Recorder.
func (SlogRecorder) Record(_ context.Context, e Event) error {
	slog.Info("audit",
		"kind", e.Kind,
		"entity_ref", e.EntityRef,
		"actor", e.Actor,
		"metadata", e.Metadata,
	)
	return nil
}
