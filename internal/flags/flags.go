// Package flags provides runtime feature-flag evaluation. Flags gate channel
// availability per tenant and the global autosend capability. Reads are
// synchronous and never block on a refresh in progress — stale-by-one-refresh
// is acceptable, a blocked read is not.
package flags

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Well-known flag names.
const (
	AutosendEnabled = "autosend.enabled"
)

// ChannelFlag returns the availability flag name for a channel.
func ChannelFlag(channel string) string { return "channel." + channel }

// Provider evaluates a boolean flag for a tenant. tenantID may be empty for
// global evaluation. A tenant-specific value overrides the global one.
type Provider interface {
	Enabled(flag, tenantID string) bool
}

// Static is a fixed in-memory provider, used in tests and as the default when
// no flags file is configured. Keys are "flag" for global values and
// "flag@tenant" for tenant overrides.
type Static map[string]bool

// Enabled implements Provider.
func (s Static) Enabled(flag, tenantID string) bool {
	if tenantID != "" {
		if v, ok := s[flag+"@"+tenantID]; ok {
			return v
		}
	}
	return s[flag]
}

// FileProvider reads flags from a JSON file and hot-reloads on change via
// fsnotify. The current flag table is an immutable snapshot swapped under a
// write lock, so Enabled never blocks while a reload is parsing.
type FileProvider struct {
	path string

	mu       sync.RWMutex
	snapshot Static

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileProvider loads the flags file and starts watching it. A missing
// file is not an error — it yields an empty snapshot (all flags off) that
// fills in once the file appears.
func NewFileProvider(path string) (*FileProvider, error) {
	p := &FileProvider{
		path:     path,
		snapshot: Static{},
		done:     make(chan struct{}),
	}
	if err := p.reload(); err != nil {
		slog.Warn("flags file not loaded, all flags off until it appears", "path", path, "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	p.watcher = watcher
	// Watch the directory: editors replace files, which drops a file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	go p.watchLoop()
	return p, nil
}

// Enabled implements Provider against the current snapshot.
func (p *FileProvider) Enabled(flag, tenantID string) bool {
	p.mu.RLock()
	snap := p.snapshot
	p.mu.RUnlock()
	return snap.Enabled(flag, tenantID)
}

// Close stops the file watcher.
func (p *FileProvider) Close() error {
	close(p.done)
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

func (p *FileProvider) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	next := Static{}
	if err := json.Unmarshal(data, &next); err != nil {
		return err
	}

	p.mu.Lock()
	p.snapshot = next
	p.mu.Unlock()

	slog.Info("feature flags reloaded", "path", p.path, "count", len(next))
	return nil
}

func (p *FileProvider) watchLoop() {
	for {
		select {
		case <-p.done:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != p.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.reload(); err != nil {
				// Keep serving the previous snapshot on a bad write.
				slog.Warn("flags reload failed, keeping previous snapshot", "error", err)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("flags watcher error", "error", err)
		}
	}
}
