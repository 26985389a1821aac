package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/replyops/replygate/internal/flags"
)

// Resolution is the outcome of resolving a channel for a tenant.
// Disabled (flag off for the tenant) is distinct from not-found: it is an
// expected runtime state reflecting deliberate rollout control and must never
// be logged as an error.
type Resolution struct {
	Adapter  Adapter // nil when not found or disabled
	Disabled bool
	Reason   string
}

// Registry holds one adapter per channel identifier and gates each channel's
// availability behind a runtime-toggleable flag. It is the only component
// that answers "which adapter handles channel X for tenant Y".
//
// The registry is an explicit value passed into the inbound/outbound entry
// points — not a module-level singleton — so tests can build isolated
// channel mixes.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	flags    flags.Provider
}

// NewRegistry creates an empty registry evaluating availability against the
// given flag provider.
func NewRegistry(flagProvider flags.Provider) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		flags:    flagProvider,
	}
}

// Register adds an adapter. Registration is append-only at process start;
// re-registering a name replaces the adapter (used by tests and hot-reload).
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Name()] = adapter
}

// Unregister removes an adapter by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, name)
}

// Resolve returns the adapter handling channelID for tenantID.
func (r *Registry) Resolve(channelID, tenantID string) Resolution {
	r.mu.RLock()
	adapter, ok := r.adapters[channelID]
	r.mu.RUnlock()

	if !ok {
		return Resolution{Reason: "adapter not found"}
	}
	if !r.flags.Enabled(flags.ChannelFlag(channelID), tenantID) {
		return Resolution{Disabled: true, Reason: "channel flag off for tenant"}
	}
	return Resolution{Adapter: adapter}
}

// ListEnabled returns the names of registered channels whose flag evaluates
// true for the tenant. Performs no network I/O beyond the flag lookup.
func (r *Registry) ListEnabled(tenantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		if r.flags.Enabled(flags.ChannelFlag(name), tenantID) {
			names = append(names, name)
		}
	}
	return names
}

// All returns every registered adapter regardless of flag state.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// StartAll starts every registered adapter. A failed start is logged and
// skipped — one channel down must not keep the rest offline.
func (r *Registry) StartAll(ctx context.Context) {
	for _, adapter := range r.All() {
		slog.Info("starting channel", "channel", adapter.Name())
		if err := adapter.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", adapter.Name(), "error", err)
		}
	}
}

// StopAll gracefully stops every registered adapter.
func (r *Registry) StopAll(ctx context.Context) {
	for _, adapter := range r.All() {
		slog.Info("stopping channel", "channel", adapter.Name())
		if err := adapter.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", adapter.Name(), "error", err)
		}
	}
}

// Status reports the running state of all registered channels.
func (r *Registry) Status() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := make(map[string]bool, len(r.adapters))
	for name, adapter := range r.adapters {
		status[name] = adapter.IsRunning()
	}
	return status
}
