package channels

import (
	"context"
	"net/http"
	"slices"
	"testing"

	"github.com/replyops/replygate/internal/bus"
	"github.com/replyops/replygate/internal/flags"
)

// fakeAdapter is a minimal Adapter for registry tests.
type fakeAdapter struct {
	name    string
	running bool
}

func (f *fakeAdapter) Name() string                     { return f.name }
func (f *fakeAdapter) Start(ctx context.Context) error  { f.running = true; return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error   { f.running = false; return nil }
func (f *fakeAdapter) IsRunning() bool                  { return f.running }
func (f *fakeAdapter) ParseIncoming(raw []byte) (*bus.InboundMessage, bool) {
	return nil, false
}
func (f *fakeAdapter) Send(ctx context.Context, msg bus.OutboundMessage) (SendResult, error) {
	return SendResult{MessageID: "fake"}, nil
}
func (f *fakeAdapter) VerifyWebhook(header http.Header, body []byte) VerifyResult {
	return VerifyResult{Valid: true, Reason: ReasonNoSecret}
}

func TestRegistryResolve(t *testing.T) {
	table := flags.Static{
		flags.ChannelFlag("telegram"): true,
		flags.ChannelFlag("whatsapp"): false,
	}
	r := NewRegistry(table)
	r.Register(&fakeAdapter{name: "telegram"})
	r.Register(&fakeAdapter{name: "whatsapp"})

	if res := r.Resolve("telegram", "default"); res.Adapter == nil || res.Disabled {
		t.Errorf("enabled channel not resolved: %+v", res)
	}

	if res := r.Resolve("whatsapp", "default"); res.Adapter != nil || !res.Disabled {
		t.Errorf("flag-off channel must resolve as disabled, got %+v", res)
	}

	if res := r.Resolve("missing", "default"); res.Adapter != nil || res.Disabled {
		t.Errorf("unknown channel must be not-found, not disabled: %+v", res)
	}
}

func TestRegistryResolveTenantOverride(t *testing.T) {
	table := flags.Static{
		flags.ChannelFlag("telegram"):           true,
		flags.ChannelFlag("telegram") + "@acme": false,
	}
	r := NewRegistry(table)
	r.Register(&fakeAdapter{name: "telegram"})

	if res := r.Resolve("telegram", "default"); res.Disabled {
		t.Error("global flag on, default tenant should resolve")
	}
	if res := r.Resolve("telegram", "acme"); !res.Disabled {
		t.Error("tenant override off, acme should see channel disabled")
	}
}

func TestRegistryListEnabled(t *testing.T) {
	table := flags.Static{
		flags.ChannelFlag("telegram"): true,
		flags.ChannelFlag("max"):      true,
	}
	r := NewRegistry(table)
	r.Register(&fakeAdapter{name: "telegram"})
	r.Register(&fakeAdapter{name: "max"})
	r.Register(&fakeAdapter{name: "whatsapp"}) // no flag => off

	got := r.ListEnabled("default")
	slices.Sort(got)
	want := []string{"max", "telegram"}
	if !slices.Equal(got, want) {
		t.Errorf("ListEnabled = %v, want %v", got, want)
	}
}

func TestRegistryStartStopAll(t *testing.T) {
	r := NewRegistry(flags.Static{})
	a := &fakeAdapter{name: "telegram"}
	b := &fakeAdapter{name: "max"}
	r.Register(a)
	r.Register(b)

	r.StartAll(context.Background())
	status := r.Status()
	if !status["telegram"] || !status["max"] {
		t.Errorf("StartAll: status = %v, want all running", status)
	}

	r.StopAll(context.Background())
	status = r.Status()
	if status["telegram"] || status["max"] {
		t.Errorf("StopAll: status = %v, want all stopped", status)
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry(flags.Static{flags.ChannelFlag("telegram"): true})
	r.Register(&fakeAdapter{name: "telegram"})
	r.Unregister("telegram")

	if res := r.Resolve("telegram", "default"); res.Adapter != nil {
		t.Error("unregistered adapter still resolvable")
	}
}
