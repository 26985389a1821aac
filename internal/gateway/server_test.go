package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/replyops/replygate/internal/bus"
	"github.com/replyops/replygate/internal/channels"
	"github.com/replyops/replygate/internal/config"
	"github.com/replyops/replygate/internal/decision"
	"github.com/replyops/replygate/internal/delivery"
	"github.com/replyops/replygate/internal/flags"
	"github.com/replyops/replygate/internal/replier"
	"github.com/replyops/replygate/internal/store"
	"github.com/replyops/replygate/internal/store/sqlite"
)

type fakeAdapter struct {
	name    string
	verify  channels.VerifyResult
	parsed  *bus.InboundMessage
	dedup   *channels.DedupSet
	sendErr error

	mu      sync.Mutex
	sent    []bus.OutboundMessage
	running bool
}

func (f *fakeAdapter) Name() string                { return f.name }
func (f *fakeAdapter) Start(context.Context) error { f.running = true; return nil }
func (f *fakeAdapter) Stop(context.Context) error  { f.running = false; return nil }
func (f *fakeAdapter) IsRunning() bool             { return f.running }

func (f *fakeAdapter) Send(_ context.Context, msg bus.OutboundMessage) (channels.SendResult, error) {
	if f.sendErr != nil {
		return channels.SendResult{}, f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return channels.SendResult{MessageID: "out-1", Timestamp: 1700000009000}, nil
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeAdapter) ParseIncoming([]byte) (*bus.InboundMessage, bool) {
	if f.parsed == nil {
		return nil, false
	}
	if f.dedup != nil && f.dedup.Seen(channels.DedupKey(f.parsed.ExternalConversationID, f.parsed.ExternalMessageID)) {
		return nil, false
	}
	msg := *f.parsed
	return &msg, true
}

func (f *fakeAdapter) ForgetMessage(conversationID, messageID string) {
	if f.dedup != nil {
		f.dedup.Forget(channels.DedupKey(conversationID, messageID))
	}
}

func (f *fakeAdapter) VerifyWebhook(http.Header, []byte) channels.VerifyResult {
	if f.verify == (channels.VerifyResult{}) {
		return channels.VerifyResult{Valid: true, Reason: channels.ReasonNoSecret}
	}
	return f.verify
}

type whatsappFake struct {
	fakeAdapter
	verifyToken string
}

func (f *whatsappFake) VerifyToken() string { return f.verifyToken }

type fakeGenerator struct {
	mu    sync.Mutex
	cand  *replier.Candidate
	err   error
	calls int
}

func (g *fakeGenerator) Generate(context.Context, bus.InboundMessage) (*replier.Candidate, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	cand := *g.cand
	return &cand, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type recordingNotifier struct {
	mu        sync.Mutex
	approvals []string
	escalated []string
	failed    []string
}

func (n *recordingNotifier) ApprovalNeeded(_ context.Context, d *store.Delivery) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.approvals = append(n.approvals, d.ID)
	return nil
}

func (n *recordingNotifier) Escalated(_ context.Context, _, _, _, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.escalated = append(n.escalated, reason)
	return nil
}

func (n *recordingNotifier) DeliveryFailed(_ context.Context, d *store.Delivery) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, d.ID)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

type testEnv struct {
	server   *Server
	bus      *bus.MessageBus
	stores   *store.Stores
	adapter  *fakeAdapter
	gen      *fakeGenerator
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T, adapter channels.Adapter, flagTable flags.Static, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Delivery.TypingSimulation = false
	if mutate != nil {
		mutate(cfg)
	}

	stores, err := sqlite.NewStores(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("NewStores: %v", err)
	}
	t.Cleanup(func() { _ = stores.Close() })

	msgBus := bus.New()
	registry := channels.NewRegistry(flagTable)
	var fa *fakeAdapter
	if adapter != nil {
		registry.Register(adapter)
		if a, ok := adapter.(*fakeAdapter); ok {
			fa = a
		}
	}

	dispatcher := delivery.NewDispatcher(registry, stores.Conversations, stores.Queue, nil, cfg.Delivery)
	gen := &fakeGenerator{cand: &replier.Candidate{Reply: "default reply", Intent: "faq"}}
	notifier := &recordingNotifier{}

	s := NewServer(cfg, msgBus, registry, flagTable, stores, dispatcher, gen, nil, notifier)
	return &testEnv{server: s, bus: msgBus, stores: stores, adapter: fa, gen: gen, notifier: notifier}
}

func enabledFlags(channel string) flags.Static {
	return flags.Static{flags.ChannelFlag(channel): true}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "192.0.2.1:1234"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.BuildMux().ServeHTTP(rec, req)
	return rec
}

func sampleInbound() *bus.InboundMessage {
	return &bus.InboundMessage{
		Channel:                "telegram",
		ExternalMessageID:      "42",
		ExternalConversationID: "1001",
		SenderName:             "Ada",
		Text:                   "hello",
		Timestamp:              1700000000000,
	}
}

func TestWebhookAcceptsValidDelivery(t *testing.T) {
	adapter := &fakeAdapter{name: "telegram", parsed: sampleInbound()}
	env := newTestEnv(t, adapter, enabledFlags("telegram"), nil)

	rec := env.do(t, http.MethodPost, "/webhooks/telegram", strings.NewReader(`{}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || !resp["ok"] {
		t.Errorf("body = %s", rec.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := env.bus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("message never reached the bus")
	}
	if msg.TenantID != "default" {
		t.Errorf("TenantID = %q, want the configured default", msg.TenantID)
	}
	if msg.Text != "hello" {
		t.Errorf("Text = %q", msg.Text)
	}
}

func TestWebhookTenantPathOverride(t *testing.T) {
	adapter := &fakeAdapter{name: "telegram", parsed: sampleInbound()}
	table := enabledFlags("telegram")
	env := newTestEnv(t, adapter, table, nil)

	rec := env.do(t, http.MethodPost, "/webhooks/telegram/acme", strings.NewReader(`{}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := env.bus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("message never reached the bus")
	}
	if msg.TenantID != "acme" {
		t.Errorf("TenantID = %q, want acme", msg.TenantID)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	adapter := &fakeAdapter{
		name:   "telegram",
		parsed: sampleInbound(),
		verify: channels.VerifyResult{Valid: false, Reason: channels.ReasonMismatch},
	}
	env := newTestEnv(t, adapter, enabledFlags("telegram"), nil)

	rec := env.do(t, http.MethodPost, "/webhooks/telegram", strings.NewReader(`{}`), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := env.bus.ConsumeInbound(ctx); ok {
		t.Error("rejected delivery still reached the bus")
	}
}

func TestWebhookUnknownAndDisabledChannels(t *testing.T) {
	adapter := &fakeAdapter{name: "telegram", parsed: sampleInbound()}
	// telegram registered but flagged off; nothing registered as "max".
	env := newTestEnv(t, adapter, flags.Static{}, nil)

	for _, path := range []string{"/webhooks/max", "/webhooks/telegram"} {
		rec := env.do(t, http.MethodPost, path, strings.NewReader(`{}`), nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("POST %s = %d, want 404", path, rec.Code)
		}
	}
}

func TestWebhookNonMessageEventStillAccepted(t *testing.T) {
	// ParseIncoming returning (nil, false) must not turn into an error status,
	// or the platform would retry the same delivery forever.
	adapter := &fakeAdapter{name: "telegram", parsed: nil}
	env := newTestEnv(t, adapter, enabledFlags("telegram"), nil)

	rec := env.do(t, http.MethodPost, "/webhooks/telegram", strings.NewReader(`{"update_id":1}`), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestWebhookRateLimited(t *testing.T) {
	adapter := &fakeAdapter{name: "telegram", parsed: nil}
	env := newTestEnv(t, adapter, enabledFlags("telegram"), nil)

	var lastCode int
	for i := 0; i < 61; i++ {
		lastCode = env.do(t, http.MethodPost, "/webhooks/telegram", strings.NewReader(`{}`), nil).Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Errorf("61st request = %d, want 429", lastCode)
	}
}

func TestWebhookQueueOverflowAsksForRedelivery(t *testing.T) {
	adapter := &fakeAdapter{
		name:   "telegram",
		parsed: sampleInbound(),
		dedup:  channels.NewDedupSet(100),
	}
	env := newTestEnv(t, adapter, enabledFlags("telegram"), nil)

	// Saturate the bounded inbound queue.
	for env.bus.PublishInbound(bus.InboundMessage{Channel: "filler"}) {
	}

	// The delivery cannot be enqueued: the platform must be told to redeliver
	// instead of getting a 200 for an event that went nowhere.
	rec := env.do(t, http.MethodPost, "/webhooks/telegram", strings.NewReader(`{}`), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("overflowed intake = %d, want 503", rec.Code)
	}

	drained := 0
	for {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		msg, ok := env.bus.ConsumeInbound(drainCtx)
		drainCancel()
		if !ok {
			break
		}
		if msg.ExternalMessageID == "42" {
			t.Fatal("dropped event surfaced while draining filler")
		}
		drained++
	}
	if drained == 0 {
		t.Fatal("drained nothing, queue was never filled")
	}

	// The redelivery must not be suppressed by the dedup window.
	rec = env.do(t, http.MethodPost, "/webhooks/telegram", strings.NewReader(`{}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery = %d, want 200", rec.Code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := env.bus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("redelivered event never reached the pipeline")
	}
	if msg.ExternalMessageID != "42" {
		t.Errorf("got message %q", msg.ExternalMessageID)
	}

	// A further redelivery of the now-processed event is a duplicate: still
	// 200, nothing published.
	rec = env.do(t, http.MethodPost, "/webhooks/telegram", strings.NewReader(`{}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate redelivery = %d, want 200", rec.Code)
	}
	dupCtx, dupCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer dupCancel()
	if _, ok := env.bus.ConsumeInbound(dupCtx); ok {
		t.Error("duplicate event reached the pipeline twice")
	}
}

func TestWhatsAppSubscribeHandshake(t *testing.T) {
	adapter := &whatsappFake{
		fakeAdapter: fakeAdapter{name: "whatsapp"},
		verifyToken: "verify-me",
	}
	env := newTestEnv(t, adapter, enabledFlags("whatsapp"), nil)

	rec := env.do(t, http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "12345" {
		t.Errorf("challenge echo = %q", rec.Body.String())
	}

	rec = env.do(t, http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong token = %d, want 403", rec.Code)
	}
}

func TestAdminAuthBearer(t *testing.T) {
	env := newTestEnv(t, nil, flags.Static{}, func(cfg *config.Config) {
		cfg.Gateway.Token = "secret-token"
	})

	if rec := env.do(t, http.MethodGet, "/v1/status", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/status", nil, map[string]string{
		"Authorization": "Bearer wrong",
	}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/status", nil, map[string]string{
		"Authorization": "Bearer secret-token",
	}); rec.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", rec.Code)
	}
}

func TestAdminAuthOpenWithoutToken(t *testing.T) {
	env := newTestEnv(t, nil, flags.Static{}, nil)
	if rec := env.do(t, http.MethodGet, "/v1/status", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want open admin API in dev mode", rec.Code)
	}
}

func TestStatusAndChannels(t *testing.T) {
	adapter := &fakeAdapter{name: "telegram", running: true}
	env := newTestEnv(t, adapter, enabledFlags("telegram"), nil)

	rec := env.do(t, http.MethodGet, "/v1/status", nil, nil)
	var status struct {
		Tenant          string   `json:"tenant"`
		ChannelsEnabled []string `json:"channels_enabled"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Tenant != "default" {
		t.Errorf("tenant = %q", status.Tenant)
	}
	if len(status.ChannelsEnabled) != 1 || status.ChannelsEnabled[0] != "telegram" {
		t.Errorf("channels_enabled = %v", status.ChannelsEnabled)
	}

	rec = env.do(t, http.MethodGet, "/v1/channels", nil, nil)
	var chans struct {
		Channels []struct {
			Name    string `json:"name"`
			Running bool   `json:"running"`
			Enabled bool   `json:"enabled"`
		} `json:"channels"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &chans); err != nil {
		t.Fatalf("decode channels: %v", err)
	}
	if len(chans.Channels) != 1 {
		t.Fatalf("channels = %+v", chans.Channels)
	}
	c := chans.Channels[0]
	if c.Name != "telegram" || !c.Running || !c.Enabled {
		t.Errorf("channel = %+v", c)
	}
}

func TestGetSettingsFallsBackToDefaults(t *testing.T) {
	env := newTestEnv(t, nil, flags.Static{}, nil)

	rec := env.do(t, http.MethodGet, "/v1/tenants/default/settings", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var s decision.Settings
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatal(err)
	}
	if s.TAuto != 0.80 || s.TEscalate != 0.40 || s.AutosendAllowed {
		t.Errorf("defaults = %+v", s)
	}
}

func TestPutSettingsValidatesAndPersists(t *testing.T) {
	env := newTestEnv(t, nil, flags.Static{}, nil)

	// Misordered thresholds are rejected, never clamped.
	bad := `{"t_auto": 0.4, "t_escalate": 0.8}`
	rec := env.do(t, http.MethodPut, "/v1/tenants/default/settings", strings.NewReader(bad), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("misordered thresholds = %d, want 422", rec.Code)
	}

	rec = env.do(t, http.MethodPut, "/v1/tenants/default/settings", strings.NewReader(`not json`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", rec.Code)
	}

	good := `{"t_auto": 0.9, "t_escalate": 0.5, "autosend_allowed": true, "intents_autosend_allowed": ["faq"]}`
	rec = env.do(t, http.MethodPut, "/v1/tenants/default/settings", strings.NewReader(good), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	stored, err := env.stores.Settings.Get(context.Background(), "default")
	if err != nil {
		t.Fatalf("settings not persisted: %v", err)
	}
	if stored.TAuto != 0.9 || !stored.AutosendAllowed {
		t.Errorf("stored = %+v", stored)
	}
}

func awaitingDelivery(t *testing.T, env *testEnv) *store.Delivery {
	t.Helper()
	d := &store.Delivery{
		TenantID:       "default",
		Channel:        "telegram",
		ConversationID: "1001",
		ReplyText:      "pending reply",
		Intent:         "faq",
		Verdict:        decision.Verdict{Confidence: 0.7, Decision: decision.NeedApproval},
		Status:         store.DeliveryAwaitingApproval,
		NextAttemptAt:  time.Now(),
	}
	if err := env.stores.Queue.Enqueue(context.Background(), d); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return d
}

func TestApproveDeliveryDispatches(t *testing.T) {
	adapter := &fakeAdapter{name: "telegram"}
	env := newTestEnv(t, adapter, enabledFlags("telegram"), nil)
	d := awaitingDelivery(t, env)

	rec := env.do(t, http.MethodPost, "/v1/deliveries/"+d.ID+"/approve", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var final store.Delivery
	if err := json.Unmarshal(rec.Body.Bytes(), &final); err != nil {
		t.Fatal(err)
	}
	if final.Status != store.DeliverySent {
		t.Errorf("final status = %q, want sent", final.Status)
	}
	if adapter.sentCount() != 1 {
		t.Errorf("adapter sends = %d, want 1", adapter.sentCount())
	}
}

func TestApproveDeliveryTransientFailureStaysQueued(t *testing.T) {
	adapter := &fakeAdapter{name: "telegram", sendErr: io.ErrUnexpectedEOF}
	env := newTestEnv(t, adapter, enabledFlags("telegram"), nil)
	d := awaitingDelivery(t, env)

	rec := env.do(t, http.MethodPost, "/v1/deliveries/"+d.ID+"/approve", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	got, err := env.stores.Queue.Get(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.DeliveryQueued {
		t.Errorf("status = %q, want queued for the sweep", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}

func TestApproveDeliveryStateConflicts(t *testing.T) {
	adapter := &fakeAdapter{name: "telegram"}
	env := newTestEnv(t, adapter, enabledFlags("telegram"), nil)

	if rec := env.do(t, http.MethodPost, "/v1/deliveries/missing/approve", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing delivery = %d, want 404", rec.Code)
	}

	d := awaitingDelivery(t, env)
	if err := env.stores.Queue.SetStatus(context.Background(), d.ID, store.DeliverySent); err != nil {
		t.Fatal(err)
	}
	if rec := env.do(t, http.MethodPost, "/v1/deliveries/"+d.ID+"/approve", nil, nil); rec.Code != http.StatusConflict {
		t.Errorf("already sent = %d, want 409", rec.Code)
	}
}

func TestRejectDelivery(t *testing.T) {
	adapter := &fakeAdapter{name: "telegram"}
	env := newTestEnv(t, adapter, enabledFlags("telegram"), nil)
	d := awaitingDelivery(t, env)

	rec := env.do(t, http.MethodPost, "/v1/deliveries/"+d.ID+"/reject", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	got, _ := env.stores.Queue.Get(context.Background(), d.ID)
	if got.Status != store.DeliveryRejected {
		t.Errorf("status = %q, want rejected", got.Status)
	}
	if adapter.sentCount() != 0 {
		t.Error("rejected delivery was sent")
	}

	// A rejected delivery cannot be approved afterwards.
	if rec := env.do(t, http.MethodPost, "/v1/deliveries/"+d.ID+"/approve", nil, nil); rec.Code != http.StatusConflict {
		t.Errorf("approve after reject = %d, want 409", rec.Code)
	}
}

func TestListDeliveriesDefaultsToAwaiting(t *testing.T) {
	env := newTestEnv(t, nil, flags.Static{}, nil)
	awaitingDelivery(t, env)
	d := awaitingDelivery(t, env)
	env.stores.Queue.SetStatus(context.Background(), d.ID, store.DeliverySent)

	rec := env.do(t, http.MethodGet, "/v1/tenants/default/deliveries", nil, nil)
	var resp struct {
		Deliveries []*store.Delivery `json:"deliveries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Deliveries) != 1 {
		t.Fatalf("deliveries = %d, want only the awaiting one", len(resp.Deliveries))
	}

	rec = env.do(t, http.MethodGet, "/v1/tenants/default/deliveries?status=sent", nil, nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Deliveries) != 1 || resp.Deliveries[0].Status != store.DeliverySent {
		t.Errorf("sent filter = %+v", resp.Deliveries)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, flags.Static{}, nil)
	msg := *sampleInbound()
	msg.TenantID = "default"
	if _, err := env.stores.Conversations.AppendInbound(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodGet, "/v1/tenants/default/conversations/telegram/1001/history", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Messages []store.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].Text != "hello" {
		t.Errorf("messages = %+v", resp.Messages)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil, flags.Static{}, nil)
	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"ok"`)) {
		t.Errorf("body = %s", rec.Body.String())
	}
}
