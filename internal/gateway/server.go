// Package gateway is the HTTP surface of the auto-reply gateway: platform
// webhook intake, the operator admin API and a WebSocket event stream. It
// also hosts the inbound processing pipeline connecting channels to the
// decision router and dispatcher.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/replyops/replygate/internal/audit"
	"github.com/replyops/replygate/internal/bus"
	"github.com/replyops/replygate/internal/channels"
	"github.com/replyops/replygate/internal/config"
	"github.com/replyops/replygate/internal/delivery"
	"github.com/replyops/replygate/internal/flags"
	"github.com/replyops/replygate/internal/notify"
	"github.com/replyops/replygate/internal/replier"
	"github.com/replyops/replygate/internal/store"
)

// Server is the gateway HTTP server.
type Server struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	registry   *channels.Registry
	flags      flags.Provider
	stores     *store.Stores
	dispatcher *delivery.Dispatcher
	replier    replier.Generator
	audit      audit.Recorder
	notifier   notify.Notifier

	rateLimiter *channels.WebhookRateLimiter
	upgrader    websocket.Upgrader
	clients     map[string]*wsClient
	mu          sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires a gateway server. All collaborators are required except the
// notifier (nil falls back to notify.Nop) and audit (nil falls back to
// audit.Discard).
func NewServer(cfg *config.Config, msgBus *bus.MessageBus, registry *channels.Registry, flagProvider flags.Provider, stores *store.Stores, dispatcher *delivery.Dispatcher, gen replier.Generator, rec audit.Recorder, notifier notify.Notifier) *Server {
	if rec == nil {
		rec = audit.Discard{}
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	s := &Server{
		cfg:         cfg,
		bus:         msgBus,
		registry:    registry,
		flags:       flagProvider,
		stores:      stores,
		dispatcher:  dispatcher,
		replier:     gen,
		audit:       rec,
		notifier:    notifier,
		rateLimiter: channels.NewWebhookRateLimiter(),
		clients:     make(map[string]*wsClient),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the WebSocket Origin header against the whitelist.
// No configured origins means allow all (dev mode); an empty Origin header
// (non-browser clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// Platform webhook intake. The tenant-less form serves single-tenant
	// deployments with the configured default tenant.
	mux.HandleFunc("POST /webhooks/{channel}", s.handleWebhook)
	mux.HandleFunc("POST /webhooks/{channel}/{tenant}", s.handleWebhook)
	mux.HandleFunc("GET /webhooks/whatsapp", s.handleWhatsAppSubscribe)

	// Operator admin API, bearer-token protected.
	mux.HandleFunc("GET /v1/status", s.withAuth(s.handleStatus))
	mux.HandleFunc("GET /v1/channels", s.withAuth(s.handleChannels))
	mux.HandleFunc("GET /v1/channels/max_personal/qr", s.withAuth(s.handleMaxPersonalQR))
	mux.HandleFunc("GET /v1/tenants/{tenant}/settings", s.withAuth(s.handleGetSettings))
	mux.HandleFunc("PUT /v1/tenants/{tenant}/settings", s.withAuth(s.handlePutSettings))
	mux.HandleFunc("GET /v1/tenants/{tenant}/deliveries", s.withAuth(s.handleListDeliveries))
	mux.HandleFunc("POST /v1/deliveries/{id}/approve", s.withAuth(s.handleApproveDelivery))
	mux.HandleFunc("POST /v1/deliveries/{id}/reject", s.withAuth(s.handleRejectDelivery))
	mux.HandleFunc("GET /v1/tenants/{tenant}/conversations/{channel}/{conversation}/history", s.withAuth(s.handleHistory))

	s.mux = mux
	return mux
}

// Start begins serving until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// withAuth wraps a handler with bearer-token auth. An empty configured token
// leaves the admin API open (development mode) with a startup warning from
// the caller.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Gateway.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Gateway.Token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// tenantOr returns the path tenant or the configured default.
func (s *Server) tenantOr(pathTenant string) string {
	if pathTenant != "" {
		return pathTenant
	}
	if s.cfg.TenantID != "" {
		return s.cfg.TenantID
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// StartTestServer listens on an ephemeral port and returns the address and a
// blocking start func. Used by integration tests.
func StartTestServer(ctx context.Context, s *Server) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = s.httpServer.Shutdown(shutdownCtx)
		}()
		_ = s.httpServer.Serve(ln)
	}
	return addr, start
}
