package gateway

import (
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/replyops/replygate/internal/bus"
)

const maxWebhookBody = 1 << 20

// handleWebhook is the shared intake for platform webhook deliveries:
// rate limit, resolve adapter, verify signature, parse, publish.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	tenant := s.tenantOr(r.PathValue("tenant"))

	if !s.rateLimiter.Allow(rateLimitKey(channel, tenant, r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	res := s.registry.Resolve(channel, tenant)
	if res.Adapter == nil {
		// Not-found and flag-off are both 404 externally; the distinction
		// stays in the logs.
		slog.Debug("webhook for unavailable channel",
			"channel", channel, "tenant", tenant, "reason", res.Reason)
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if v := res.Adapter.VerifyWebhook(r.Header, body); !v.Valid {
		slog.Warn("webhook signature rejected",
			"channel", channel, "tenant", tenant, "reason", v.Reason)
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	msg, ok := res.Adapter.ParseIncoming(body)
	if ok {
		msg.TenantID = tenant
		if !s.bus.PublishInbound(*msg) {
			// Queue overflow: release the dedup slot and ask the platform to
			// redeliver, otherwise this event would never reach the pipeline.
			if f, ok := res.Adapter.(interface{ ForgetMessage(conversationID, messageID string) }); ok {
				f.ForgetMessage(msg.ExternalConversationID, msg.ExternalMessageID)
			}
			writeError(w, http.StatusServiceUnavailable, "inbound queue full, retry")
			return
		}
	}
	// Non-message events and duplicates still get a 200: the delivery itself
	// was valid and the platform must not retry it.
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleWhatsAppSubscribe answers Meta's GET subscription handshake.
func (s *Server) handleWhatsAppSubscribe(w http.ResponseWriter, r *http.Request) {
	res := s.registry.Resolve("whatsapp", s.tenantOr(""))
	if res.Adapter == nil {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	verifier, ok := res.Adapter.(interface{ VerifyToken() string })
	if !ok {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}

	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != verifier.VerifyToken() {
		writeError(w, http.StatusForbidden, "verification failed")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

func rateLimitKey(channel, tenant string, r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return channel + ":" + tenant + ":" + host
}

// broadcast sends an event to all connected WebSocket clients.
func (s *Server) broadcast(name string, payload any) {
	s.bus.Broadcast(bus.Event{Name: name, Payload: payload})
}
