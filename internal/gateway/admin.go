package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/replyops/replygate/internal/audit"
	"github.com/replyops/replygate/internal/decision"
	"github.com/replyops/replygate/internal/flags"
	"github.com/replyops/replygate/internal/store"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenantOr("")
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant":           tenant,
		"channels":         s.registry.Status(),
		"channels_enabled": s.registry.ListEnabled(tenant),
		"autosend_flag":    s.flags.Enabled(flags.AutosendEnabled, tenant),
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenantOr("")
	type channelInfo struct {
		Name    string `json:"name"`
		Running bool   `json:"running"`
		Enabled bool   `json:"enabled"`
	}
	status := s.registry.Status()
	enabled := map[string]bool{}
	for _, name := range s.registry.ListEnabled(tenant) {
		enabled[name] = true
	}

	out := make([]channelInfo, 0, len(status))
	for name, running := range status {
		out = append(out, channelInfo{Name: name, Running: running, Enabled: enabled[name]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

// handleMaxPersonalQR serves the current pairing QR as base64 PNG.
func (s *Server) handleMaxPersonalQR(w http.ResponseWriter, r *http.Request) {
	res := s.registry.Resolve("max_personal", s.tenantOr(""))
	if res.Adapter == nil {
		writeError(w, http.StatusNotFound, "max_personal channel not available")
		return
	}
	qr, ok := res.Adapter.(interface {
		QRCode() []byte
		LoggedIn() bool
	})
	if !ok {
		writeError(w, http.StatusNotFound, "max_personal channel not available")
		return
	}

	if qr.LoggedIn() {
		writeJSON(w, http.StatusOK, map[string]any{"logged_in": true})
		return
	}
	png := qr.QRCode()
	if len(png) == 0 {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"logged_in": false,
			"message":   "QR not captured yet, retry shortly",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logged_in": false,
		"qr_png":    base64.StdEncoding.EncodeToString(png),
	})
}

func (s *Server) defaultSettings() decision.Settings {
	d := s.cfg.Decision
	return decision.Settings{
		TAuto:                  d.TAuto,
		TEscalate:              d.TEscalate,
		AutosendAllowed:        d.AutosendAllowed,
		IntentsAutosendAllowed: d.IntentsAutosendAllowed,
		IntentsForceHandoff:    d.IntentsForceHandoff,
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenantOr(r.PathValue("tenant"))
	writeJSON(w, http.StatusOK, s.settingsForTenant(r.Context(), tenant))
}

// handlePutSettings validates and persists tenant settings. Invalid settings
// (thresholds out of range or misordered) are rejected, never clamped.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenantOr(r.PathValue("tenant"))

	var settings decision.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "malformed settings body")
		return
	}
	if err := settings.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := s.stores.Settings.Put(r.Context(), tenant, settings); err != nil {
		slog.Error("settings update failed", "tenant", tenant, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist settings")
		return
	}

	if err := s.audit.Record(r.Context(), audit.NewEvent(audit.KindSettingsUpdated, tenant, "operator", map[string]string{
		"t_auto":     strconv.FormatFloat(settings.TAuto, 'f', -1, 64),
		"t_escalate": strconv.FormatFloat(settings.TEscalate, 'f', -1, 64),
		"autosend":   strconv.FormatBool(settings.AutosendAllowed),
	})); err != nil {
		slog.Error("audit record failed", "kind", audit.KindSettingsUpdated, "error", err)
	}
	s.broadcast("settings.updated", map[string]string{"tenant": tenant})

	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenantOr(r.PathValue("tenant"))
	status := r.URL.Query().Get("status")
	if status == "" {
		status = store.DeliveryAwaitingApproval
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	deliveries, err := s.stores.Queue.ListByStatus(r.Context(), tenant, status, limit)
	if err != nil {
		slog.Error("delivery listing failed", "tenant", tenant, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

// handleApproveDelivery releases an awaiting-approval reply and attempts
// delivery immediately; on transient failure it stays queued for the sweep.
func (s *Server) handleApproveDelivery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	del, err := s.stores.Queue.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load delivery")
		return
	}
	if del.Status != store.DeliveryAwaitingApproval {
		writeError(w, http.StatusConflict, "delivery is not awaiting approval")
		return
	}

	if err := s.stores.Queue.SetStatus(r.Context(), id, store.DeliveryQueued); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update delivery")
		return
	}
	del.Status = store.DeliveryQueued

	if err := s.dispatcher.DispatchQueued(r.Context(), del); err != nil {
		slog.Error("approved delivery dispatch failed", "delivery", id, "error", err)
	}

	final, err := s.stores.Queue.Get(r.Context(), id)
	if err != nil {
		final = del
	}
	s.broadcast("delivery.approved", map[string]string{"id": id, "status": final.Status})
	writeJSON(w, http.StatusOK, final)
}

func (s *Server) handleRejectDelivery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	del, err := s.stores.Queue.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load delivery")
		return
	}
	if del.Status != store.DeliveryAwaitingApproval {
		writeError(w, http.StatusConflict, "delivery is not awaiting approval")
		return
	}

	if err := s.stores.Queue.SetStatus(r.Context(), id, store.DeliveryRejected); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update delivery")
		return
	}
	s.broadcast("delivery.rejected", map[string]string{"id": id})
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": store.DeliveryRejected})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenantOr(r.PathValue("tenant"))
	channel := r.PathValue("channel")
	conversation := r.PathValue("conversation")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	msgs, err := s.stores.Conversations.History(r.Context(), tenant, channel, conversation, limit)
	if err != nil {
		slog.Error("history query failed", "tenant", tenant, "channel", channel, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
