package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/replyops/replygate/internal/audit"
	"github.com/replyops/replygate/internal/bus"
	"github.com/replyops/replygate/internal/channels"
	"github.com/replyops/replygate/internal/decision"
	"github.com/replyops/replygate/internal/delivery"
	"github.com/replyops/replygate/internal/flags"
	"github.com/replyops/replygate/internal/store"
	"github.com/replyops/replygate/internal/telemetry"
)

// RunPipeline consumes inbound messages until ctx is cancelled. Each message
// flows: persist (idempotency barrier) → generate candidate → decide →
// dispatch, queue for approval, or escalate.
func (s *Server) RunPipeline(ctx context.Context) {
	slog.Info("inbound pipeline started")
	for {
		msg, ok := s.bus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound pipeline stopped")
			return
		}
		s.processInbound(ctx, msg)
	}
}

func (s *Server) processInbound(ctx context.Context, msg bus.InboundMessage) {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.process")
	defer span.End()

	if msg.TenantID == "" {
		msg.TenantID = s.tenantOr("")
	}
	convRef := msg.Channel + "/" + msg.ExternalConversationID

	isNew, err := s.stores.Conversations.AppendInbound(ctx, msg)
	if err != nil {
		// Persistence failure must not silence the customer: keep processing
		// and rely on the adapter dedup window for idempotency.
		slog.Error("failed to persist inbound message", "conversation", convRef, "error", err)
		isNew = true
	}
	if !isNew {
		slog.Debug("inbound message already processed, skipping", "conversation", convRef,
			"external_message_id", msg.ExternalMessageID)
		return
	}

	s.broadcast("message.received", msg)

	candidate, err := s.replier.Generate(ctx, msg)
	if err != nil {
		slog.Error("reply generation failed, escalating", "conversation", convRef, "error", err)
		s.escalate(ctx, msg, "reply generation failed: "+err.Error())
		return
	}

	settings := s.settingsForTenant(ctx, msg.TenantID)
	verdict := decision.Decide(decision.Input{
		Confidence:     candidate.Confidence,
		Intent:         candidate.Intent,
		Settings:       settings,
		SelfCheck:      candidate.SelfCheck,
		Penalties:      candidate.Penalties,
		AutosendFlagOn: s.flags.Enabled(flags.AutosendEnabled, msg.TenantID),
	})

	s.recordVerdict(ctx, convRef, candidate.Intent, verdict)
	s.broadcast("verdict.decided", map[string]any{
		"conversation": convRef,
		"tenant":       msg.TenantID,
		"decision":     verdict.Decision,
		"confidence":   verdict.Confidence,
	})

	switch verdict.Decision {
	case decision.AutoSend:
		s.autoSend(ctx, msg, candidate.Reply, candidate.Intent, verdict)
	case decision.NeedApproval:
		s.queueForApproval(ctx, msg, candidate.Reply, candidate.Intent, verdict)
	case decision.Escalate:
		reason := "confidence below escalation threshold"
		if len(verdict.HandoffReasons) > 0 {
			reason = verdict.HandoffReasons[0]
		}
		s.escalate(ctx, msg, reason)
	}
}

// settingsForTenant returns the tenant's stored settings or the config
// defaults when none were ever saved.
func (s *Server) settingsForTenant(ctx context.Context, tenantID string) decision.Settings {
	stored, err := s.stores.Settings.Get(ctx, tenantID)
	if err == nil {
		return *stored
	}
	if !errors.Is(err, store.ErrNotFound) {
		slog.Error("settings lookup failed, using defaults", "tenant", tenantID, "error", err)
	}
	return s.defaultSettings()
}

// autoSend dispatches immediately; transient failures fall back to the retry
// queue so an approved-by-policy reply is never lost to a flaky platform.
func (s *Server) autoSend(ctx context.Context, msg bus.InboundMessage, reply, intent string, verdict decision.Verdict) {
	out := bus.OutboundMessage{
		Channel:         msg.Channel,
		TenantID:        msg.TenantID,
		ConversationRef: msg.ExternalConversationID,
		Text:            reply,
	}

	res := s.dispatcher.Dispatch(ctx, out)
	switch res.Outcome {
	case delivery.OutcomeSent:
		s.broadcast("message.sent", map[string]string{
			"conversation": msg.Channel + "/" + msg.ExternalConversationID,
			"message_id":   res.MessageID,
		})

	case delivery.OutcomeChannelDisabled:
		// Queue it; the sweep delivers once the channel flag returns.
		s.enqueue(ctx, msg, reply, intent, verdict, store.DeliveryQueued)

	default:
		if res.Classification == channels.AuthError || res.Classification == channels.ParseError {
			del := s.enqueue(ctx, msg, reply, intent, verdict, store.DeliveryFailed)
			if del != nil {
				if err := s.notifier.DeliveryFailed(ctx, del); err != nil {
					slog.Error("failure notification failed", "error", err)
				}
			}
			return
		}
		s.enqueue(ctx, msg, reply, intent, verdict, store.DeliveryQueued)
	}
}

func (s *Server) queueForApproval(ctx context.Context, msg bus.InboundMessage, reply, intent string, verdict decision.Verdict) {
	del := s.enqueue(ctx, msg, reply, intent, verdict, store.DeliveryAwaitingApproval)
	if del == nil {
		return
	}
	if err := s.notifier.ApprovalNeeded(ctx, del); err != nil {
		slog.Error("approval notification failed", "delivery", del.ID, "error", err)
	}
	s.broadcast("delivery.awaiting_approval", map[string]string{"id": del.ID})
}

func (s *Server) enqueue(ctx context.Context, msg bus.InboundMessage, reply, intent string, verdict decision.Verdict, status string) *store.Delivery {
	del := &store.Delivery{
		TenantID:       msg.TenantID,
		Channel:        msg.Channel,
		ConversationID: msg.ExternalConversationID,
		ReplyText:      reply,
		Intent:         intent,
		Verdict:        verdict,
		Status:         status,
		NextAttemptAt:  time.Now(),
	}
	if err := s.stores.Queue.Enqueue(ctx, del); err != nil {
		slog.Error("failed to enqueue delivery",
			"conversation", msg.Channel+"/"+msg.ExternalConversationID, "error", err)
		return nil
	}

	if err := s.audit.Record(ctx, audit.NewEvent(audit.KindVerdictQueued,
		msg.Channel+"/"+msg.ExternalConversationID, "system", map[string]string{
			"delivery": del.ID,
			"status":   status,
		})); err != nil {
		slog.Error("audit record failed", "kind", audit.KindVerdictQueued, "error", err)
	}
	return del
}

func (s *Server) escalate(ctx context.Context, msg bus.InboundMessage, reason string) {
	if err := s.notifier.Escalated(ctx, msg.TenantID, msg.Channel, msg.ExternalConversationID, reason); err != nil {
		slog.Error("escalation notification failed", "error", err)
	}
	s.broadcast("conversation.escalated", map[string]string{
		"tenant":       msg.TenantID,
		"conversation": msg.Channel + "/" + msg.ExternalConversationID,
		"reason":       reason,
	})
}

func (s *Server) recordVerdict(ctx context.Context, convRef, intent string, verdict decision.Verdict) {
	meta := map[string]string{
		"decision":   string(verdict.Decision),
		"confidence": strconv.FormatFloat(verdict.Confidence, 'f', 4, 64),
		"intent":     intent,
	}
	if verdict.AutosendBlockReason != "" {
		meta["autosend_block_reason"] = string(verdict.AutosendBlockReason)
	}
	if err := s.audit.Record(ctx, audit.NewEvent(audit.KindVerdictDecided, convRef, "system", meta)); err != nil {
		slog.Error("audit record failed", "kind", audit.KindVerdictDecided, "error", err)
	}
}
