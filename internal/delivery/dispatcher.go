// Package delivery owns outbound dispatch: resolving the channel adapter,
// optional typing simulation, the send itself, persistence of the sent reply
// and the retry queue for transient failures.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/replyops/replygate/internal/audit"
	"github.com/replyops/replygate/internal/bus"
	"github.com/replyops/replygate/internal/channels"
	"github.com/replyops/replygate/internal/config"
	"github.com/replyops/replygate/internal/store"
)

// Outcome classifies a dispatch attempt.
type Outcome string

const (
	// OutcomeSent: the platform accepted the message.
	OutcomeSent Outcome = "sent"
	// OutcomeChannelDisabled: the channel flag is off for the tenant. An
	// expected state, not an error.
	OutcomeChannelDisabled Outcome = "channel_disabled"
	// OutcomeFailed: the send failed; Classification says how.
	OutcomeFailed Outcome = "failed"
)

// Result reports one dispatch attempt.
type Result struct {
	Outcome        Outcome
	MessageID      string
	TimestampMs    int64
	Classification channels.Classification // set when Outcome is failed
	Err            error
}

const (
	defaultTypingCharsPerSec = 30
	defaultTypingMaxSeconds  = 8

	// maxQueueAttempts bounds background retries per delivery.
	maxQueueAttempts = 10
	// maxRetryInterval caps the queue backoff.
	maxRetryInterval = 15 * time.Minute
)

// Dispatcher performs outbound sends through the channel registry.
type Dispatcher struct {
	registry      *channels.Registry
	conversations store.ConversationStore
	queue         store.QueueStore
	audit         audit.Recorder
	cfg           config.DeliveryConfig

	// sleep is swappable in tests; defaults to a ctx-aware time.Sleep.
	sleep func(ctx context.Context, d time.Duration)
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(registry *channels.Registry, conversations store.ConversationStore, queue store.QueueStore, rec audit.Recorder, cfg config.DeliveryConfig) *Dispatcher {
	if rec == nil {
		rec = audit.Discard{}
	}
	return &Dispatcher{
		registry:      registry,
		conversations: conversations,
		queue:         queue,
		audit:         rec,
		cfg:           cfg,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Dispatch resolves the channel and performs one send attempt, recording the
// outcome. It does not retry beyond the adapter's own retry policy; callers
// queue transient failures for the background sweep.
func (d *Dispatcher) Dispatch(ctx context.Context, msg bus.OutboundMessage) Result {
	res := d.registry.Resolve(msg.Channel, msg.TenantID)
	if res.Disabled {
		slog.Info("outbound dispatch skipped, channel disabled",
			"channel", msg.Channel, "tenant", msg.TenantID)
		return Result{Outcome: OutcomeChannelDisabled}
	}
	if res.Adapter == nil {
		return Result{
			Outcome:        OutcomeFailed,
			Classification: channels.ParseError,
			Err:            fmt.Errorf("no adapter registered for channel %q", msg.Channel),
		}
	}

	d.simulateTyping(ctx, res.Adapter, msg)

	sent, err := res.Adapter.Send(ctx, msg)
	if err != nil {
		kind := channels.KindOf(err)
		slog.Warn("outbound send failed",
			"channel", msg.Channel,
			"conversation", msg.ConversationRef,
			"classification", kind,
			"error", err,
		)
		d.record(ctx, audit.KindSendFailed, msg, map[string]string{
			"classification": string(kind),
			"error":          err.Error(),
		})
		return Result{Outcome: OutcomeFailed, Classification: kind, Err: err}
	}

	if d.conversations != nil {
		if err := d.conversations.AppendOutbound(ctx, msg, sent.MessageID, sent.Timestamp); err != nil {
			slog.Error("failed to persist sent reply", "channel", msg.Channel, "error", err)
		}
	}
	d.record(ctx, audit.KindMessageSent, msg, map[string]string{
		"message_id": sent.MessageID,
	})

	return Result{Outcome: OutcomeSent, MessageID: sent.MessageID, TimestampMs: sent.Timestamp}
}

// simulateTyping shows the typing indicator and pauses roughly as long as a
// human would need to type the reply. Every failure here is swallowed: typing
// is cosmetic and must never block or abort a send.
func (d *Dispatcher) simulateTyping(ctx context.Context, adapter channels.Adapter, msg bus.OutboundMessage) {
	if !d.cfg.TypingSimulation {
		return
	}
	typer, ok := adapter.(channels.TypingAdapter)
	if !ok {
		return
	}

	if err := typer.StartTyping(ctx, msg.ConversationRef); err != nil {
		slog.Debug("typing indicator failed", "channel", msg.Channel, "error", err)
	}
	d.sleep(ctx, d.typingDelay(msg.Text))
	if err := typer.StopTyping(ctx, msg.ConversationRef); err != nil {
		slog.Debug("typing indicator stop failed", "channel", msg.Channel, "error", err)
	}
}

func (d *Dispatcher) typingDelay(text string) time.Duration {
	cps := d.cfg.TypingCharsPerSec
	if cps <= 0 {
		cps = defaultTypingCharsPerSec
	}
	maxSecs := d.cfg.TypingMaxSeconds
	if maxSecs <= 0 {
		maxSecs = defaultTypingMaxSeconds
	}

	secs := float64(utf8.RuneCountInString(text)) / float64(cps)
	delay := time.Duration(secs * float64(time.Second))
	if limit := time.Duration(maxSecs) * time.Second; delay > limit {
		delay = limit
	}
	return delay
}

func (d *Dispatcher) record(ctx context.Context, kind string, msg bus.OutboundMessage, meta map[string]string) {
	ref := msg.Channel + "/" + msg.ConversationRef
	if err := d.audit.Record(ctx, audit.NewEvent(kind, ref, "system", meta)); err != nil {
		slog.Error("audit record failed", "kind", kind, "error", err)
	}
}

// DispatchQueued attempts a queued delivery and advances its lifecycle:
// sent on success, rescheduled with backoff on retryable failure, failed
// terminally on auth/parse errors or attempt exhaustion.
func (d *Dispatcher) DispatchQueued(ctx context.Context, del *store.Delivery) error {
	msg := bus.OutboundMessage{
		Channel:         del.Channel,
		TenantID:        del.TenantID,
		ConversationRef: del.ConversationID,
		Text:            del.ReplyText,
	}

	res := d.Dispatch(ctx, msg)
	switch res.Outcome {
	case OutcomeSent:
		return d.queue.SetStatus(ctx, del.ID, store.DeliverySent)

	case OutcomeChannelDisabled:
		// Leave queued; the sweep picks it up again once the flag is back on.
		return d.queue.Reschedule(ctx, del.ID, del.Attempts, "channel disabled",
			time.Now().Add(time.Minute))

	default:
		attempts := del.Attempts + 1
		retryable := res.Classification != channels.AuthError && res.Classification != channels.ParseError
		if !retryable || attempts >= maxQueueAttempts {
			slog.Error("delivery failed terminally",
				"delivery", del.ID,
				"attempts", attempts,
				"classification", res.Classification,
			)
			return d.queue.SetStatus(ctx, del.ID, store.DeliveryFailed)
		}

		next := time.Now().Add(queueBackoff(attempts))
		errText := ""
		if res.Err != nil {
			errText = res.Err.Error()
		}
		slog.Info("delivery rescheduled",
			"delivery", del.ID,
			"attempt", attempts,
			"next_attempt", next.Format(time.RFC3339),
		)
		return d.queue.Reschedule(ctx, del.ID, attempts, errText, next)
	}
}

// queueBackoff doubles per attempt from 30s, capped at maxRetryInterval.
func queueBackoff(attempts int) time.Duration {
	delay := 30 * time.Second << (attempts - 1)
	if delay > maxRetryInterval || delay <= 0 {
		return maxRetryInterval
	}
	return delay
}
