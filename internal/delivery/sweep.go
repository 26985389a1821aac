package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/replyops/replygate/internal/store"
)

const sweepBatchSize = 50

// Sweeper periodically re-attempts queued deliveries on a cron schedule.
type Sweeper struct {
	expr       string
	queue      store.QueueStore
	dispatcher *Dispatcher
	cron       *gronx.Gronx
}

// NewSweeper validates the cron expression and builds a sweeper.
func NewSweeper(expr string, queue store.QueueStore, dispatcher *Dispatcher) (*Sweeper, error) {
	if expr == "" {
		expr = "*/2 * * * *"
	}
	g := gronx.New()
	if !g.IsValid(expr) {
		return nil, fmt.Errorf("invalid retry sweep cron expression %q", expr)
	}
	return &Sweeper{expr: expr, queue: queue, dispatcher: dispatcher, cron: g}, nil
}

// Run blocks until ctx is cancelled, checking the schedule once per minute.
// Cron granularity is one minute; the 20s tick just keeps the check from
// drifting past a due minute.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("retry sweep started", "schedule", s.expr)
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	var lastRun time.Time
	for {
		select {
		case <-ctx.Done():
			slog.Info("retry sweep stopped")
			return
		case now := <-ticker.C:
			if now.Truncate(time.Minute).Equal(lastRun) {
				continue
			}
			due, err := s.cron.IsDue(s.expr, now)
			if err != nil || !due {
				continue
			}
			lastRun = now.Truncate(time.Minute)
			s.Sweep(ctx)
		}
	}
}

// Sweep re-attempts every due delivery once.
func (s *Sweeper) Sweep(ctx context.Context) {
	due, err := s.queue.Due(ctx, time.Now(), sweepBatchSize)
	if err != nil {
		slog.Error("retry sweep query failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	slog.Info("retry sweep dispatching", "count", len(due))
	for _, del := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.dispatcher.DispatchQueued(ctx, del); err != nil {
			slog.Error("retry sweep dispatch failed", "delivery", del.ID, "error", err)
		}
	}
}
