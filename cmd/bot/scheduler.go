package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jamiehall/spx-calendar-bot/internal/models"
)

// entryWindow bounds how long after the scheduled entry time an entry may
// still fire. Past it the day is skipped rather than entered late.
const entryWindow = 5 * time.Minute

// Run resumes open trades and drives the daily schedule until ctx is
// cancelled: entry after the opening range settles, time exits mid-afternoon,
// reconciliation after the close, command drain throughout.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.resume(ctx); err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	clock := time.NewTicker(time.Second)
	defer clock.Stop()
	poll := time.NewTicker(b.config.PollInterval())
	defer poll.Stop()

	b.logger.Printf("Schedule: entry %s, exit check %s, reconcile %s (%s)",
		b.config.Schedule.EntryTime, b.config.Exits.ExitTime,
		b.config.Schedule.ReconcileTime, b.config.Location())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			b.processCommands(ctx)
		case now := <-clock.C:
			b.tick(ctx, now.In(b.config.Location()))
		}
	}
}

// tick fires whichever scheduled jobs are due. Each job runs at most once per
// day, tracked by local date.
func (b *Bot) tick(ctx context.Context, now time.Time) {
	today := now.Format("2006-01-02")

	if b.config.IsTradingDay(now) {
		entryAt, err := b.config.ClockAt(b.config.Schedule.EntryTime, now)
		if err == nil && !now.Before(entryAt) && now.Before(entryAt.Add(entryWindow)) && b.claimDay(&b.entryDone, today) {
			b.runEntry(ctx, now)
		}

		exitAt, err := b.config.ClockAt(b.config.Exits.ExitTime, now)
		if err == nil && !now.Before(exitAt) && b.claimDay(&b.exitDone, today) {
			b.runTimeExits(ctx, now)
		}
	}

	reconcileAt, err := b.config.ClockAt(b.config.Schedule.ReconcileTime, now)
	if err == nil && !now.Before(reconcileAt) && b.claimDay(&b.reconDone, today) {
		b.reconciler.Run(ctx)
	}
}

// claimDay marks a once-per-day job as done for today. It reports whether
// this call claimed the slot.
func (b *Bot) claimDay(slot *string, today string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if *slot == today {
		return false
	}
	*slot = today
	return true
}

// resume picks up where a previous process left off: re-stream P&L for open
// trades and re-arm profit target watches.
func (b *Bot) resume(ctx context.Context) error {
	trades, err := b.store.GetActiveTrades()
	if err != nil {
		return err
	}

	for _, trade := range trades {
		switch trade.Status {
		case models.StateActive:
			if err := b.tracker.Track(ctx, trade); err != nil {
				b.logger.Printf("Resume: cannot track %s: %v", trade.TradeID, err)
			}
			if trade.ProfitTargetStatus == models.ProfitTargetPlaced {
				b.watchProfitTarget(ctx, trade.TradeID, trade.ProfitTargetOrderID)
			}
			b.logger.Printf("Resumed %s (%s, entry %.2f)", trade.TradeID, trade.Status, trade.EntryCredit)

		case models.StateManualControl:
			// Streaming stopped at takeover and stays off until release.
			b.logger.Printf("Trade %s remains under manual control", trade.TradeID)

		case models.StatePending:
			// The process died between placing an entry and resolving it.
			// Reconciliation will flag the legs if they actually filled.
			b.logger.Printf("Resume: trade %s still PENDING, leaving for reconciliation", trade.TradeID)
		}
	}
	return nil
}
