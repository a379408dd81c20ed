package main

import (
	"context"
	"testing"
	"time"

	"github.com/jamiehall/spx-calendar-bot/internal/models"
	"github.com/jamiehall/spx-calendar-bot/internal/storage"
)

func TestClaimDay(t *testing.T) {
	bot := newTestBot(t, storage.NewMockStorage(), &stubGateway{})

	if !bot.claimDay(&bot.entryDone, "2026-08-17") {
		t.Fatalf("first claim should succeed")
	}
	if bot.claimDay(&bot.entryDone, "2026-08-17") {
		t.Fatalf("second claim for the same day should fail")
	}
	if !bot.claimDay(&bot.entryDone, "2026-08-18") {
		t.Fatalf("next day should claim again")
	}

	// Slots are independent.
	if !bot.claimDay(&bot.exitDone, "2026-08-18") {
		t.Fatalf("exit slot should claim independently of entry")
	}
}

func TestTickSkipsWeekendEntry(t *testing.T) {
	store := storage.NewMockStorage()
	bot := newTestBot(t, store, &stubGateway{})

	// Saturday at the entry time: neither entry nor exit slots are claimed.
	loc := bot.config.Location()
	saturday := time.Date(2026, 8, 15, 9, 45, 0, 0, loc)
	bot.tick(context.Background(), saturday)

	if bot.entryDone != "" {
		t.Errorf("entry claimed on a weekend")
	}
	if bot.exitDone != "" {
		t.Errorf("exit claimed on a weekend")
	}
}

func TestTickEntryWindowExpired(t *testing.T) {
	store := storage.NewMockStorage()
	bot := newTestBot(t, store, &stubGateway{})

	// A weekday well past the entry window: the entry slot stays unclaimed,
	// but the later jobs fire.
	loc := bot.config.Location()
	lateMonday := time.Date(2026, 8, 17, 18, 0, 0, 0, loc)
	bot.tick(context.Background(), lateMonday)

	if bot.entryDone != "" {
		t.Errorf("entry claimed outside its window")
	}
	if bot.exitDone != "2026-08-17" {
		t.Errorf("exit slot = %q, want claimed for 2026-08-17", bot.exitDone)
	}
	if bot.reconDone != "2026-08-17" {
		t.Errorf("reconcile slot = %q, want claimed for 2026-08-17", bot.reconDone)
	}
}

func TestTickEntryInsideWindow(t *testing.T) {
	store := storage.NewMockStorage()
	// Seed a trade for today so runEntry returns without touching the gateway.
	existing := activeTrade(t, "SPX-20260817-cccc0001", 0)
	if err := store.SaveTrade(existing); err != nil {
		t.Fatalf("save: %v", err)
	}
	bot := newTestBot(t, store, &stubGateway{})

	loc := bot.config.Location()
	monday := time.Date(2026, 8, 17, 9, 45, 30, 0, loc)
	bot.tick(context.Background(), monday)

	if bot.entryDone != "2026-08-17" {
		t.Errorf("entry slot = %q, want claimed for 2026-08-17", bot.entryDone)
	}
}

func TestResumeTracksOpenTrades(t *testing.T) {
	store := storage.NewMockStorage()
	active := activeTrade(t, "SPX-20260814-cccc0002", 3)
	manual := activeTrade(t, "SPX-20260813-cccc0003", 4)
	if err := manual.TransitionStatus(models.StateManualControl, "manual_takeover"); err != nil {
		t.Fatalf("takeover: %v", err)
	}
	pending := models.NewCalendarSpread("SPX-20260817-cccc0004", time.Now(), 6400,
		6150, 6550, "20260908", "20260915", 4)
	for _, trade := range []*models.CalendarSpread{active, manual, pending} {
		if err := store.SaveTrade(trade); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	bot := newTestBot(t, store, &stubGateway{})
	if err := bot.resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}

	tracked := bot.tracker.TrackedTrades()
	if len(tracked) != 1 {
		t.Fatalf("tracking %d trades, want only the ACTIVE one: %v", len(tracked), tracked)
	}
	if tracked[0] != active.TradeID {
		t.Errorf("tracked %s, want %s", tracked[0], active.TradeID)
	}
}
