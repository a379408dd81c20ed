package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/jamiehall/spx-calendar-bot/internal/broker"
	"github.com/jamiehall/spx-calendar-bot/internal/models"
	"github.com/jamiehall/spx-calendar-bot/internal/storage"
)

func newTestReconciler(t *testing.T, store storage.Interface, gateway broker.Broker) *Reconciler {
	t.Helper()
	return NewReconciler(gateway, store, log.New(io.Discard, "", 0), nil, "SPX")
}

func TestReconcilerClean(t *testing.T) {
	store := storage.NewMockStorage()
	trade := activeTrade(t, "SPX-20260817-aaaa0001", 3)
	if err := store.SaveTrade(trade); err != nil {
		t.Fatalf("save: %v", err)
	}

	gateway := &stubGateway{positions: positionsFor("SPX", trade)}
	r := newTestReconciler(t, store, gateway)

	if got := r.Run(context.Background()); len(got) != 0 {
		t.Fatalf("expected clean run, got %d discrepancies: %v", len(got), got)
	}
}

func TestReconcilerMissingLeg(t *testing.T) {
	store := storage.NewMockStorage()
	trade := activeTrade(t, "SPX-20260817-aaaa0002", 3)
	if err := store.SaveTrade(trade); err != nil {
		t.Fatalf("save: %v", err)
	}

	positions := positionsFor("SPX", trade)
	var truncated []broker.PositionItem
	for _, pos := range positions {
		if pos.Right == models.RightPut && pos.Expiry == trade.ShortExpiry {
			continue
		}
		truncated = append(truncated, pos)
	}
	gateway := &stubGateway{positions: truncated}
	r := newTestReconciler(t, store, gateway)

	got := r.Run(context.Background())
	if len(got) != 1 {
		t.Fatalf("expected 1 discrepancy, got %d: %v", len(got), got)
	}
	d := got[0]
	if d.Kind != "missing" {
		t.Errorf("Kind = %q, want missing", d.Kind)
	}
	wantKey := fmt.Sprintf("SPX-%s-%g-P", trade.ShortExpiry, trade.PutStrike)
	if d.LegKey != wantKey {
		t.Errorf("LegKey = %q, want %q", d.LegKey, wantKey)
	}
	if d.Expected != -trade.PositionSize {
		t.Errorf("Expected = %d, want %d", d.Expected, -trade.PositionSize)
	}
	if len(d.TradeIDs) != 1 || d.TradeIDs[0] != trade.TradeID {
		t.Errorf("TradeIDs = %v, want [%s]", d.TradeIDs, trade.TradeID)
	}
}

func TestReconcilerOrphanLeg(t *testing.T) {
	store := storage.NewMockStorage()
	gateway := &stubGateway{positions: []broker.PositionItem{
		{Symbol: "SPX", Expiry: "20260908", Right: models.RightCall, Strike: 6600, Quantity: -4},
	}}
	r := newTestReconciler(t, store, gateway)

	got := r.Run(context.Background())
	if len(got) != 1 {
		t.Fatalf("expected 1 discrepancy, got %d: %v", len(got), got)
	}
	if got[0].Kind != "orphan" {
		t.Errorf("Kind = %q, want orphan", got[0].Kind)
	}
	if got[0].Actual != -4 {
		t.Errorf("Actual = %d, want -4", got[0].Actual)
	}
}

func TestReconcilerQuantityMismatch(t *testing.T) {
	store := storage.NewMockStorage()
	trade := activeTrade(t, "SPX-20260817-aaaa0003", 3)
	if err := store.SaveTrade(trade); err != nil {
		t.Fatalf("save: %v", err)
	}

	positions := positionsFor("SPX", trade)
	for i := range positions {
		if positions[i].Right == models.RightCall && positions[i].Expiry == trade.LongExpiry {
			positions[i].Quantity = 2 // expected +4
		}
	}
	gateway := &stubGateway{positions: positions}
	r := newTestReconciler(t, store, gateway)

	got := r.Run(context.Background())
	if len(got) != 1 {
		t.Fatalf("expected 1 discrepancy, got %d: %v", len(got), got)
	}
	d := got[0]
	if d.Kind != "quantity" {
		t.Errorf("Kind = %q, want quantity", d.Kind)
	}
	if d.Expected != 4 || d.Actual != 2 {
		t.Errorf("Expected/Actual = %d/%d, want 4/2", d.Expected, d.Actual)
	}
}

func TestReconcilerIgnoresPendingTrades(t *testing.T) {
	store := storage.NewMockStorage()
	pending := models.NewCalendarSpread("SPX-20260817-aaaa0004", time.Now(), 6400,
		6150, 6550, "20260908", "20260915", 4)
	if err := store.SaveTrade(pending); err != nil {
		t.Fatalf("save: %v", err)
	}

	gateway := &stubGateway{}
	r := newTestReconciler(t, store, gateway)

	if got := r.Run(context.Background()); len(got) != 0 {
		t.Fatalf("pending trade produced discrepancies: %v", got)
	}
}

func TestReconcilerIgnoresOtherSymbols(t *testing.T) {
	store := storage.NewMockStorage()
	gateway := &stubGateway{positions: []broker.PositionItem{
		{Symbol: "SPY", Expiry: "20260908", Right: models.RightPut, Strike: 615, Quantity: -4},
		{Symbol: "AAPL", Quantity: 100},
	}}
	r := newTestReconciler(t, store, gateway)

	if got := r.Run(context.Background()); len(got) != 0 {
		t.Fatalf("foreign positions produced discrepancies: %v", got)
	}
}

func TestReconcilerAggregatesSharedLegs(t *testing.T) {
	store := storage.NewMockStorage()
	first := activeTrade(t, "SPX-20260810-aaaa0005", 7)
	second := activeTrade(t, "SPX-20260817-aaaa0006", 3)
	for _, trade := range []*models.CalendarSpread{first, second} {
		if err := store.SaveTrade(trade); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	// Identical strikes and expiries: the book nets to double quantities.
	gateway := &stubGateway{positions: positionsFor("SPX", first, second)}
	r := newTestReconciler(t, store, gateway)

	if got := r.Run(context.Background()); len(got) != 0 {
		t.Fatalf("aggregated legs produced discrepancies: %v", got)
	}
}

func TestReconcilerAbortsOnGatewayError(t *testing.T) {
	store := storage.NewMockStorage()
	trade := activeTrade(t, "SPX-20260817-aaaa0007", 3)
	if err := store.SaveTrade(trade); err != nil {
		t.Fatalf("save: %v", err)
	}

	gateway := &stubGateway{positionsErr: fmt.Errorf("gateway down")}
	r := newTestReconciler(t, store, gateway)

	if got := r.Run(context.Background()); got != nil {
		t.Fatalf("expected nil result on gateway error, got %v", got)
	}
}
