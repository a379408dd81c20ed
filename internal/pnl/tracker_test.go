package pnl

import (
	"context"
	"log"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jamiehall/spx-calendar-bot/internal/broker"
	"github.com/jamiehall/spx-calendar-bot/internal/models"
	"github.com/jamiehall/spx-calendar-bot/internal/storage"
)

// quoteBroker feeds scripted quote events to SubscribeQuotes callers.
type quoteBroker struct {
	mu       sync.Mutex
	events   chan broker.QuoteEvent
	cancels  int
	lastLegs []models.Leg
}

var _ broker.Broker = (*quoteBroker)(nil)

func newQuoteBroker() *quoteBroker {
	return &quoteBroker{events: make(chan broker.QuoteEvent, 64)}
}

func (b *quoteBroker) SubscribeQuotes(_ context.Context, legs []models.Leg) (<-chan broker.QuoteEvent, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastLegs = legs
	return b.events, func() {
		b.mu.Lock()
		b.cancels++
		b.mu.Unlock()
	}, nil
}

func (b *quoteBroker) cancelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancels
}

func (b *quoteBroker) GetQuote(context.Context, string) (*broker.Quote, error) {
	return &broker.Quote{Symbol: "SPX", Last: 6400}, nil
}

func (b *quoteBroker) GetExpirations(context.Context, string) ([]string, error) { return nil, nil }

func (b *quoteBroker) GetOptionChain(context.Context, string, string) ([]broker.Option, error) {
	return nil, nil
}

func (b *quoteBroker) VerifyContract(context.Context, string, string, float64, models.OptionRight) (int64, error) {
	return 1, nil
}

func (b *quoteBroker) GetPositions(context.Context) ([]broker.PositionItem, error) { return nil, nil }

func (b *quoteBroker) PlaceComboOrder(context.Context, broker.ComboOrder) (string, error) {
	return "", nil
}

func (b *quoteBroker) CancelOrder(context.Context, string) error { return nil }

func (b *quoteBroker) GetOrderStatus(context.Context, string) (*broker.OrderEvent, error) {
	return nil, nil
}

func (b *quoteBroker) WatchOrder(string) (<-chan broker.OrderEvent, func()) {
	ch := make(chan broker.OrderEvent)
	close(ch)
	return ch, func() {}
}

func activeTrade(t *testing.T, store storage.Interface) *models.CalendarSpread {
	t.Helper()
	entryAt := time.Date(2026, 8, 17, 9, 45, 0, 0, time.UTC)
	trade := models.NewCalendarSpread("SPX-20260817-aaa", entryAt, 6400, 6150, 6550, "20260907", "20260914", 4)
	if err := trade.MarkActive(4.35); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveTrade(trade); err != nil {
		t.Fatal(err)
	}
	return trade
}

func quoteFor(leg models.Leg, bid, ask float64) broker.QuoteEvent {
	return broker.QuoteEvent{LegKey: leg.Key(), Bid: bid, Ask: ask, At: time.Now()}
}

func waitForValue(t *testing.T, store storage.Interface, tradeID string, want float64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		trade, err := store.GetTrade(tradeID)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(trade.CurrentValue-want) < 1e-9 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	trade, _ := store.GetTrade(tradeID)
	t.Fatalf("current value = %.2f, want %.2f", trade.CurrentValue, want)
}

func TestTracker_UpdatesOnCompleteQuotes(t *testing.T) {
	b := newQuoteBroker()
	store := storage.NewMockStorage()
	trade := activeTrade(t, store)

	tracker := NewTracker(b, store, log.Default(), WithPersistInterval(5*time.Millisecond))
	if err := tracker.Track(context.Background(), trade); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	defer tracker.Untrack(trade.TradeID)

	legs := trade.Legs()
	// Three legs quoted: value undefined, nothing persists.
	b.events <- quoteFor(legs[0], 1.10, 1.30) // short put mid 1.20
	b.events <- quoteFor(legs[1], 1.30, 1.50) // short call mid 1.40
	b.events <- quoteFor(legs[2], 2.25, 2.45) // long put mid 2.35

	time.Sleep(30 * time.Millisecond)
	loaded, err := store.GetTrade(trade.TradeID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.CurrentValue != 0 {
		t.Fatalf("value persisted with only three legs quoted: %.2f", loaded.CurrentValue)
	}

	// Fourth leg completes the spread: -1.20 - 1.40 + 2.35 + 2.60 = 2.35.
	b.events <- quoteFor(legs[3], 2.50, 2.70)
	waitForValue(t, store, trade.TradeID, 2.35)

	loaded, err = store.GetTrade(trade.TradeID)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(loaded.UnrealizedPnL-(2.35-4.35)) > 1e-9 {
		t.Errorf("unrealized P&L = %.2f, want -2.00", loaded.UnrealizedPnL)
	}
}

func TestTracker_IgnoresOneSidedQuotes(t *testing.T) {
	b := newQuoteBroker()
	store := storage.NewMockStorage()
	trade := activeTrade(t, store)

	tracker := NewTracker(b, store, log.Default(), WithPersistInterval(5*time.Millisecond))
	if err := tracker.Track(context.Background(), trade); err != nil {
		t.Fatal(err)
	}
	defer tracker.Untrack(trade.TradeID)

	legs := trade.Legs()
	b.events <- quoteFor(legs[0], 1.10, 1.30)
	b.events <- quoteFor(legs[1], 1.30, 1.50)
	b.events <- quoteFor(legs[2], 2.25, 2.45)
	b.events <- quoteFor(legs[3], 0, 2.70) // no bid

	time.Sleep(30 * time.Millisecond)
	loaded, err := store.GetTrade(trade.TradeID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.CurrentValue != 0 {
		t.Fatalf("value persisted from a one-sided quote: %.2f", loaded.CurrentValue)
	}

	// Bid returns: the spread value becomes defined again.
	b.events <- quoteFor(legs[3], 2.50, 2.70)
	waitForValue(t, store, trade.TradeID, 2.35)
}

func TestTracker_UntrackUnsubscribes(t *testing.T) {
	b := newQuoteBroker()
	store := storage.NewMockStorage()
	trade := activeTrade(t, store)

	tracker := NewTracker(b, store, log.Default())
	if err := tracker.Track(context.Background(), trade); err != nil {
		t.Fatal(err)
	}
	if got := tracker.TrackedTrades(); len(got) != 1 {
		t.Fatalf("tracked %d trades, want 1", len(got))
	}

	tracker.Untrack(trade.TradeID)
	if got := tracker.TrackedTrades(); len(got) != 0 {
		t.Fatalf("tracked %d trades after Untrack, want 0", len(got))
	}
	if b.cancelCount() != 1 {
		t.Errorf("leg subscription cancelled %d times, want 1", b.cancelCount())
	}

	// Untrack of an unknown trade is a no-op.
	tracker.Untrack("SPX-00000000-zzz")
}

func TestTracker_DuplicateTrackRejected(t *testing.T) {
	b := newQuoteBroker()
	store := storage.NewMockStorage()
	trade := activeTrade(t, store)

	tracker := NewTracker(b, store, log.Default())
	if err := tracker.Track(context.Background(), trade); err != nil {
		t.Fatal(err)
	}
	defer tracker.Untrack(trade.TradeID)

	if err := tracker.Track(context.Background(), trade); err == nil {
		t.Fatal("second Track of the same trade succeeded")
	}
}

func TestTracker_DropsClosedTrade(t *testing.T) {
	b := newQuoteBroker()
	store := storage.NewMockStorage()
	trade := activeTrade(t, store)

	tracker := NewTracker(b, store, log.Default(), WithPersistInterval(5*time.Millisecond))
	if err := tracker.Track(context.Background(), trade); err != nil {
		t.Fatal(err)
	}

	// Close the trade behind the tracker's back.
	if err := trade.MarkClosed("manual_close", "operator close", 5.00, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveTrade(trade); err != nil {
		t.Fatal(err)
	}

	legs := trade.Legs()
	b.events <- quoteFor(legs[0], 1.10, 1.30)
	b.events <- quoteFor(legs[1], 1.30, 1.50)
	b.events <- quoteFor(legs[2], 2.25, 2.45)
	b.events <- quoteFor(legs[3], 2.50, 2.70)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(tracker.TrackedTrades()) == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := tracker.TrackedTrades(); len(got) != 0 {
		t.Fatalf("closed trade still tracked: %v", got)
	}

	loaded, err := store.GetTrade(trade.TradeID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != models.StateClosed {
		t.Errorf("status = %s, want CLOSED", loaded.Status)
	}
	if loaded.RealizedPnL != 5.00-4.35 {
		t.Errorf("realized P&L = %.2f, want 0.65", loaded.RealizedPnL)
	}
}
