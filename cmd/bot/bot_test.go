package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/jamiehall/spx-calendar-bot/internal/broker"
	"github.com/jamiehall/spx-calendar-bot/internal/config"
	"github.com/jamiehall/spx-calendar-bot/internal/models"
	"github.com/jamiehall/spx-calendar-bot/internal/orders"
	"github.com/jamiehall/spx-calendar-bot/internal/pnl"
	"github.com/jamiehall/spx-calendar-bot/internal/retry"
	"github.com/jamiehall/spx-calendar-bot/internal/storage"
	"github.com/jamiehall/spx-calendar-bot/internal/strategy"
)

// stubGateway is a canned-response Broker for wiring tests.
type stubGateway struct {
	mu sync.Mutex

	quote        *broker.Quote
	expirations  []string
	chains       map[string][]broker.Option
	positions    []broker.PositionItem
	positionsErr error

	placed    []broker.ComboOrder
	placeErr  error
	nextOrder int

	cancelled []string
	cancelErr error
	statuses  map[string]*broker.OrderEvent
}

var _ broker.Broker = (*stubGateway)(nil)

func (s *stubGateway) GetQuote(_ context.Context, symbol string) (*broker.Quote, error) {
	if s.quote == nil {
		return nil, fmt.Errorf("no quote for %s", symbol)
	}
	return s.quote, nil
}

func (s *stubGateway) GetExpirations(_ context.Context, _ string) ([]string, error) {
	return s.expirations, nil
}

func (s *stubGateway) GetOptionChain(_ context.Context, _, expiry string) ([]broker.Option, error) {
	chain, ok := s.chains[expiry]
	if !ok {
		return nil, fmt.Errorf("no chain for %s", expiry)
	}
	return chain, nil
}

func (s *stubGateway) VerifyContract(_ context.Context, _, _ string, _ float64, _ models.OptionRight) (int64, error) {
	return 999, nil
}

func (s *stubGateway) GetPositions(_ context.Context) ([]broker.PositionItem, error) {
	if s.positionsErr != nil {
		return nil, s.positionsErr
	}
	return s.positions, nil
}

func (s *stubGateway) PlaceComboOrder(_ context.Context, order broker.ComboOrder) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.placeErr != nil {
		return "", s.placeErr
	}
	s.nextOrder++
	s.placed = append(s.placed, order)
	return fmt.Sprintf("ORD-%d", s.nextOrder), nil
}

func (s *stubGateway) CancelOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelErr != nil {
		return s.cancelErr
	}
	s.cancelled = append(s.cancelled, orderID)
	return nil
}

func (s *stubGateway) GetOrderStatus(_ context.Context, orderID string) (*broker.OrderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status, ok := s.statuses[orderID]; ok {
		return status, nil
	}
	return &broker.OrderEvent{OrderID: orderID, State: broker.OrderCancelled}, nil
}

func (s *stubGateway) WatchOrder(_ string) (<-chan broker.OrderEvent, func()) {
	ch := make(chan broker.OrderEvent)
	return ch, func() {}
}

func (s *stubGateway) SubscribeQuotes(_ context.Context, _ []models.Leg) (<-chan broker.QuoteEvent, func(), error) {
	ch := make(chan broker.QuoteEvent, 16)
	return ch, func() {}, nil
}

func (s *stubGateway) placedOrders() []broker.ComboOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broker.ComboOrder, len(s.placed))
	copy(out, s.placed)
	return out
}

func newTestBot(t *testing.T, store storage.Interface, gateway broker.Broker) *Bot {
	t.Helper()

	cfg := &config.Config{
		Gateway: config.GatewayConfig{BaseURL: "http://localhost:5000", APIKey: "test", AccountID: "DU000"},
		Storage: config.StorageConfig{Path: "test.db"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}

	logger := log.New(io.Discard, "", 0)
	bot := &Bot{
		config:     cfg,
		store:      store,
		broker:     gateway,
		strategy:   strategy.NewCalendarStrategy(gateway, logger),
		entryExec:  orders.NewExecutor(gateway, logger, orders.EntryConfig()),
		exitExec:   orders.NewExecutor(gateway, logger, orders.ExitConfig()),
		tracker:    pnl.NewTracker(gateway, store, logger),
		retry:      retry.NewClient(logger),
		logger:     logger,
		mode:       "auto",
		tradeLocks: make(map[string]*sync.Mutex),
	}
	bot.reconciler = NewReconciler(gateway, store, logger, nil, cfg.Trading.Symbol)
	return bot
}

// activeTrade builds an ACTIVE trade entered the given number of days ago.
func activeTrade(t *testing.T, tradeID string, daysAgo int) *models.CalendarSpread {
	t.Helper()

	entryAt := time.Now().AddDate(0, 0, -daysAgo)
	trade := models.NewCalendarSpread(tradeID, entryAt, 6400,
		6150, 6550, "20260908", "20260915", 4)
	if err := trade.MarkActive(4.20); err != nil {
		t.Fatalf("activate %s: %v", tradeID, err)
	}
	trade.ShortPutConID = 101
	trade.ShortCallConID = 102
	trade.LongPutConID = 103
	trade.LongCallConID = 104
	return trade
}

// positionsFor builds the gateway snapshot matching a trade's four legs.
func positionsFor(symbol string, trades ...*models.CalendarSpread) []broker.PositionItem {
	book := make(map[string]*broker.PositionItem)
	for _, trade := range trades {
		for _, leg := range trade.Legs() {
			key := leg.Key()
			if item, ok := book[key]; ok {
				item.Quantity += float64(leg.Quantity)
				continue
			}
			book[key] = &broker.PositionItem{
				Symbol:   symbol,
				Expiry:   leg.Expiry,
				Right:    leg.Right,
				Strike:   leg.Strike,
				Quantity: float64(leg.Quantity),
			}
		}
	}
	out := make([]broker.PositionItem, 0, len(book))
	for _, item := range book {
		out = append(out, *item)
	}
	return out
}

func TestNewTradeID(t *testing.T) {
	entryAt := time.Date(2026, 8, 17, 9, 45, 0, 0, time.UTC)
	id := newTradeID("SPX", entryAt)

	const prefix = "SPX-20260817-"
	if len(id) != len(prefix)+8 {
		t.Fatalf("unexpected trade ID length: %q", id)
	}
	if id[:len(prefix)] != prefix {
		t.Errorf("trade ID %q missing prefix %q", id, prefix)
	}

	if other := newTradeID("SPX", entryAt); other == id {
		t.Errorf("two trade IDs collided: %q", id)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("abcdefghij"); got != "abcdefgh" {
		t.Errorf("shortID = %q, want abcdefgh", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID short input = %q, want abc", got)
	}
}
