// Package pnl streams quotes for open trades and keeps their mark-to-market
// value current.
package pnl

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jamiehall/spx-calendar-bot/internal/broker"
	"github.com/jamiehall/spx-calendar-bot/internal/models"
	"github.com/jamiehall/spx-calendar-bot/internal/storage"
	"github.com/jamiehall/spx-calendar-bot/internal/strategy"
)

// Tracker subscribes each open trade's four legs and recomputes the spread
// value on every quote. Values persist at most once per PersistInterval so a
// busy tape does not hammer the database.
type Tracker struct {
	broker  broker.Broker
	storage storage.Interface
	logger  *log.Logger

	tick            float64
	persistInterval time.Duration

	mu       sync.Mutex
	watchers map[string]func()
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPersistInterval overrides how often updated values are written out.
func WithPersistInterval(d time.Duration) Option {
	return func(t *Tracker) { t.persistInterval = d }
}

// NewTracker creates a tracker. Track must be called per trade.
func NewTracker(b broker.Broker, store storage.Interface, logger *log.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = log.Default()
	}
	t := &Tracker{
		broker:          b,
		storage:         store,
		logger:          logger,
		tick:            0.05,
		persistInterval: 15 * time.Second,
		watchers:        make(map[string]func()),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track starts streaming the trade's legs. It returns immediately; updates
// run until Untrack is called or ctx is cancelled.
func (t *Tracker) Track(ctx context.Context, trade *models.CalendarSpread) error {
	legs := trade.Legs()
	events, cancel, err := t.broker.SubscribeQuotes(ctx, legs)
	if err != nil {
		return fmt.Errorf("subscribe legs for %s: %w", trade.TradeID, err)
	}

	t.mu.Lock()
	if _, exists := t.watchers[trade.TradeID]; exists {
		t.mu.Unlock()
		cancel()
		return fmt.Errorf("trade %s is already tracked", trade.TradeID)
	}
	watchCtx, stop := context.WithCancel(ctx)
	t.watchers[trade.TradeID] = func() {
		stop()
		cancel()
	}
	t.mu.Unlock()

	go t.watch(watchCtx, trade.TradeID, trade.EntryCredit, legs, events)
	return nil
}

// Untrack stops streaming for a trade. It is a no-op for unknown IDs.
func (t *Tracker) Untrack(tradeID string) {
	t.mu.Lock()
	cancel, ok := t.watchers[tradeID]
	if ok {
		delete(t.watchers, tradeID)
	}
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// TrackedTrades returns the IDs currently being streamed.
func (t *Tracker) TrackedTrades() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.watchers))
	for id := range t.watchers {
		ids = append(ids, id)
	}
	return ids
}

// watch consumes quote events for one trade. legs is in the fixed order
// short put, short call, long put, long call.
func (t *Tracker) watch(ctx context.Context, tradeID string, entryCredit float64,
	legs []models.Leg, events <-chan broker.QuoteEvent) {

	latest := make(map[string]broker.QuoteEvent, len(legs))
	var lastPersist time.Time
	var lastValue float64
	dirty := false

	flush := time.NewTicker(t.persistInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			if dirty {
				t.persist(tradeID, lastValue, entryCredit)
			}
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			latest[event.LegKey] = event

			value, ready := spreadValueFrom(latest, legs, t.tick)
			if !ready {
				continue
			}
			lastValue = value
			dirty = true
			if time.Since(lastPersist) >= t.persistInterval {
				t.persist(tradeID, value, entryCredit)
				lastPersist = time.Now()
				dirty = false
			}

		case <-flush.C:
			if dirty {
				t.persist(tradeID, lastValue, entryCredit)
				lastPersist = time.Now()
				dirty = false
			}
		}
	}
}

// spreadValueFrom computes the current spread value once all four legs have
// two-sided quotes.
func spreadValueFrom(latest map[string]broker.QuoteEvent, legs []models.Leg, tick float64) (float64, bool) {
	mids := make([]float64, len(legs))
	for i, leg := range legs {
		quote, ok := latest[leg.Key()]
		if !ok || !quote.Valid() {
			return 0, false
		}
		mids[i] = (quote.Bid + quote.Ask) / 2
	}
	return strategy.SpreadValueFromMids(mids[0], mids[1], mids[2], mids[3], tick), true
}

// persist writes the updated mark through storage. Trades no longer open are
// dropped from tracking instead of updated.
func (t *Tracker) persist(tradeID string, value, entryCredit float64) {
	trade, err := t.storage.GetTrade(tradeID)
	if err != nil {
		t.logger.Printf("P&L update skipped, cannot load %s: %v", tradeID, err)
		return
	}
	if trade.Status != models.StateActive {
		t.logger.Printf("Trade %s is %s, dropping from P&L tracking", tradeID, trade.Status)
		t.Untrack(tradeID)
		return
	}

	trade.CurrentValue = value
	trade.UnrealizedPnL = value - entryCredit
	if err := t.storage.SaveTrade(trade); err != nil {
		t.logger.Printf("P&L update for %s failed: %v", tradeID, err)
	}
}
