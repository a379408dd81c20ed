// Package orders implements escalating-price execution for combo orders.
//
// A combo limit order is worked at the mid price first. If it does not fill
// within the configured window it is cancelled and re-priced one increment
// more aggressively, up to a bounded number of attempts. On signed combo
// prices (positive pays a debit, negative demands a credit) "more
// aggressive" is always an increase: entries pay more, exits accept less.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jamiehall/spx-calendar-bot/internal/broker"
	"github.com/jamiehall/spx-calendar-bot/internal/util"
)

// ErrExhausted is returned when every price attempt expired without a fill.
var ErrExhausted = errors.New("all price attempts exhausted without a fill")

// Config tunes one execution profile.
type Config struct {
	// FillTimeout is how long each price level is worked before re-pricing.
	FillTimeout time.Duration
	// MaxAttempts bounds the number of price levels tried.
	MaxAttempts int
	// PriceIncrement is added to the signed limit price per attempt.
	PriceIncrement float64
	// MaxPremium caps total escalation above the starting price. Zero
	// means uncapped.
	MaxPremium float64
	// Tick is the price grid for limit prices.
	Tick float64
	// CancelGrace is how long to wait after a cancel request for the
	// gateway to confirm, during which a late fill still wins.
	CancelGrace time.Duration
	// AttemptPause separates consecutive attempts.
	AttemptPause time.Duration
}

// EntryConfig is the execution profile for opening trades. Entries can be
// patient: missing a fill costs nothing.
func EntryConfig() Config {
	return Config{
		FillTimeout:    15 * time.Second,
		MaxAttempts:    5,
		PriceIncrement: 0.05,
		MaxPremium:     0.25,
		Tick:           0.05,
		CancelGrace:    3 * time.Second,
		AttemptPause:   2 * time.Second,
	}
}

// ExitConfig is the execution profile for closing trades. Exits press
// harder: more attempts, shorter windows, no escalation cap.
func ExitConfig() Config {
	return Config{
		FillTimeout:    8 * time.Second,
		MaxAttempts:    8,
		PriceIncrement: 0.05,
		Tick:           0.05,
		CancelGrace:    3 * time.Second,
		AttemptPause:   2 * time.Second,
	}
}

// Result describes a completed execution.
type Result struct {
	OrderID      string
	AvgFillPrice float64
	FinalLimit   float64
	Attempts     int
}

// Executor works combo orders against the broker.
type Executor struct {
	broker broker.Broker
	logger *log.Logger
	config Config
}

// NewExecutor creates an executor with the given profile.
func NewExecutor(b broker.Broker, logger *log.Logger, config Config) *Executor {
	if b == nil {
		panic("orders: broker is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	if config.MaxAttempts <= 0 {
		panic("orders: config requires at least one attempt")
	}
	return &Executor{broker: b, logger: logger, config: config}
}

// Execute works the order starting at startPrice until it fills, ctx is
// cancelled, or the attempt or premium budget runs out. A broker rejection
// ends that attempt only and escalates like a timeout. The order's
// LimitPrice field is overwritten each attempt.
func (e *Executor) Execute(ctx context.Context, order broker.ComboOrder, startPrice float64) (*Result, error) {
	price := util.RoundToTick(startPrice, e.config.Tick)
	ceiling := 0.0
	if e.config.MaxPremium > 0 {
		ceiling = util.RoundToTick(startPrice+e.config.MaxPremium, e.config.Tick)
	}

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("execution cancelled: %w", err)
		}

		order.LimitPrice = price
		orderID, err := e.broker.PlaceComboOrder(ctx, order)
		if err != nil {
			return nil, fmt.Errorf("place attempt %d at %.2f: %w", attempt, price, err)
		}
		e.logger.Printf("Order %s attempt %d/%d working at %.2f (tag %s)",
			orderID, attempt, e.config.MaxAttempts, price, order.Tag)

		outcome, err := e.workOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		switch outcome.State {
		case broker.OrderFilled:
			e.logger.Printf("Order %s filled at %.2f on attempt %d", orderID, outcome.AvgFillPrice, attempt)
			return &Result{
				OrderID:      orderID,
				AvgFillPrice: outcome.AvgFillPrice,
				FinalLimit:   price,
				Attempts:     attempt,
			}, nil
		case broker.OrderRejected:
			e.logger.Printf("Order %s rejected at %.2f (%s), escalating", orderID, price, outcome.Reason)
		}

		if attempt == e.config.MaxAttempts {
			break
		}
		next := util.RoundToTick(price+e.config.PriceIncrement, e.config.Tick)
		if ceiling != 0 && next > ceiling+broker.StrikeMatchEpsilon {
			return nil, fmt.Errorf("%w after %d attempts, price cap %.2f reached", ErrExhausted, attempt, ceiling)
		}
		price = next

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
		case <-time.After(e.config.AttemptPause):
		}
	}

	return nil, fmt.Errorf("%w after %d attempts, final limit %.2f", ErrExhausted, e.config.MaxAttempts, price)
}

// workOrder waits on push events for one attempt and resolves its terminal
// state. A fill observed at any point, including after our cancel request,
// wins over the cancel.
func (e *Executor) workOrder(ctx context.Context, orderID string) (*broker.OrderEvent, error) {
	events, stop := e.broker.WatchOrder(orderID)
	defer stop()

	fillTimer := time.NewTimer(e.config.FillTimeout)
	defer fillTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best effort: do not leave a live order working.
			if err := e.cancelQuietly(orderID); err != nil {
				e.logger.Printf("Cancel of %s on shutdown failed: %v", orderID, err)
			}
			return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())

		case event := <-events:
			if event.State.Terminal() {
				return &event, nil
			}

		case <-fillTimer.C:
			if err := e.cancelQuietly(orderID); err != nil {
				e.logger.Printf("Cancel request for %s failed: %v", orderID, err)
			}
			return e.awaitCancel(ctx, orderID, events)
		}
	}
}

// awaitCancel drains events after a cancel request. The gateway may report
// a fill that raced the cancel; that fill is authoritative.
func (e *Executor) awaitCancel(ctx context.Context, orderID string, events <-chan broker.OrderEvent) (*broker.OrderEvent, error) {
	grace := time.NewTimer(e.config.CancelGrace)
	defer grace.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())

		case event := <-events:
			if event.State.Terminal() {
				return &event, nil
			}

		case <-grace.C:
			// No confirmation arrived; poll once so a silent fill is not
			// treated as a cancel.
			status, err := e.broker.GetOrderStatus(ctx, orderID)
			if err != nil {
				e.logger.Printf("Status poll for %s failed, assuming cancelled: %v", orderID, err)
				return &broker.OrderEvent{OrderID: orderID, State: broker.OrderCancelled, At: time.Now()}, nil
			}
			if status.State.Terminal() {
				return status, nil
			}
			return &broker.OrderEvent{OrderID: orderID, State: broker.OrderCancelled, At: time.Now()}, nil
		}
	}
}

func (e *Executor) cancelQuietly(orderID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.broker.CancelOrder(ctx, orderID)
}
