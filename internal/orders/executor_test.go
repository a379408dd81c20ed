package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jamiehall/spx-calendar-bot/internal/broker"
	"github.com/jamiehall/spx-calendar-bot/internal/models"
)

// attemptScript controls how the scripted broker treats one placed order.
type attemptScript struct {
	// onPlace is pushed to watchers right after placement ("" = stay working).
	onPlace broker.OrderState
	// onCancel is pushed when CancelOrder is called ("" = no confirmation).
	onCancel  broker.OrderState
	fillPrice float64
	reason    string
}

type scriptedBroker struct {
	mu     sync.Mutex
	script []attemptScript
	placed []broker.ComboOrder
	events map[string]chan broker.OrderEvent
	orders map[string]int // orderID -> attempt index
}

var _ broker.Broker = (*scriptedBroker)(nil)

func newScriptedBroker(script ...attemptScript) *scriptedBroker {
	return &scriptedBroker{
		script: script,
		events: make(map[string]chan broker.OrderEvent),
		orders: make(map[string]int),
	}
}

func (b *scriptedBroker) PlaceComboOrder(_ context.Context, order broker.ComboOrder) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := len(b.placed)
	b.placed = append(b.placed, order)
	orderID := fmt.Sprintf("ord-%d", idx+1)
	b.orders[orderID] = idx
	b.events[orderID] = make(chan broker.OrderEvent, 4)

	if idx < len(b.script) && b.script[idx].onPlace != "" {
		s := b.script[idx]
		b.events[orderID] <- broker.OrderEvent{
			OrderID:      orderID,
			State:        s.onPlace,
			AvgFillPrice: s.fillPrice,
			Reason:       s.reason,
			At:           time.Now(),
		}
	}
	return orderID, nil
}

func (b *scriptedBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if idx < len(b.script) && b.script[idx].onCancel != "" {
		s := b.script[idx]
		b.events[orderID] <- broker.OrderEvent{
			OrderID:      orderID,
			State:        s.onCancel,
			AvgFillPrice: s.fillPrice,
			At:           time.Now(),
		}
	}
	return nil
}

func (b *scriptedBroker) WatchOrder(orderID string) (<-chan broker.OrderEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.events[orderID]
	if !ok {
		ch = make(chan broker.OrderEvent)
		close(ch)
	}
	return ch, func() {}
}

func (b *scriptedBroker) GetOrderStatus(_ context.Context, orderID string) (*broker.OrderEvent, error) {
	return &broker.OrderEvent{OrderID: orderID, State: broker.OrderCancelled, At: time.Now()}, nil
}

func (b *scriptedBroker) GetQuote(context.Context, string) (*broker.Quote, error) {
	return &broker.Quote{Symbol: "SPX", Last: 6400}, nil
}

func (b *scriptedBroker) GetExpirations(context.Context, string) ([]string, error) {
	return nil, nil
}

func (b *scriptedBroker) GetOptionChain(context.Context, string, string) ([]broker.Option, error) {
	return nil, nil
}

func (b *scriptedBroker) VerifyContract(context.Context, string, string, float64, models.OptionRight) (int64, error) {
	return 1, nil
}

func (b *scriptedBroker) GetPositions(context.Context) ([]broker.PositionItem, error) {
	return nil, nil
}

func (b *scriptedBroker) SubscribeQuotes(context.Context, []models.Leg) (<-chan broker.QuoteEvent, func(), error) {
	ch := make(chan broker.QuoteEvent)
	close(ch)
	return ch, func() {}, nil
}

func (b *scriptedBroker) placedPrices() []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	prices := make([]float64, len(b.placed))
	for i, o := range b.placed {
		prices[i] = o.LimitPrice
	}
	return prices
}

func fastConfig(maxAttempts int, maxPremium float64) Config {
	return Config{
		FillTimeout:    30 * time.Millisecond,
		MaxAttempts:    maxAttempts,
		PriceIncrement: 0.05,
		MaxPremium:     maxPremium,
		Tick:           0.05,
		CancelGrace:    20 * time.Millisecond,
		AttemptPause:   time.Millisecond,
	}
}

func testOrder() broker.ComboOrder {
	return broker.ComboOrder{
		Symbol:   "SPX",
		Quantity: 4,
		TIF:      broker.TIFDay,
		Tag:      "test-1",
		Legs: []broker.ComboLeg{
			{ConID: 1, Action: broker.ActionSell, Ratio: 1},
			{ConID: 2, Action: broker.ActionSell, Ratio: 1},
			{ConID: 3, Action: broker.ActionBuy, Ratio: 1},
			{ConID: 4, Action: broker.ActionBuy, Ratio: 1},
		},
	}
}

func TestExecutor_FillsAtMid(t *testing.T) {
	b := newScriptedBroker(
		attemptScript{onPlace: broker.OrderFilled, fillPrice: 4.35},
	)
	exec := NewExecutor(b, log.Default(), fastConfig(5, 0.25))

	result, err := exec.Execute(context.Background(), testOrder(), 4.35)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
	if result.AvgFillPrice != 4.35 {
		t.Errorf("fill price = %.2f, want 4.35", result.AvgFillPrice)
	}
}

func TestExecutor_EscalatesThenFills(t *testing.T) {
	b := newScriptedBroker(
		attemptScript{onCancel: broker.OrderCancelled},
		attemptScript{onCancel: broker.OrderCancelled},
		attemptScript{onPlace: broker.OrderFilled, fillPrice: 4.45},
	)
	exec := NewExecutor(b, log.Default(), fastConfig(5, 0.25))

	result, err := exec.Execute(context.Background(), testOrder(), 4.35)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}

	want := []float64{4.35, 4.40, 4.45}
	got := b.placedPrices()
	if len(got) != len(want) {
		t.Fatalf("placed %d orders, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("attempt %d price = %.2f, want %.2f", i+1, got[i], want[i])
		}
	}
}

func TestExecutor_StopsAtPremiumCap(t *testing.T) {
	// Start 4.35, cap +0.25: six levels up to 4.60, then the next escalation
	// would breach the cap and the execution gives up.
	script := make([]attemptScript, 8)
	for i := range script {
		script[i] = attemptScript{onCancel: broker.OrderCancelled}
	}
	b := newScriptedBroker(script...)
	exec := NewExecutor(b, log.Default(), fastConfig(8, 0.25))

	_, err := exec.Execute(context.Background(), testOrder(), 4.35)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}

	got := b.placedPrices()
	if len(got) != 6 {
		t.Fatalf("placed %d orders, want 6 (no re-working at the cap)", len(got))
	}
	ceiling := 4.60
	for i, price := range got {
		if price > ceiling+1e-9 {
			t.Errorf("attempt %d price %.2f exceeds cap %.2f", i+1, price, ceiling)
		}
	}
}

func TestExecutor_ExhaustionReturnsErrExhausted(t *testing.T) {
	b := newScriptedBroker(
		attemptScript{onCancel: broker.OrderCancelled},
		attemptScript{onCancel: broker.OrderCancelled},
		attemptScript{onCancel: broker.OrderCancelled},
	)
	exec := NewExecutor(b, log.Default(), fastConfig(3, 0))

	_, err := exec.Execute(context.Background(), testOrder(), 4.35)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if len(b.placedPrices()) != 3 {
		t.Errorf("placed %d orders, want 3", len(b.placedPrices()))
	}
}

func TestExecutor_FillBeatsCancel(t *testing.T) {
	// No event until the cancel request, which is answered with a fill:
	// the fill must win even though we asked to cancel.
	b := newScriptedBroker(
		attemptScript{onCancel: broker.OrderFilled, fillPrice: 4.35},
	)
	exec := NewExecutor(b, log.Default(), fastConfig(3, 0.25))

	result, err := exec.Execute(context.Background(), testOrder(), 4.35)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
	if result.AvgFillPrice != 4.35 {
		t.Errorf("fill price = %.2f, want 4.35", result.AvgFillPrice)
	}
}

func TestExecutor_RejectionEscalatesLikeTimeout(t *testing.T) {
	// A rejection ends only that attempt: the next level is tried just as if
	// the order had timed out, and exhaustion is reported at the end.
	b := newScriptedBroker(
		attemptScript{onPlace: broker.OrderRejected, reason: "price too low"},
		attemptScript{onPlace: broker.OrderRejected, reason: "price too low"},
		attemptScript{onPlace: broker.OrderRejected, reason: "price too low"},
	)
	exec := NewExecutor(b, log.Default(), fastConfig(3, 0.25))

	_, err := exec.Execute(context.Background(), testOrder(), 4.35)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}

	want := []float64{4.35, 4.40, 4.45}
	got := b.placedPrices()
	if len(got) != len(want) {
		t.Fatalf("placed %d orders, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("attempt %d price = %.2f, want %.2f", i+1, got[i], want[i])
		}
	}
}

func TestExecutor_RejectionThenFill(t *testing.T) {
	b := newScriptedBroker(
		attemptScript{onPlace: broker.OrderRejected, reason: "margin check failed"},
		attemptScript{onPlace: broker.OrderFilled, fillPrice: 4.40},
	)
	exec := NewExecutor(b, log.Default(), fastConfig(5, 0.25))

	result, err := exec.Execute(context.Background(), testOrder(), 4.35)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", result.Attempts)
	}
	if result.AvgFillPrice != 4.40 {
		t.Errorf("fill price = %.2f, want 4.40", result.AvgFillPrice)
	}
}

func TestExecutor_ExitDescendsCredit(t *testing.T) {
	// Closing combos quote negative (a credit demanded). Escalation adds
	// the increment, so each attempt accepts a little less credit.
	b := newScriptedBroker(
		attemptScript{onCancel: broker.OrderCancelled},
		attemptScript{onPlace: broker.OrderFilled, fillPrice: -6.45},
	)
	cfg := fastConfig(8, 0)
	exec := NewExecutor(b, log.Default(), cfg)

	result, err := exec.Execute(context.Background(), testOrder(), -6.50)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.AvgFillPrice != -6.45 {
		t.Errorf("fill price = %.2f, want -6.45", result.AvgFillPrice)
	}

	want := []float64{-6.50, -6.45}
	got := b.placedPrices()
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("attempt %d price = %.2f, want %.2f", i+1, got[i], want[i])
		}
	}
}

func TestExecutor_ContextCancellation(t *testing.T) {
	b := newScriptedBroker(attemptScript{})
	exec := NewExecutor(b, log.Default(), Config{
		FillTimeout:    5 * time.Second,
		MaxAttempts:    3,
		PriceIncrement: 0.05,
		Tick:           0.05,
		CancelGrace:    10 * time.Millisecond,
		AttemptPause:   time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := exec.Execute(ctx, testOrder(), 4.35)
	if err == nil {
		t.Fatal("Execute succeeded despite cancelled context")
	}
}
