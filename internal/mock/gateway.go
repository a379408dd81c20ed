// Package mock provides a synthetic gateway for offline runs: SPX quotes,
// option chains with plausible greeks, and instant combo fills.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/jamiehall/spx-calendar-bot/internal/broker"
	"github.com/jamiehall/spx-calendar-bot/internal/models"
)

const (
	strikeInterval = 5.0
	chainBelowSpot = 400.0
	chainAboveSpot = 300.0
	// deltaDecay controls how fast synthetic delta falls off with distance
	// from spot, tuned so ~0.20 delta lands 200-250 points out.
	deltaDecay = 0.004
)

// Gateway implements broker.Broker with generated market data. Combo orders
// fill immediately at their limit price.
type Gateway struct {
	mu sync.Mutex

	symbol    string
	spot      float64
	iv        float64
	nextOrder int
	orders    map[string]*broker.OrderEvent
	positions map[string]*broker.PositionItem
	watchers  map[string][]chan broker.OrderEvent
}

var _ broker.Broker = (*Gateway)(nil)

// NewGateway creates a synthetic gateway with spot near 6400.
func NewGateway(symbol string) *Gateway {
	return &Gateway{
		symbol:    symbol,
		spot:      6350 + secureFloat64()*100,
		iv:        0.12 + secureFloat64()*0.08,
		orders:    make(map[string]*broker.OrderEvent),
		positions: make(map[string]*broker.PositionItem),
		watchers:  make(map[string][]chan broker.OrderEvent),
	}
}

// secureFloat64 returns a random float64 in [0, 1).
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// GetQuote implements broker.Broker with a small random walk.
func (g *Gateway) GetQuote(_ context.Context, symbol string) (*broker.Quote, error) {
	if symbol != g.symbol {
		return nil, fmt.Errorf("unknown symbol %q", symbol)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spot += (secureFloat64() - 0.5) * 4
	return &broker.Quote{
		Symbol: symbol,
		Last:   g.spot,
		Bid:    g.spot - 0.25,
		Ask:    g.spot + 0.25,
	}, nil
}

// GetExpirations lists the next ten weekly expiries.
func (g *Gateway) GetExpirations(_ context.Context, symbol string) ([]string, error) {
	if symbol != g.symbol {
		return nil, fmt.Errorf("unknown symbol %q", symbol)
	}
	now := time.Now()
	out := make([]string, 0, 10)
	for i := 1; i <= 10; i++ {
		out = append(out, now.AddDate(0, 0, 7*i).Format("20060102"))
	}
	return out, nil
}

// GetOptionChain generates a two-sided chain around spot with greeks.
func (g *Gateway) GetOptionChain(_ context.Context, symbol, expiry string) ([]broker.Option, error) {
	if symbol != g.symbol {
		return nil, fmt.Errorf("unknown symbol %q", symbol)
	}
	expDate, err := time.Parse("20060102", expiry)
	if err != nil {
		return nil, fmt.Errorf("bad expiry %q: %w", expiry, err)
	}

	g.mu.Lock()
	spot, iv := g.spot, g.iv
	g.mu.Unlock()

	dte := time.Until(expDate).Hours() / 24
	if dte < 1 {
		dte = 1
	}
	timeValue := math.Sqrt(dte / 365)

	start := math.Floor((spot-chainBelowSpot)/strikeInterval) * strikeInterval
	end := spot + chainAboveSpot

	var chain []broker.Option
	for strike := start; strike <= end; strike += strikeInterval {
		distance := math.Abs(strike - spot)
		decay := math.Exp(-distance * deltaDecay)

		putDelta := -0.5 * decay
		if strike > spot {
			putDelta = -0.5 * (2 - decay)
		}
		callDelta := 0.5 * decay
		if strike < spot {
			callDelta = 0.5 * (2 - decay)
		}

		for _, right := range []models.OptionRight{models.RightPut, models.RightCall} {
			delta := putDelta
			if right == models.RightCall {
				delta = callDelta
			}
			price := math.Max(0.25, iv*timeValue*spot*0.02*math.Abs(delta))
			chain = append(chain, broker.Option{
				Symbol: symbol,
				Expiry: expiry,
				Right:  right,
				Strike: strike,
				Bid:    price - 0.05,
				Ask:    price + 0.05,
				Last:   price,
				ConID:  contractID(expiry, strike, right),
				Greeks: &broker.Greeks{
					Delta: delta,
					Theta: -0.05 * iv,
					Vega:  0.10 * iv,
					IV:    iv,
				},
			})
		}
	}
	return chain, nil
}

// contractID derives a stable synthetic contract ID.
func contractID(expiry string, strike float64, right models.OptionRight) int64 {
	exp, _ := strconv.ParseInt(expiry, 10, 64)
	id := exp*100000 + int64(strike*10)
	if right == models.RightCall {
		id++
	}
	return id
}

// VerifyContract implements broker.Broker.
func (g *Gateway) VerifyContract(_ context.Context, symbol, expiry string, strike float64, right models.OptionRight) (int64, error) {
	if symbol != g.symbol {
		return 0, fmt.Errorf("unknown symbol %q", symbol)
	}
	return contractID(expiry, strike, right), nil
}

// GetPositions implements broker.Broker.
func (g *Gateway) GetPositions(_ context.Context) ([]broker.PositionItem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]broker.PositionItem, 0, len(g.positions))
	for _, item := range g.positions {
		out = append(out, *item)
	}
	return out, nil
}

// PlaceComboOrder fills the order at its limit price and books the legs.
func (g *Gateway) PlaceComboOrder(_ context.Context, order broker.ComboOrder) (string, error) {
	if len(order.Legs) == 0 {
		return "", fmt.Errorf("combo order has no legs")
	}

	g.mu.Lock()
	g.nextOrder++
	orderID := fmt.Sprintf("MOCK-%d", g.nextOrder)

	event := broker.OrderEvent{
		OrderID:      orderID,
		State:        broker.OrderFilled,
		AvgFillPrice: order.LimitPrice,
		FilledQty:    float64(order.Quantity),
		At:           time.Now(),
	}
	g.orders[orderID] = &event
	g.bookLegs(order)
	watchers := g.watchers[orderID]
	g.mu.Unlock()

	for _, ch := range watchers {
		ch <- event
	}
	return orderID, nil
}

// bookLegs applies the fill to the position book. Caller holds the lock.
func (g *Gateway) bookLegs(order broker.ComboOrder) {
	for _, leg := range order.Legs {
		signed := float64(order.Quantity * leg.Ratio)
		if leg.Action == broker.ActionSell {
			signed = -signed
		}
		key := fmt.Sprintf("%d", leg.ConID)
		if item, ok := g.positions[key]; ok {
			item.Quantity += signed
			if math.Abs(item.Quantity) < broker.QuantityEpsilon {
				delete(g.positions, key)
			}
			continue
		}
		g.positions[key] = &broker.PositionItem{
			Symbol:   order.Symbol,
			ConID:    leg.ConID,
			Quantity: signed,
		}
	}
}

// CancelOrder implements broker.Broker. Fills are instant, so a cancel only
// succeeds for unknown orders in flight.
func (g *Gateway) CancelOrder(_ context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.orders[orderID]; !ok {
		g.orders[orderID] = &broker.OrderEvent{
			OrderID: orderID,
			State:   broker.OrderCancelled,
			At:      time.Now(),
		}
	}
	return nil
}

// GetOrderStatus implements broker.Broker.
func (g *Gateway) GetOrderStatus(_ context.Context, orderID string) (*broker.OrderEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	event, ok := g.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %q", orderID)
	}
	copied := *event
	return &copied, nil
}

// WatchOrder implements broker.Broker. An already-terminal order replays its
// final event immediately.
func (g *Gateway) WatchOrder(orderID string) (<-chan broker.OrderEvent, func()) {
	ch := make(chan broker.OrderEvent, 1)

	g.mu.Lock()
	if event, ok := g.orders[orderID]; ok && event.State.Terminal() {
		ch <- *event
	} else {
		g.watchers[orderID] = append(g.watchers[orderID], ch)
	}
	g.mu.Unlock()

	stop := func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		watchers := g.watchers[orderID]
		for i, w := range watchers {
			if w == ch {
				g.watchers[orderID] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
	}
	return ch, stop
}

// SubscribeQuotes streams synthetic two-sided quotes for the legs until the
// context ends or the subscription is cancelled.
func (g *Gateway) SubscribeQuotes(ctx context.Context, legs []models.Leg) (<-chan broker.QuoteEvent, func(), error) {
	if len(legs) == 0 {
		return nil, nil, fmt.Errorf("no legs to subscribe")
	}

	ch := make(chan broker.QuoteEvent, len(legs)*4)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
				for _, leg := range legs {
					event := g.legQuote(leg)
					select {
					case ch <- event:
					default:
					}
				}
			}
		}
	}()
	return ch, cancel, nil
}

func (g *Gateway) legQuote(leg models.Leg) broker.QuoteEvent {
	g.mu.Lock()
	spot, iv := g.spot, g.iv
	g.mu.Unlock()

	distance := math.Abs(leg.Strike - spot)
	decay := math.Exp(-distance * deltaDecay)
	delta := 0.5 * decay
	if leg.Right == models.RightPut {
		delta = -delta
	}
	mid := math.Max(0.5, iv*spot*0.01*math.Abs(delta))
	jitter := (secureFloat64() - 0.5) * 0.10
	return broker.QuoteEvent{
		LegKey: leg.Key(),
		Bid:    mid + jitter - 0.05,
		Ask:    mid + jitter + 0.05,
		Delta:  delta,
		IV:     iv,
		At:     time.Now(),
	}
}
