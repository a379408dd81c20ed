// Package broker provides the trading gateway client used to quote, stream,
// and execute SPX option combo orders.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jamiehall/spx-calendar-bot/internal/models"
	"github.com/sony/gobreaker"
)

// StrikeMatchEpsilon is the tolerance for matching strike prices.
const StrikeMatchEpsilon = 1e-3

// QuantityEpsilon is the tolerance for position quantity comparisons.
const QuantityEpsilon = 1e-6

// ErrNoQuote is returned when a leg has no usable bid/ask yet.
var ErrNoQuote = errors.New("no valid quote available")

// APIError represents a gateway error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Quote is an underlying quote snapshot.
type Quote struct {
	Symbol string  `json:"symbol"`
	Last   float64 `json:"last"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// Greeks carries per-contract greeks from the gateway.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	IV    float64 `json:"iv"`
}

// Option is one contract row of an option chain.
type Option struct {
	Greeks *Greeks            `json:"greeks,omitempty"`
	Symbol string             `json:"symbol"`
	Expiry string             `json:"expiry"` // YYYYMMDD
	Right  models.OptionRight `json:"right"`
	Strike float64            `json:"strike"`
	Bid    float64            `json:"bid"`
	Ask    float64            `json:"ask"`
	Last   float64            `json:"last"`
	ConID  int64              `json:"conid"`
}

// Mid returns the option midpoint, or an error when either side is missing.
func (o *Option) Mid() (float64, error) {
	if o.Bid <= 0 || o.Ask <= 0 || o.Ask < o.Bid {
		return 0, fmt.Errorf("%w for %s %g %s", ErrNoQuote, o.Expiry, o.Strike, o.Right)
	}
	return (o.Bid + o.Ask) / 2, nil
}

// PositionItem is one row of the broker's position snapshot.
type PositionItem struct {
	Symbol   string             `json:"symbol"`
	Expiry   string             `json:"expiry"` // YYYYMMDD, empty for non-options
	Right    models.OptionRight `json:"right"`
	Strike   float64            `json:"strike"`
	Quantity float64            `json:"quantity"` // signed
	ConID    int64              `json:"conid"`
}

// Key returns the reconciliation key matching models.Leg.Key.
func (p *PositionItem) Key() string {
	return fmt.Sprintf("%s-%s-%g-%s", p.Symbol, p.Expiry, p.Strike, p.Right)
}

// ComboAction is the side of a combo leg.
type ComboAction string

const (
	ActionBuy  ComboAction = "BUY"
	ActionSell ComboAction = "SELL"
)

// ComboLeg is one leg of a combo order, addressed by contract ID.
type ComboLeg struct {
	ConID  int64       `json:"conid"`
	Action ComboAction `json:"action"`
	Ratio  int         `json:"ratio"`
}

// TimeInForce is the order duration.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
)

// ComboOrder is a multi-leg limit order. LimitPrice follows combo quoting
// conventions: a positive price pays a debit, a negative price demands a
// credit.
type ComboOrder struct {
	Symbol     string      `json:"symbol"`
	Legs       []ComboLeg  `json:"legs"`
	Quantity   int         `json:"quantity"`
	LimitPrice float64     `json:"limit_price"`
	TIF        TimeInForce `json:"tif"`
	Tag        string      `json:"tag"`
}

// OrderState is the gateway-reported status of an order.
type OrderState string

const (
	OrderSubmitted    OrderState = "Submitted"
	OrderPreSubmitted OrderState = "PreSubmitted"
	OrderFilled       OrderState = "Filled"
	OrderCancelled    OrderState = "Cancelled"
	OrderRejected     OrderState = "Rejected"
)

// Terminal reports whether the state is final.
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// OrderEvent is a push update for a working order.
type OrderEvent struct {
	OrderID      string
	State        OrderState
	AvgFillPrice float64
	FilledQty    float64
	Reason       string
	At           time.Time
}

// QuoteEvent is a push update for one subscribed option leg.
type QuoteEvent struct {
	LegKey string
	Bid    float64
	Ask    float64
	Delta  float64
	IV     float64
	At     time.Time
}

// Valid reports whether both sides of the quote are usable.
func (q *QuoteEvent) Valid() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Ask >= q.Bid
}

// Broker is the gateway contract the rest of the system depends on.
// Blocking calls take a context; streaming methods hand back typed event
// channels with an unsubscribe function.
type Broker interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetExpirations(ctx context.Context, symbol string) ([]string, error)
	GetOptionChain(ctx context.Context, symbol, expiry string) ([]Option, error)
	VerifyContract(ctx context.Context, symbol, expiry string, strike float64, right models.OptionRight) (int64, error)
	GetPositions(ctx context.Context) ([]PositionItem, error)

	PlaceComboOrder(ctx context.Context, order ComboOrder) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (*OrderEvent, error)

	WatchOrder(orderID string) (<-chan OrderEvent, func())
	SubscribeQuotes(ctx context.Context, legs []models.Leg) (<-chan QuoteEvent, func(), error)
}

// Compile-time interface compliance checks.
var (
	_ Broker = (*GatewayAPI)(nil)
	_ Broker = (*CircuitBreakerBroker)(nil)
)

// CircuitBreakerBroker wraps a Broker with a circuit breaker so a flapping
// gateway fails fast instead of stalling the scheduler.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
	logger  *log.Logger
}

// CircuitBreakerConfig tunes the breaker thresholds.
type CircuitBreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultCircuitBreakerConfig returns conservative defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewCircuitBreakerBroker wraps broker with breaker settings from cfg.
func NewCircuitBreakerBroker(b Broker, logger *log.Logger, config ...CircuitBreakerConfig) *CircuitBreakerBroker {
	cfg := DefaultCircuitBreakerConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.Default()
	}

	settings := gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Printf("Circuit breaker %s: %s -> %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  b,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// execCircuitBreaker runs fn through the breaker with typed results.
func execCircuitBreaker[T any](cb *CircuitBreakerBroker, fn func() (T, error)) (T, error) {
	result, err := cb.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected result type %T from circuit breaker", result)
	}
	return typed, nil
}

// GetQuote implements Broker.
func (cb *CircuitBreakerBroker) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	return execCircuitBreaker(cb, func() (*Quote, error) {
		return cb.broker.GetQuote(ctx, symbol)
	})
}

// GetExpirations implements Broker.
func (cb *CircuitBreakerBroker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	return execCircuitBreaker(cb, func() ([]string, error) {
		return cb.broker.GetExpirations(ctx, symbol)
	})
}

// GetOptionChain implements Broker.
func (cb *CircuitBreakerBroker) GetOptionChain(ctx context.Context, symbol, expiry string) ([]Option, error) {
	return execCircuitBreaker(cb, func() ([]Option, error) {
		return cb.broker.GetOptionChain(ctx, symbol, expiry)
	})
}

// VerifyContract implements Broker.
func (cb *CircuitBreakerBroker) VerifyContract(
	ctx context.Context, symbol, expiry string, strike float64, right models.OptionRight,
) (int64, error) {
	return execCircuitBreaker(cb, func() (int64, error) {
		return cb.broker.VerifyContract(ctx, symbol, expiry, strike, right)
	})
}

// GetPositions implements Broker.
func (cb *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(cb, func() ([]PositionItem, error) {
		return cb.broker.GetPositions(ctx)
	})
}

// PlaceComboOrder implements Broker.
func (cb *CircuitBreakerBroker) PlaceComboOrder(ctx context.Context, order ComboOrder) (string, error) {
	return execCircuitBreaker(cb, func() (string, error) {
		return cb.broker.PlaceComboOrder(ctx, order)
	})
}

// CancelOrder implements Broker.
func (cb *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(cb, func() (struct{}, error) {
		return struct{}{}, cb.broker.CancelOrder(ctx, orderID)
	})
	return err
}

// GetOrderStatus implements Broker.
func (cb *CircuitBreakerBroker) GetOrderStatus(ctx context.Context, orderID string) (*OrderEvent, error) {
	return execCircuitBreaker(cb, func() (*OrderEvent, error) {
		return cb.broker.GetOrderStatus(ctx, orderID)
	})
}

// WatchOrder passes through: event channels are not breaker-guarded.
func (cb *CircuitBreakerBroker) WatchOrder(orderID string) (<-chan OrderEvent, func()) {
	return cb.broker.WatchOrder(orderID)
}

// SubscribeQuotes passes through the subscription but guards the setup call.
func (cb *CircuitBreakerBroker) SubscribeQuotes(
	ctx context.Context, legs []models.Leg,
) (<-chan QuoteEvent, func(), error) {
	type sub struct {
		ch     <-chan QuoteEvent
		cancel func()
	}
	s, err := execCircuitBreaker(cb, func() (sub, error) {
		ch, cancel, err := cb.broker.SubscribeQuotes(ctx, legs)
		return sub{ch: ch, cancel: cancel}, err
	})
	if err != nil {
		return nil, nil, err
	}
	return s.ch, s.cancel, nil
}
