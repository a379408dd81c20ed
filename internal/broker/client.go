package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jamiehall/spx-calendar-bot/internal/models"
)

const defaultBaseURL = "https://localhost:5000/v1/api"

// GatewayAPI talks to the local broker gateway's REST bridge. Order and
// quote pushes arrive over the companion websocket Stream.
type GatewayAPI struct {
	client    *http.Client
	stream    *Stream
	baseURL   string
	apiKey    string
	accountID string
	tagSeq    atomic.Int64
}

// NewGatewayAPI creates a gateway client. An empty baseURL selects the
// default local gateway address. The stream may be nil for tooling that only
// needs the REST surface; streaming methods then return closed channels.
func NewGatewayAPI(baseURL, apiKey, accountID string, stream *Stream) *GatewayAPI {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	g := &GatewayAPI{
		client:    &http.Client{Timeout: 10 * time.Second},
		stream:    stream,
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		accountID: accountID,
	}
	// Seed the order tag sequence off the clock so tags stay unique across
	// restarts within the same trading day.
	g.tagSeq.Store(time.Now().Unix())
	return g
}

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func (g *GatewayAPI) WithHTTPClient(c *http.Client) *GatewayAPI {
	if c != nil {
		g.client = c
	}
	return g
}

// NextTag returns a unique client order tag from the single monotonic
// sequence.
func (g *GatewayAPI) NextTag(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, g.tagSeq.Add(1))
}

func (g *GatewayAPI) doRequest(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := g.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// GetQuote returns the underlying quote snapshot.
func (g *GatewayAPI) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	q := url.Values{"symbol": {symbol}}
	var resp struct {
		Quote Quote `json:"quote"`
	}
	if err := g.doRequest(ctx, http.MethodGet, "/marketdata/quote", q, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Quote.Last <= 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoQuote, symbol)
	}
	return &resp.Quote, nil
}

// GetExpirations lists available option expiries as YYYYMMDD, ascending.
func (g *GatewayAPI) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	q := url.Values{"symbol": {symbol}}
	var resp struct {
		Expirations []string `json:"expirations"`
	}
	if err := g.doRequest(ctx, http.MethodGet, "/options/expirations", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Expirations, nil
}

// GetOptionChain returns the chain with greeks for one expiry.
func (g *GatewayAPI) GetOptionChain(ctx context.Context, symbol, expiry string) ([]Option, error) {
	q := url.Values{"symbol": {symbol}, "expiry": {expiry}, "greeks": {"true"}}
	var resp struct {
		Options []Option `json:"options"`
	}
	if err := g.doRequest(ctx, http.MethodGet, "/options/chain", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Options, nil
}

// VerifyContract resolves a specific contract and returns its conID, or an
// error when the gateway does not know the contract.
func (g *GatewayAPI) VerifyContract(
	ctx context.Context, symbol, expiry string, strike float64, right models.OptionRight,
) (int64, error) {
	q := url.Values{
		"symbol": {symbol},
		"expiry": {expiry},
		"strike": {fmt.Sprintf("%g", strike)},
		"right":  {string(right)},
	}
	var resp struct {
		ConID int64 `json:"conid"`
	}
	if err := g.doRequest(ctx, http.MethodGet, "/options/contract", q, nil, &resp); err != nil {
		return 0, err
	}
	if resp.ConID == 0 {
		return 0, fmt.Errorf("contract %s %s %g %s not found", symbol, expiry, strike, right)
	}
	return resp.ConID, nil
}

// GetPositions returns the account's current position snapshot.
func (g *GatewayAPI) GetPositions(ctx context.Context) ([]PositionItem, error) {
	q := url.Values{"account": {g.accountID}}
	var resp struct {
		Positions []PositionItem `json:"positions"`
	}
	if err := g.doRequest(ctx, http.MethodGet, "/portfolio/positions", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

// PlaceComboOrder submits a multi-leg limit order and returns the order ID.
func (g *GatewayAPI) PlaceComboOrder(ctx context.Context, order ComboOrder) (string, error) {
	if len(order.Legs) == 0 {
		return "", fmt.Errorf("combo order requires at least one leg")
	}
	if order.Quantity <= 0 {
		return "", fmt.Errorf("combo order quantity must be positive, got %d", order.Quantity)
	}
	if order.Tag == "" {
		order.Tag = g.NextTag("spxcal")
	}

	payload := struct {
		Account string `json:"account"`
		ComboOrder
	}{Account: g.accountID, ComboOrder: order}

	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := g.doRequest(ctx, http.MethodPost, "/orders", nil, payload, &resp); err != nil {
		return "", err
	}
	if resp.OrderID == "" {
		return "", fmt.Errorf("gateway accepted order but returned no order ID")
	}
	return resp.OrderID, nil
}

// CancelOrder requests cancellation of a working order. Cancellation is
// asynchronous; confirmation arrives as an order event.
func (g *GatewayAPI) CancelOrder(ctx context.Context, orderID string) error {
	return g.doRequest(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, nil, nil)
}

// GetOrderStatus polls the current state of an order.
func (g *GatewayAPI) GetOrderStatus(ctx context.Context, orderID string) (*OrderEvent, error) {
	var resp struct {
		OrderID      string  `json:"order_id"`
		Status       string  `json:"status"`
		AvgFillPrice float64 `json:"avg_fill_price"`
		FilledQty    float64 `json:"filled_qty"`
		Reason       string  `json:"reason"`
	}
	if err := g.doRequest(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &OrderEvent{
		OrderID:      resp.OrderID,
		State:        OrderState(resp.Status),
		AvgFillPrice: resp.AvgFillPrice,
		FilledQty:    resp.FilledQty,
		Reason:       resp.Reason,
		At:           time.Now(),
	}, nil
}

// WatchOrder subscribes to push updates for one order via the stream.
func (g *GatewayAPI) WatchOrder(orderID string) (<-chan OrderEvent, func()) {
	if g.stream == nil {
		ch := make(chan OrderEvent)
		close(ch)
		return ch, func() {}
	}
	return g.stream.WatchOrder(orderID)
}

// SubscribeQuotes subscribes the given legs on the stream.
func (g *GatewayAPI) SubscribeQuotes(ctx context.Context, legs []models.Leg) (<-chan QuoteEvent, func(), error) {
	if g.stream == nil {
		return nil, nil, fmt.Errorf("streaming not configured")
	}
	return g.stream.SubscribeQuotes(ctx, legs)
}
