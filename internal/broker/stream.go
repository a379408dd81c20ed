package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jamiehall/spx-calendar-bot/internal/models"
)

// Gateway status codes carried on info frames. Connectivity chatter is
// expected during the session and is not an error; 504 means the gateway
// lost its upstream session and the socket must be rebuilt.
const (
	codeConnectionLost  = 504
	codeFarmConnected   = 2104
	codeDataMaintained  = 2106
	codeFarmReconnected = 2158
)

// StreamConfig tunes the websocket stream client.
type StreamConfig struct {
	URL               string
	APIKey            string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	WriteTimeout      time.Duration
}

// DefaultStreamConfig returns the stock stream settings.
func DefaultStreamConfig(wsURL, apiKey string) StreamConfig {
	return StreamConfig{
		URL:               wsURL,
		APIKey:            apiKey,
		ReconnectAttempts: 3,
		ReconnectDelay:    2 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
}

type quoteSub struct {
	id int64
	ch chan QuoteEvent
}

// Stream maintains the websocket session to the gateway and fans incoming
// frames out to typed per-order and per-leg channels.
type Stream struct {
	cfg    StreamConfig
	logger *log.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	orderSubs map[string][]*orderSub
	legSubs   map[string][]*quoteSub
	subSeq    int64
}

type orderSub struct {
	id int64
	ch chan OrderEvent
}

// NewStream creates a stream client. Run must be called to start it.
func NewStream(cfg StreamConfig, logger *log.Logger) *Stream {
	if logger == nil {
		logger = log.Default()
	}
	return &Stream{
		cfg:       cfg,
		logger:    logger,
		dialer:    websocket.DefaultDialer,
		orderSubs: make(map[string][]*orderSub),
		legSubs:   make(map[string][]*quoteSub),
	}
}

type wireFrame struct {
	Type         string  `json:"type"`
	Code         int     `json:"code,omitempty"`
	Message      string  `json:"message,omitempty"`
	Leg          string  `json:"leg,omitempty"`
	Bid          float64 `json:"bid,omitempty"`
	Ask          float64 `json:"ask,omitempty"`
	Delta        float64 `json:"delta,omitempty"`
	IV           float64 `json:"iv,omitempty"`
	OrderID      string  `json:"order_id,omitempty"`
	Status       string  `json:"status,omitempty"`
	AvgFillPrice float64 `json:"avg_fill_price,omitempty"`
	FilledQty    float64 `json:"filled_qty,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	Legs         []string `json:"legs,omitempty"`
}

// Run connects and services the stream until ctx is cancelled. Lost
// connections are rebuilt up to ReconnectAttempts times per outage; active
// leg subscriptions are replayed after each reconnect.
func (s *Stream) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.connect(ctx); err != nil {
			return fmt.Errorf("stream connect: %w", err)
		}

		err := s.readLoop(ctx)
		s.closeConn()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Printf("Stream disconnected: %v, reconnecting", err)
	}
}

func (s *Stream) connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.ReconnectAttempts; attempt++ {
		header := map[string][]string{"Authorization": {"Bearer " + s.cfg.APIKey}}
		conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
		if err == nil {
			s.mu.Lock()
			s.conn = conn
			legs := make([]string, 0, len(s.legSubs))
			for key := range s.legSubs {
				legs = append(legs, key)
			}
			s.mu.Unlock()

			if len(legs) > 0 {
				if err := s.send(wireFrame{Type: "subscribe", Legs: legs}); err != nil {
					s.logger.Printf("Failed to replay %d leg subscriptions: %v", len(legs), err)
				}
			}
			return nil
		}
		lastErr = err
		s.logger.Printf("Stream connect attempt %d/%d failed: %v", attempt, s.cfg.ReconnectAttempts, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * s.cfg.ReconnectDelay):
		}
	}
	return fmt.Errorf("all %d connect attempts failed: %w", s.cfg.ReconnectAttempts, lastErr)
}

func (s *Stream) readLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("connection closed")
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Printf("Skipping malformed frame: %v", err)
			continue
		}

		switch frame.Type {
		case "quote":
			s.dispatchQuote(frame)
		case "order":
			s.dispatchOrder(frame)
		case "heartbeat":
			// Keepalive only.
		case "info":
			switch frame.Code {
			case codeFarmConnected, codeDataMaintained, codeFarmReconnected:
				// Routine data-farm chatter.
			case codeConnectionLost:
				return fmt.Errorf("gateway reported connection lost (code %d)", frame.Code)
			default:
				s.logger.Printf("Gateway info %d: %s", frame.Code, frame.Message)
			}
		case "error":
			if frame.Code == codeConnectionLost {
				return fmt.Errorf("gateway connection lost: %s", frame.Message)
			}
			s.logger.Printf("Gateway error %d: %s", frame.Code, frame.Message)
		}
	}
}

func (s *Stream) dispatchQuote(frame wireFrame) {
	event := QuoteEvent{
		LegKey: frame.Leg,
		Bid:    frame.Bid,
		Ask:    frame.Ask,
		Delta:  frame.Delta,
		IV:     frame.IV,
		At:     time.Now(),
	}

	s.mu.Lock()
	subs := append([]*quoteSub(nil), s.legSubs[frame.Leg]...)
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			// Slow consumer: quotes are snapshots, dropping one is safe.
		}
	}
}

func (s *Stream) dispatchOrder(frame wireFrame) {
	event := OrderEvent{
		OrderID:      frame.OrderID,
		State:        OrderState(frame.Status),
		AvgFillPrice: frame.AvgFillPrice,
		FilledQty:    frame.FilledQty,
		Reason:       frame.Reason,
		At:           time.Now(),
	}

	s.mu.Lock()
	subs := append([]*orderSub(nil), s.orderSubs[frame.OrderID]...)
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			s.logger.Printf("Order event dropped for %s: subscriber not draining", frame.OrderID)
		}
	}
}

// WatchOrder returns a channel of push updates for one order. The returned
// function removes the subscription.
func (s *Stream) WatchOrder(orderID string) (<-chan OrderEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subSeq++
	sub := &orderSub{id: s.subSeq, ch: make(chan OrderEvent, 16)}
	s.orderSubs[orderID] = append(s.orderSubs[orderID], sub)

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.orderSubs[orderID]
		for i, existing := range subs {
			if existing.id == sub.id {
				s.orderSubs[orderID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(s.orderSubs[orderID]) == 0 {
			delete(s.orderSubs, orderID)
		}
	}
	return sub.ch, cancel
}

// SubscribeQuotes subscribes the given legs and returns a merged channel of
// their quote updates. The returned function unsubscribes all of them.
func (s *Stream) SubscribeQuotes(ctx context.Context, legs []models.Leg) (<-chan QuoteEvent, func(), error) {
	if len(legs) == 0 {
		return nil, nil, fmt.Errorf("no legs to subscribe")
	}

	s.mu.Lock()
	s.subSeq++
	id := s.subSeq
	ch := make(chan QuoteEvent, 64)
	keys := make([]string, 0, len(legs))
	newKeys := make([]string, 0, len(legs))
	for _, leg := range legs {
		key := leg.Key()
		keys = append(keys, key)
		if len(s.legSubs[key]) == 0 {
			newKeys = append(newKeys, key)
		}
		s.legSubs[key] = append(s.legSubs[key], &quoteSub{id: id, ch: ch})
	}
	s.mu.Unlock()

	if len(newKeys) > 0 {
		if err := s.send(wireFrame{Type: "subscribe", Legs: newKeys}); err != nil {
			// Connection may be mid-rebuild; the subscription replays on
			// reconnect, so the registration stands.
			s.logger.Printf("Subscribe request deferred: %v", err)
		}
	}

	cancel := func() {
		s.mu.Lock()
		var drop []string
		for _, key := range keys {
			subs := s.legSubs[key]
			for i, existing := range subs {
				if existing.id == id {
					s.legSubs[key] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(s.legSubs[key]) == 0 {
				delete(s.legSubs, key)
				drop = append(drop, key)
			}
		}
		s.mu.Unlock()

		if len(drop) > 0 {
			if err := s.send(wireFrame{Type: "unsubscribe", Legs: drop}); err != nil {
				s.logger.Printf("Unsubscribe request failed: %v", err)
			}
		}
	}
	return ch, cancel, nil
}

func (s *Stream) send(frame wireFrame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

func (s *Stream) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
