// Package dashboard exposes the bot's state and command queue over HTTP.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/jamiehall/spx-calendar-bot/internal/broker"
	"github.com/jamiehall/spx-calendar-bot/internal/models"
	"github.com/jamiehall/spx-calendar-bot/internal/storage"
)

type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	broker    broker.Broker
	logger    *logrus.Logger
	symbol    string
	port      int
	authToken string
}

type Config struct {
	Port      int
	AuthToken string
	Symbol    string
}

// TradeView is the wire shape of one trade row.
type TradeView struct {
	TradeID       string  `json:"trade_id"`
	Status        string  `json:"status"`
	EntryDate     string  `json:"entry_date"`
	PutStrike     float64 `json:"put_strike"`
	CallStrike    float64 `json:"call_strike"`
	ShortExpiry   string  `json:"short_expiry"`
	LongExpiry    string  `json:"long_expiry"`
	PositionSize  int     `json:"position_size"`
	EntryCredit   float64 `json:"entry_credit"`
	CurrentValue  float64 `json:"current_value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	ProfitTarget  float64 `json:"profit_target"`
	TargetStatus  string  `json:"profit_target_status"`
	IsProfit      bool    `json:"is_profit"`
}

// Statistics summarizes closed-trade performance plus what is open now.
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AveragePnL    float64 `json:"average_pnl"`
	CurrentOpen   int     `json:"current_open"`
	SpotPrice     float64 `json:"spot_price"`
}

func NewServer(cfg Config, store storage.Interface, b broker.Broker, logger *logrus.Logger) *Server {
	if cfg.Symbol == "" {
		cfg.Symbol = "SPX"
	}
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		broker:    b,
		logger:    logger,
		symbol:    cfg.Symbol,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/trades", s.handleGetTrades)
	s.router.Get("/api/trades/{id}", s.handleGetTrade)
	s.router.Get("/api/stats", s.handleGetStats)

	s.router.Get("/api/settings", s.handleGetSettings)
	s.router.Put("/api/settings/{name}", s.handlePutSetting)

	s.router.Get("/api/commands", s.handleGetCommands)
	s.router.Post("/api/commands/close/{id}", s.commandHandler(models.CommandClosePosition))
	s.router.Post("/api/commands/release/{id}", s.commandHandler(models.CommandStopManaging))
	s.router.Post("/api/commands/gtc", s.globalCommandHandler(models.CommandPlaceMissingGTC))
	s.router.Post("/api/commands/gtc/{id}", s.commandHandler(models.CommandPlaceMissingGTC))
	s.router.Post("/api/commands/reconcile", s.globalCommandHandler(models.CommandRunReconciliation))
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, _ *http.Request) {
	trades, err := s.storage.GetActiveTrades()
	if err != nil {
		s.logger.WithError(err).Error("Failed to load active trades")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	views := make([]TradeView, 0, len(trades))
	for _, trade := range trades {
		views = append(views, tradeView(trade))
	}
	s.writeJSON(w, views)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	trade, err := s.storage.GetTrade(id)
	if err != nil {
		if errors.Is(err, storage.ErrTradeNotFound) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		s.logger.WithError(err).Error("Failed to load trade")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	orders, err := s.storage.GetOrderHistory(id)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to load order history")
	}

	s.writeJSON(w, map[string]any{
		"trade":  tradeView(trade),
		"orders": orders,
	})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats := &Statistics{}

	closed, err := s.storage.GetTradesByStatus(models.StateClosed)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load closed trades")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	for _, trade := range closed {
		stats.TotalTrades++
		if trade.RealizedPnL > 0 {
			stats.WinningTrades++
		} else {
			stats.LosingTrades++
		}
		stats.TotalPnL += trade.RealizedPnL
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades) * 100
		stats.AveragePnL = stats.TotalPnL / float64(stats.TotalTrades)
	}

	open, err := s.storage.GetActiveTrades()
	if err == nil {
		stats.CurrentOpen = len(open)
	}

	if quote, err := s.broker.GetQuote(r.Context(), s.symbol); err == nil {
		stats.SpotPrice = quote.Last
	} else {
		s.logger.WithError(err).Warn("Failed to get spot quote")
	}

	s.writeJSON(w, stats)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	settings, err := s.storage.ListSettings()
	if err != nil {
		s.logger.WithError(err).Error("Failed to list settings")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, settings)
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if err := s.storage.SetSetting(name, body.Value); err != nil {
		if errors.Is(err, storage.ErrSettingNotFound) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	s.logger.Infof("Setting %s updated to %q", name, body.Value)
	s.writeJSON(w, map[string]string{"name": name, "value": body.Value})
}

func (s *Server) handleGetCommands(w http.ResponseWriter, _ *http.Request) {
	commands, err := s.storage.PendingCommands()
	if err != nil {
		s.logger.WithError(err).Error("Failed to list pending commands")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, commands)
}

// commandHandler enqueues a per-trade command after checking the trade exists.
func (s *Server) commandHandler(cmdType models.CommandType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tradeID := chi.URLParam(r, "id")

		if _, err := s.storage.GetTrade(tradeID); err != nil {
			if errors.Is(err, storage.ErrTradeNotFound) {
				http.Error(w, "Not Found", http.StatusNotFound)
				return
			}
			s.logger.WithError(err).Error("Failed to load trade for command")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		id, err := s.storage.EnqueueCommand(cmdType, tradeID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}

		s.logger.Infof("Command %s queued for %s (id %d)", cmdType, tradeID, id)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(map[string]any{"id": id, "type": cmdType, "trade_id": tradeID}); err != nil {
			s.logger.WithError(err).Error("Failed to encode response")
		}
	}
}

// globalCommandHandler enqueues a command that operates across all trades.
func (s *Server) globalCommandHandler(cmdType models.CommandType) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		id, err := s.storage.EnqueueCommand(cmdType, "")
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}

		s.logger.Infof("Command %s queued (id %d)", cmdType, id)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(map[string]any{"id": id, "type": cmdType}); err != nil {
			s.logger.WithError(err).Error("Failed to encode response")
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func tradeView(trade *models.CalendarSpread) TradeView {
	return TradeView{
		TradeID:       trade.TradeID,
		Status:        string(trade.Status),
		EntryDate:     trade.EntryDate,
		PutStrike:     trade.PutStrike,
		CallStrike:    trade.CallStrike,
		ShortExpiry:   trade.ShortExpiry,
		LongExpiry:    trade.LongExpiry,
		PositionSize:  trade.PositionSize,
		EntryCredit:   trade.EntryCredit,
		CurrentValue:  trade.CurrentValue,
		UnrealizedPnL: trade.UnrealizedPnL,
		ProfitTarget:  trade.ProfitTarget,
		TargetStatus:  string(trade.ProfitTargetStatus),
		IsProfit:      trade.UnrealizedPnL > 0,
	}
}
