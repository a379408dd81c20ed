// Command integration runs a read-only end-to-end check of the trading
// pipeline: market data, expiry resolution, strike selection, valuation, and
// storage. Against a real gateway it places nothing; with --mock it runs
// entirely on synthetic data, including a full entry and close.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jamiehall/spx-calendar-bot/internal/broker"
	"github.com/jamiehall/spx-calendar-bot/internal/config"
	"github.com/jamiehall/spx-calendar-bot/internal/mock"
	"github.com/jamiehall/spx-calendar-bot/internal/models"
	"github.com/jamiehall/spx-calendar-bot/internal/orders"
	"github.com/jamiehall/spx-calendar-bot/internal/storage"
	"github.com/jamiehall/spx-calendar-bot/internal/strategy"
)

func main() {
	var configPath string
	var useMock bool
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.BoolVar(&useMock, "mock", false, "Run against the synthetic gateway instead of a live one")
	flag.Parse()

	fmt.Println("=== SPX Calendar Bot - End-to-End Integration Check ===")
	fmt.Println()

	logger := log.New(os.Stdout, "[E2E] ", log.LstdFlags)

	var gateway broker.Broker
	symbol := "SPX"
	if useMock {
		gateway = mock.NewGateway(symbol)
		logger.Println("Using synthetic gateway")
	} else {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		if cfg.Environment.Mode != "test" {
			log.Fatalf("Integration checks require environment.mode: 'test' in %s", configPath)
		}
		symbol = cfg.Trading.Symbol
		stream := broker.NewStream(broker.DefaultStreamConfig(cfg.Gateway.WSURL, cfg.Gateway.APIKey), logger)
		gateway = broker.NewGatewayAPI(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.AccountID, stream)
	}

	strategyCfg := strategy.DefaultConfig()
	strategyCfg.Symbol = symbol
	calendar := strategy.NewCalendarStrategy(gateway, logger, strategyCfg)

	h := &harness{
		gateway:  gateway,
		strategy: calendar,
		logger:   logger,
		symbol:   symbol,
		mock:     useMock,
	}
	if !h.run() {
		os.Exit(1)
	}
}

type harness struct {
	gateway  broker.Broker
	strategy *strategy.CalendarStrategy
	logger   *log.Logger
	symbol   string
	mock     bool

	spot        float64
	shortExpiry string
	longExpiry  string
	putStrike   float64
	callStrike  float64
	midPrice    float64
}

type check struct {
	name string
	fn   func(context.Context) error
}

func (h *harness) run() bool {
	checks := []check{
		{"Market data", h.checkMarketData},
		{"Expiry resolution", h.checkExpiries},
		{"Strike selection", h.checkStrikes},
		{"Spread valuation", h.checkValuation},
		{"Storage round trip", h.checkStorage},
		{"Position snapshot", h.checkPositions},
	}
	if h.mock {
		checks = append(checks, check{"Synthetic entry and close", h.checkMockExecution})
	}

	passed := 0
	for i, c := range checks {
		fmt.Printf("Check %d: %s\n", i+1, c.name)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.fn(ctx)
		cancel()

		if err != nil {
			h.logger.Printf("FAILED: %v", err)
		} else {
			passed++
			fmt.Println("  ok")
		}
		fmt.Println()
	}

	fmt.Println("=== Integration Check Results ===")
	fmt.Printf("Passed: %d/%d\n", passed, len(checks))
	if passed != len(checks) {
		fmt.Printf("%d check(s) failed, review before running the bot\n", len(checks)-passed)
		return false
	}
	fmt.Println("All checks passed")
	return true
}

func (h *harness) checkMarketData(ctx context.Context) error {
	quote, err := h.gateway.GetQuote(ctx, h.symbol)
	if err != nil {
		return fmt.Errorf("quote: %w", err)
	}
	if quote.Last <= 0 {
		return fmt.Errorf("bad spot price %.2f", quote.Last)
	}
	h.spot = quote.Last
	h.logger.Printf("%s last %.2f (bid %.2f, ask %.2f)", quote.Symbol, quote.Last, quote.Bid, quote.Ask)

	expirations, err := h.gateway.GetExpirations(ctx, h.symbol)
	if err != nil {
		return fmt.Errorf("expirations: %w", err)
	}
	if len(expirations) == 0 {
		return fmt.Errorf("no listed expirations")
	}
	h.logger.Printf("%d listed expirations", len(expirations))
	return nil
}

func (h *harness) checkExpiries(ctx context.Context) error {
	shortExpiry, longExpiry, err := h.strategy.FindExpiries(ctx, time.Now())
	if err != nil {
		return err
	}
	h.shortExpiry, h.longExpiry = shortExpiry, longExpiry
	h.logger.Printf("Short %s, long %s", shortExpiry, longExpiry)
	return nil
}

func (h *harness) checkStrikes(ctx context.Context) error {
	chain, err := h.gateway.GetOptionChain(ctx, h.symbol, h.shortExpiry)
	if err != nil {
		return fmt.Errorf("chain %s: %w", h.shortExpiry, err)
	}
	put, call, err := h.strategy.FindDeltaStrikes(chain, h.spot)
	if err != nil {
		return err
	}
	h.putStrike, h.callStrike = put.Strike, call.Strike
	h.logger.Printf("Put %g (delta %.3f), call %g (delta %.3f)",
		put.Strike, put.Delta, call.Strike, call.Delta)
	return nil
}

func (h *harness) checkValuation(ctx context.Context) error {
	shortChain, err := h.gateway.GetOptionChain(ctx, h.symbol, h.shortExpiry)
	if err != nil {
		return err
	}
	longChain, err := h.gateway.GetOptionChain(ctx, h.symbol, h.longExpiry)
	if err != nil {
		return err
	}

	legs := make([]broker.Option, 0, 4)
	lookups := []struct {
		chain  []broker.Option
		right  models.OptionRight
		strike float64
	}{
		{shortChain, models.RightPut, h.putStrike},
		{shortChain, models.RightCall, h.callStrike},
		{longChain, models.RightPut, h.putStrike},
		{longChain, models.RightCall, h.callStrike},
	}
	for _, l := range lookups {
		found := false
		for _, opt := range l.chain {
			if opt.Right == l.right && opt.Strike == l.strike {
				legs = append(legs, opt)
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%s %g not listed on both expiries", l.right, l.strike)
		}
	}

	value, err := strategy.SpreadValue(legs[0], legs[1], legs[2], legs[3], h.strategy.Config().Tick)
	if err != nil {
		return err
	}
	if value <= 0 {
		return fmt.Errorf("spread mid %.2f is not a debit", value)
	}
	h.midPrice = value
	target := h.strategy.ProfitTargetPrice(value)
	h.logger.Printf("Spread mid %.2f, profit target %.2f", value, target)
	return nil
}

func (h *harness) checkStorage(_ context.Context) error {
	dir, err := os.MkdirTemp("", "calendar-e2e")
	if err != nil {
		return err
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			h.logger.Printf("Warning: cleanup failed: %v", rmErr)
		}
	}()

	store, err := storage.NewStorage(filepath.Join(dir, "e2e.db"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	trade := models.NewCalendarSpread("SPX-e2e-check000", time.Now(), h.spot,
		h.putStrike, h.callStrike, h.shortExpiry, h.longExpiry, 1)
	if err := store.SaveTrade(trade); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	loaded, err := store.GetTrade(trade.TradeID)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	if loaded.PutStrike != trade.PutStrike || loaded.Status != models.StatePending {
		return fmt.Errorf("reloaded trade does not match: %+v", loaded)
	}
	h.logger.Printf("SQLite round trip ok (%s)", trade.TradeID)
	return nil
}

func (h *harness) checkPositions(ctx context.Context) error {
	positions, err := h.gateway.GetPositions(ctx)
	if err != nil {
		return err
	}
	h.logger.Printf("%d open positions at the gateway", len(positions))
	return nil
}

// checkMockExecution exercises the escalating executor end to end on the
// synthetic gateway: open the four-leg combo, then close it flat.
func (h *harness) checkMockExecution(ctx context.Context) error {
	shortChain, err := h.gateway.GetOptionChain(ctx, h.symbol, h.shortExpiry)
	if err != nil {
		return err
	}
	longChain, err := h.gateway.GetOptionChain(ctx, h.symbol, h.longExpiry)
	if err != nil {
		return err
	}

	conIDs := make([]int64, 0, 4)
	lookups := []struct {
		chain []broker.Option
		right models.OptionRight
	}{
		{shortChain, models.RightPut},
		{shortChain, models.RightCall},
		{longChain, models.RightPut},
		{longChain, models.RightCall},
	}
	strikes := []float64{h.putStrike, h.callStrike, h.putStrike, h.callStrike}
	for i, l := range lookups {
		for _, opt := range l.chain {
			if opt.Right == l.right && opt.Strike == strikes[i] {
				conIDs = append(conIDs, opt.ConID)
				break
			}
		}
	}
	if len(conIDs) != 4 {
		return fmt.Errorf("resolved %d of 4 contracts", len(conIDs))
	}

	executor := orders.NewExecutor(h.gateway, h.logger, orders.EntryConfig())
	entry := broker.ComboOrder{
		Symbol:   h.symbol,
		Quantity: 1,
		TIF:      broker.TIFDay,
		Tag:      "e2e-entry",
		Legs: []broker.ComboLeg{
			{ConID: conIDs[0], Action: broker.ActionSell, Ratio: 1},
			{ConID: conIDs[1], Action: broker.ActionSell, Ratio: 1},
			{ConID: conIDs[2], Action: broker.ActionBuy, Ratio: 1},
			{ConID: conIDs[3], Action: broker.ActionBuy, Ratio: 1},
		},
	}
	result, err := executor.Execute(ctx, entry, h.midPrice)
	if err != nil {
		return fmt.Errorf("entry: %w", err)
	}
	h.logger.Printf("Entry filled at %.2f after %d attempt(s)", result.AvgFillPrice, result.Attempts)

	closer := orders.NewExecutor(h.gateway, h.logger, orders.ExitConfig())
	exit := entry
	exit.Tag = "e2e-exit"
	exit.Legs = []broker.ComboLeg{
		{ConID: conIDs[0], Action: broker.ActionBuy, Ratio: 1},
		{ConID: conIDs[1], Action: broker.ActionBuy, Ratio: 1},
		{ConID: conIDs[2], Action: broker.ActionSell, Ratio: 1},
		{ConID: conIDs[3], Action: broker.ActionSell, Ratio: 1},
	}
	if _, err := closer.Execute(ctx, exit, -h.midPrice); err != nil {
		return fmt.Errorf("exit: %w", err)
	}

	positions, err := h.gateway.GetPositions(ctx)
	if err != nil {
		return err
	}
	if len(positions) != 0 {
		return fmt.Errorf("book not flat after close: %d positions", len(positions))
	}
	h.logger.Printf("Round trip complete, book flat")
	return nil
}
