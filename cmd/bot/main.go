package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jamiehall/spx-calendar-bot/internal/broker"
	"github.com/jamiehall/spx-calendar-bot/internal/config"
	"github.com/jamiehall/spx-calendar-bot/internal/dashboard"
	"github.com/jamiehall/spx-calendar-bot/internal/notify"
	"github.com/jamiehall/spx-calendar-bot/internal/orders"
	"github.com/jamiehall/spx-calendar-bot/internal/pnl"
	"github.com/jamiehall/spx-calendar-bot/internal/retry"
	"github.com/jamiehall/spx-calendar-bot/internal/storage"
	"github.com/jamiehall/spx-calendar-bot/internal/strategy"
)

// Bot wires the trading pipeline together and owns the daily schedule.
type Bot struct {
	config     *config.Config
	store      storage.Interface
	broker     broker.Broker
	strategy   *strategy.CalendarStrategy
	entryExec  *orders.Executor
	exitExec   *orders.Executor
	tracker    *pnl.Tracker
	reconciler *Reconciler
	notifier   *notify.Notifier
	retry      *retry.Client
	logger     *log.Logger
	mode       string

	mu         sync.Mutex
	tradeLocks map[string]*sync.Mutex
	entryDone  string // YYYY-MM-DD of the last entry attempt
	exitDone   string
	reconDone  string
}

// tradeLock returns the mutex serializing all mutations of one trade.
func (b *Bot) tradeLock(tradeID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.tradeLocks[tradeID]
	if !ok {
		lock = &sync.Mutex{}
		b.tradeLocks[tradeID] = lock
	}
	return lock
}

func main() {
	var configPath, mode string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&mode, "mode", "", "Override run mode: auto | manual | test")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if mode != "" {
		cfg.Environment.Mode = mode
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags|log.Lshortfile)
	logger.Printf("Starting SPX calendar bot in %s mode", cfg.Environment.Mode)

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("Storage close failed: %v", err)
		}
	}()

	stream := broker.NewStream(broker.DefaultStreamConfig(cfg.Gateway.WSURL, cfg.Gateway.APIKey), logger)
	gateway := broker.NewGatewayAPI(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.AccountID, stream)
	guarded := broker.NewCircuitBreakerBroker(gateway, logger)

	strategyCfg := strategy.DefaultConfig()
	strategyCfg.Symbol = cfg.Trading.Symbol
	strategyCfg.TargetDelta = cfg.Trading.TargetDelta
	strategyCfg.DeltaTolerance = cfg.Trading.DeltaTolerance
	strategyCfg.ShortDTE = cfg.Trading.ShortDTE
	strategyCfg.LongDTE = cfg.Trading.LongDTE
	strategyCfg.ProfitTargetPct = cfg.Exits.ProfitTargetPct

	notifier := notify.NewNotifier(notify.Config{
		Host:      cfg.Notifications.SMTPHost,
		Port:      cfg.Notifications.SMTPPort,
		Sender:    cfg.Notifications.Sender,
		Password:  cfg.Notifications.Password,
		Recipient: cfg.Notifications.Recipient,
	}, logger)

	bot := &Bot{
		config:     cfg,
		store:      store,
		broker:     guarded,
		strategy:   strategy.NewCalendarStrategy(guarded, logger, strategyCfg),
		entryExec:  orders.NewExecutor(guarded, logger, orders.EntryConfig()),
		exitExec:   orders.NewExecutor(guarded, logger, orders.ExitConfig()),
		tracker:    pnl.NewTracker(guarded, store, logger),
		notifier:   notifier,
		retry:      retry.NewClient(logger),
		logger:     logger,
		mode:       cfg.Environment.Mode,
		tradeLocks: make(map[string]*sync.Mutex),
	}
	bot.reconciler = NewReconciler(guarded, store, logger, notifier, cfg.Trading.Symbol)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if bot.mode == "test" {
		testCtx, cancel := context.WithCancel(ctx)
		go func() {
			if err := stream.Run(testCtx); err != nil && testCtx.Err() == nil {
				logger.Printf("Stream error: %v", err)
			}
		}()

		if err := bot.runConnectivityCheck(testCtx); err != nil {
			cancel()
			logger.Fatalf("Connectivity check failed: %v", err)
		}
		logger.Println("Connectivity check passed, running entry routine once")
		bot.runEntry(testCtx, time.Now().In(cfg.Location()))
		cancel()
		return
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("stream: %w", err)
		}
		return nil
	})

	if cfg.Dashboard.Enabled {
		dashLogger := logrus.New()
		dash := dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.Token,
			Symbol:    cfg.Trading.Symbol,
		}, store, guarded, dashLogger)

		group.Go(func() error {
			if err := dash.Start(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return dash.Shutdown(shutdownCtx)
		})
	}

	if bot.mode == "manual" {
		group.Go(func() error { return bot.runManualMenu(ctx) })
	} else {
		group.Go(func() error { return bot.Run(ctx) })
	}

	if err := group.Wait(); err != nil {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Println("Bot stopped successfully")
}

// runConnectivityCheck exercises the gateway read path and reports what it
// finds without placing anything.
func (b *Bot) runConnectivityCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	quote, err := b.broker.GetQuote(checkCtx, b.config.Trading.Symbol)
	if err != nil {
		return fmt.Errorf("quote: %w", err)
	}
	b.logger.Printf("%s last %.2f", quote.Symbol, quote.Last)

	expirations, err := b.broker.GetExpirations(checkCtx, b.config.Trading.Symbol)
	if err != nil {
		return fmt.Errorf("expirations: %w", err)
	}
	b.logger.Printf("%d listed expirations", len(expirations))

	positions, err := b.broker.GetPositions(checkCtx)
	if err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	b.logger.Printf("%d open positions at the gateway", len(positions))

	trades, err := b.store.GetActiveTrades()
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	b.logger.Printf("%d open trades in storage", len(trades))
	return nil
}
