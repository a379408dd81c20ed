package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jamiehall/spx-calendar-bot/internal/broker"
	"github.com/jamiehall/spx-calendar-bot/internal/models"
	"github.com/jamiehall/spx-calendar-bot/internal/notify"
	"github.com/jamiehall/spx-calendar-bot/internal/storage"
)

const positionsFetchTimeout = 8 * time.Second

// Reconciler compares what storage thinks is open against what the gateway
// reports. It only reports: no orders are placed and no records rewritten,
// so one bad quote snapshot cannot cascade into bad trades.
type Reconciler struct {
	broker   broker.Broker
	storage  storage.Interface
	logger   *log.Logger
	notifier *notify.Notifier
	symbol   string
}

// Discrepancy is one mismatch between expected and actual positions.
type Discrepancy struct {
	Kind     string // missing | orphan | quantity
	LegKey   string
	Expected int
	Actual   int
	TradeIDs []string
}

func (d Discrepancy) String() string {
	switch d.Kind {
	case "missing":
		return fmt.Sprintf("missing %s: expected %+d, gateway has none (trades %s)",
			d.LegKey, d.Expected, strings.Join(d.TradeIDs, ","))
	case "orphan":
		return fmt.Sprintf("orphan %s: gateway has %+d, no open trade expects it", d.LegKey, d.Actual)
	default:
		return fmt.Sprintf("quantity %s: expected %+d, gateway has %+d (trades %s)",
			d.LegKey, d.Expected, d.Actual, strings.Join(d.TradeIDs, ","))
	}
}

// NewReconciler creates a position reconciler.
func NewReconciler(b broker.Broker, store storage.Interface, logger *log.Logger,
	notifier *notify.Notifier, symbol string) *Reconciler {
	return &Reconciler{broker: b, storage: store, logger: logger, notifier: notifier, symbol: symbol}
}

// Run performs one reconciliation pass and reports its findings.
func (r *Reconciler) Run(ctx context.Context) []Discrepancy {
	fetchCtx, cancel := context.WithTimeout(ctx, positionsFetchTimeout)
	defer cancel()

	positions, err := r.broker.GetPositions(fetchCtx)
	if err != nil {
		r.logger.Printf("Reconciliation aborted, cannot fetch positions: %v", err)
		return nil
	}

	trades, err := r.storage.GetActiveTrades()
	if err != nil {
		r.logger.Printf("Reconciliation aborted, cannot load trades: %v", err)
		return nil
	}

	discrepancies := r.diff(trades, positions)
	r.report(discrepancies)
	return discrepancies
}

// diff builds the expected leg book from open trades and compares it with
// the gateway snapshot key by key. PENDING trades are excluded: their legs
// may legitimately not exist yet.
func (r *Reconciler) diff(trades []*models.CalendarSpread, positions []broker.PositionItem) []Discrepancy {
	type expectation struct {
		quantity int
		tradeIDs []string
	}
	expected := make(map[string]*expectation)
	for _, trade := range trades {
		if trade.Status != models.StateActive && trade.Status != models.StateManualControl {
			continue
		}
		for _, leg := range trade.Legs() {
			key := leg.Key()
			e, ok := expected[key]
			if !ok {
				e = &expectation{}
				expected[key] = e
			}
			e.quantity += leg.Quantity
			e.tradeIDs = append(e.tradeIDs, trade.TradeID)
		}
	}

	actual := make(map[string]int)
	for _, pos := range positions {
		if pos.Symbol != r.symbol {
			continue
		}
		if math.Abs(pos.Quantity) < broker.QuantityEpsilon {
			continue
		}
		actual[pos.Key()] += int(math.Round(pos.Quantity))
	}

	var discrepancies []Discrepancy
	for key, e := range expected {
		got, ok := actual[key]
		switch {
		case !ok:
			discrepancies = append(discrepancies, Discrepancy{
				Kind: "missing", LegKey: key, Expected: e.quantity, TradeIDs: e.tradeIDs,
			})
		case got != e.quantity:
			discrepancies = append(discrepancies, Discrepancy{
				Kind: "quantity", LegKey: key, Expected: e.quantity, Actual: got, TradeIDs: e.tradeIDs,
			})
		}
	}
	for key, got := range actual {
		if _, ok := expected[key]; !ok {
			discrepancies = append(discrepancies, Discrepancy{
				Kind: "orphan", LegKey: key, Actual: got,
			})
		}
	}

	sort.Slice(discrepancies, func(i, j int) bool {
		return discrepancies[i].LegKey < discrepancies[j].LegKey
	})
	return discrepancies
}

func (r *Reconciler) report(discrepancies []Discrepancy) {
	today := time.Now().Format("2006-01-02")

	if len(discrepancies) == 0 {
		r.logger.Printf("Reconciliation clean")
		if err := r.storage.LogAction(today, "reconciliation", "clean"); err != nil {
			r.logger.Printf("Action log failed: %v", err)
		}
		return
	}

	summaries := make([]string, 0, len(discrepancies))
	for _, d := range discrepancies {
		r.logger.Printf("RECONCILIATION: %s", d)
		summaries = append(summaries, d.String())
	}
	if err := r.storage.LogAction(today, "reconciliation", strings.Join(summaries, "; ")); err != nil {
		r.logger.Printf("Action log failed: %v", err)
	}

	threshold := r.alertThreshold()
	if len(discrepancies) > threshold {
		r.notifier.ReconciliationAlert(len(discrepancies), summaries[0])
	}
}

func (r *Reconciler) alertThreshold() int {
	setting, err := r.storage.GetSetting("reconcile_alert_threshold")
	if err != nil {
		return 4
	}
	threshold, err := setting.IntValue()
	if err != nil {
		return 4
	}
	return threshold
}
