package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jamiehall/spx-calendar-bot/internal/broker"
	"github.com/jamiehall/spx-calendar-bot/internal/models"
	"github.com/jamiehall/spx-calendar-bot/internal/orders"
	"github.com/jamiehall/spx-calendar-bot/internal/retry"
	"github.com/jamiehall/spx-calendar-bot/internal/storage"
	"github.com/jamiehall/spx-calendar-bot/internal/strategy"
)

const verifyTimeout = 5 * time.Second

// runEntry attempts the single daily entry: resolve expiries, pick delta
// strikes, clear the ghost strike and missing long strike policies, then work
// the four-leg combo at escalating prices.
func (b *Bot) runEntry(ctx context.Context, now time.Time) {
	today := now.Format("2006-01-02")

	count, err := b.store.GetTradeCountForDate(today)
	if err != nil {
		b.logger.Printf("Entry skipped, cannot count today's trades: %v", err)
		return
	}
	if count > 0 {
		b.logger.Printf("Entry already attempted today (%d trades), skipping", count)
		return
	}

	open, err := b.store.GetActiveTrades()
	if err != nil {
		b.logger.Printf("Entry skipped, cannot load open trades: %v", err)
		return
	}
	openCount := 0
	for _, trade := range open {
		if trade.Status == models.StateActive || trade.Status == models.StateManualControl {
			openCount++
		}
	}
	if openCount >= b.config.Trading.MaxConcurrentPositions {
		b.logger.Printf("At position cap (%d/%d), skipping entry",
			openCount, b.config.Trading.MaxConcurrentPositions)
		return
	}

	plan, err := b.buildEntryPlan(ctx, now, open)
	if err != nil {
		b.logger.Printf("No entry today: %v", err)
		b.logAction(today, "entry_skipped", err.Error())
		return
	}

	b.executeEntry(ctx, now, plan)
}

// entryPlan is a fully resolved entry: strikes, contracts and the starting
// combo price.
type entryPlan struct {
	shortExpiry, longExpiry      string
	spot                         float64
	putStrike, callStrike        float64
	longPutStrike, longCallStrike float64 // zero when same as the short strike
	put, call                    strategy.StrikePick
	legs                         [4]broker.Option // short put, short call, long put, long call
	midPrice                     float64
}

func (b *Bot) buildEntryPlan(ctx context.Context, now time.Time, open []*models.CalendarSpread) (*entryPlan, error) {
	shortExpiry, longExpiry, err := b.findExpiries(ctx, now)
	if err != nil {
		return nil, err
	}

	quote, err := retry.DoValue(ctx, b.retry, "fetch spot", func(ctx context.Context) (*broker.Quote, error) {
		return b.broker.GetQuote(ctx, b.config.Trading.Symbol)
	})
	if err != nil {
		return nil, fmt.Errorf("spot quote: %w", err)
	}
	if quote.Last <= 0 {
		return nil, fmt.Errorf("bad spot price %.2f", quote.Last)
	}

	shortChain, err := b.fetchChain(ctx, shortExpiry)
	if err != nil {
		return nil, err
	}
	put, call, err := b.strategy.FindDeltaStrikes(shortChain, quote.Last)
	if err != nil {
		return nil, err
	}
	putStrike, callStrike := put.Strike, call.Strike

	putStrike, callStrike, err = b.applyGhostStrikePolicy(now, open, shortChain, putStrike, callStrike)
	if err != nil {
		return nil, err
	}

	longChain, err := b.fetchChain(ctx, longExpiry)
	if err != nil {
		return nil, err
	}

	plan := &entryPlan{
		shortExpiry: shortExpiry,
		longExpiry:  longExpiry,
		spot:        quote.Last,
		putStrike:   putStrike,
		callStrike:  callStrike,
		put:         put,
		call:        call,
	}
	if err := b.resolveLongLegs(plan, shortChain, longChain); err != nil {
		return nil, err
	}

	if err := b.fillLegs(plan, shortChain, longChain); err != nil {
		return nil, err
	}
	if err := b.verifyLegConIDs(ctx, plan); err != nil {
		return nil, err
	}

	mid, err := strategy.SpreadValue(plan.legs[0], plan.legs[1], plan.legs[2], plan.legs[3], b.strategy.Config().Tick)
	if err != nil {
		return nil, fmt.Errorf("entry mid undefined: %w", err)
	}
	if mid <= 0 {
		return nil, fmt.Errorf("entry mid %.2f is not a debit", mid)
	}
	plan.midPrice = mid

	b.logger.Printf("Entry plan: %gp/%gc short %s long %s, mid %.2f",
		plan.putStrike, plan.callStrike, shortExpiry, longExpiry, mid)
	return plan, nil
}

func (b *Bot) findExpiries(ctx context.Context, now time.Time) (string, string, error) {
	type pair struct{ short, long string }
	result, err := retry.DoValue(ctx, b.retry, "resolve expiries", func(ctx context.Context) (pair, error) {
		s, l, err := b.strategy.FindExpiries(ctx, now)
		return pair{s, l}, err
	})
	if err != nil {
		return "", "", err
	}
	return result.short, result.long, nil
}

func (b *Bot) fetchChain(ctx context.Context, expiry string) ([]broker.Option, error) {
	chain, err := retry.DoValue(ctx, b.retry, "fetch chain "+expiry, func(ctx context.Context) ([]broker.Option, error) {
		return b.broker.GetOptionChain(ctx, b.config.Trading.Symbol, expiry)
	})
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", expiry, err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("empty chain for %s", expiry)
	}
	return chain, nil
}

// applyGhostStrikePolicy checks the proposed short strikes against last
// week's long strikes and applies the configured response.
func (b *Bot) applyGhostStrikePolicy(now time.Time, open []*models.CalendarSpread,
	shortChain []broker.Option, putStrike, callStrike float64) (float64, float64, error) {

	conflict, desc := strategy.GhostStrikeConflict(open, now, putStrike, callStrike)
	if !conflict {
		return putStrike, callStrike, nil
	}

	action := strategy.GhostStrikeAction(b.stringSetting("ghost_strike_action", string(strategy.GhostStrikeMove)))
	b.logger.Printf("%s, action=%s", desc, action)

	switch action {
	case strategy.GhostStrikeIgnore:
		return putStrike, callStrike, nil
	case strategy.GhostStrikeSkip:
		return 0, 0, fmt.Errorf("%s", desc)
	case strategy.GhostStrikeMove:
		putHit, callHit := ghostSides(open, now, putStrike, callStrike)
		if putHit {
			putStrike = b.strategy.MoveGhostStrike(shortChain, models.RightPut, putStrike)
		}
		if callHit {
			callStrike = b.strategy.MoveGhostStrike(shortChain, models.RightCall, callStrike)
		}
		return putStrike, callStrike, nil
	default:
		return 0, 0, fmt.Errorf("unknown ghost_strike_action %q", action)
	}
}

// ghostSides reports which of the two proposed strikes collide.
func ghostSides(open []*models.CalendarSpread, now time.Time, putStrike, callStrike float64) (bool, bool) {
	putHit, callHit := false, false
	for _, trade := range open {
		days, err := trade.DaysSinceEntry(now)
		if err != nil || days < 6 || days > 8 {
			continue
		}
		if putStrike == trade.EffectiveLongPutStrike() {
			putHit = true
		}
		if callStrike == trade.EffectiveLongCallStrike() {
			callHit = true
		}
	}
	return putHit, callHit
}

// resolveLongLegs confirms both strikes exist on the far expiry, applying the
// failed trade policy when one is missing.
func (b *Bot) resolveLongLegs(plan *entryPlan, shortChain, longChain []broker.Option) error {
	_, putListed := findOption(longChain, models.RightPut, plan.putStrike)
	_, callListed := findOption(longChain, models.RightCall, plan.callStrike)
	if putListed && callListed {
		return nil
	}

	action := strategy.FailedTradeAction(b.stringSetting("failed_trade_action", string(strategy.FailedTradeSkip)))
	b.logger.Printf("Long strike missing on %s (put listed %v, call listed %v), action=%s",
		plan.longExpiry, putListed, callListed, action)

	switch action {
	case strategy.FailedTradeSkip:
		return fmt.Errorf("strikes %g/%g not listed on %s", plan.putStrike, plan.callStrike, plan.longExpiry)

	case strategy.FailedTradeAdjustLongs:
		maxDev := b.floatSetting("max_strike_deviation", 10)
		longPut, longCall, err := strategy.AdjustLongStrikes(longChain, plan.putStrike, plan.callStrike, maxDev)
		if err != nil {
			return err
		}
		if longPut != plan.putStrike {
			plan.longPutStrike = longPut
		}
		if longCall != plan.callStrike {
			plan.longCallStrike = longCall
		}
		return nil

	case strategy.FailedTradeAdjustEntire:
		newPut, err := strategy.AdjustEntireStrike(shortChain, longChain, models.RightPut, plan.putStrike)
		if err != nil {
			return err
		}
		newCall, err := strategy.AdjustEntireStrike(shortChain, longChain, models.RightCall, plan.callStrike)
		if err != nil {
			return err
		}
		plan.putStrike, plan.callStrike = newPut, newCall
		plan.longPutStrike, plan.longCallStrike = 0, 0
		return nil

	default:
		return fmt.Errorf("unknown failed_trade_action %q", action)
	}
}

// fillLegs locates the four concrete contracts in the fetched chains.
func (b *Bot) fillLegs(plan *entryPlan, shortChain, longChain []broker.Option) error {
	longPutStrike := plan.longPutStrike
	if longPutStrike == 0 {
		longPutStrike = plan.putStrike
	}
	longCallStrike := plan.longCallStrike
	if longCallStrike == 0 {
		longCallStrike = plan.callStrike
	}

	lookups := []struct {
		chain  []broker.Option
		right  models.OptionRight
		strike float64
		label  string
	}{
		{shortChain, models.RightPut, plan.putStrike, "short put"},
		{shortChain, models.RightCall, plan.callStrike, "short call"},
		{longChain, models.RightPut, longPutStrike, "long put"},
		{longChain, models.RightCall, longCallStrike, "long call"},
	}
	for i, l := range lookups {
		opt, ok := findOption(l.chain, l.right, l.strike)
		if !ok {
			return fmt.Errorf("%s %g missing from chain", l.label, l.strike)
		}
		plan.legs[i] = opt
	}
	return nil
}

// verifyLegConIDs resolves a contract ID for any leg the chain did not carry
// one for, each under its own timeout.
func (b *Bot) verifyLegConIDs(ctx context.Context, plan *entryPlan) error {
	expiries := [4]string{plan.shortExpiry, plan.shortExpiry, plan.longExpiry, plan.longExpiry}
	for i := range plan.legs {
		if plan.legs[i].ConID != 0 {
			continue
		}
		legCtx, cancel := context.WithTimeout(ctx, verifyTimeout)
		conID, err := b.broker.VerifyContract(legCtx, b.config.Trading.Symbol,
			expiries[i], plan.legs[i].Strike, plan.legs[i].Right)
		cancel()
		if err != nil {
			return fmt.Errorf("verify %s %g %s: %w", expiries[i], plan.legs[i].Strike, plan.legs[i].Right, err)
		}
		plan.legs[i].ConID = conID
	}
	return nil
}

func findOption(chain []broker.Option, right models.OptionRight, strike float64) (broker.Option, bool) {
	for _, opt := range chain {
		if opt.Right == right && math.Abs(opt.Strike-strike) < broker.StrikeMatchEpsilon {
			return opt, true
		}
	}
	return broker.Option{}, false
}

// executeEntry persists the pending trade, works the combo, and finalizes
// the record either ACTIVE or CANCELLED.
func (b *Bot) executeEntry(ctx context.Context, now time.Time, plan *entryPlan) {
	trade := models.NewCalendarSpread(newTradeID(b.config.Trading.Symbol, now), now, plan.spot,
		plan.putStrike, plan.callStrike, plan.shortExpiry, plan.longExpiry, b.config.Trading.PositionSize)
	trade.LongPutStrike = plan.longPutStrike
	trade.LongCallStrike = plan.longCallStrike
	trade.ShortPutDelta, trade.ShortPutIV = legGreeks(plan.legs[0])
	trade.ShortCallDelta, trade.ShortCallIV = legGreeks(plan.legs[1])
	trade.LongPutDelta, trade.LongPutIV = legGreeks(plan.legs[2])
	trade.LongCallDelta, trade.LongCallIV = legGreeks(plan.legs[3])
	trade.ShortPutConID = plan.legs[0].ConID
	trade.ShortCallConID = plan.legs[1].ConID
	trade.LongPutConID = plan.legs[2].ConID
	trade.LongCallConID = plan.legs[3].ConID

	if err := b.store.SaveTrade(trade); err != nil {
		b.logger.Printf("Entry aborted, cannot persist pending trade: %v", err)
		return
	}

	order := broker.ComboOrder{
		Symbol:   b.config.Trading.Symbol,
		Quantity: trade.PositionSize,
		TIF:      broker.TIFDay,
		Tag:      "entry-" + shortID(trade.TradeID),
		Legs: []broker.ComboLeg{
			{ConID: trade.ShortPutConID, Action: broker.ActionSell, Ratio: 1},
			{ConID: trade.ShortCallConID, Action: broker.ActionSell, Ratio: 1},
			{ConID: trade.LongPutConID, Action: broker.ActionBuy, Ratio: 1},
			{ConID: trade.LongCallConID, Action: broker.ActionBuy, Ratio: 1},
		},
	}

	b.notifier.TradeAttempt(trade.TradeID, trade.PutStrike, trade.CallStrike,
		trade.ShortExpiry, trade.LongExpiry, plan.midPrice)

	result, err := b.entryExec.Execute(ctx, order, plan.midPrice)
	if err != nil {
		if errors.Is(err, orders.ErrExhausted) {
			b.logger.Printf("Entry for %s exhausted all attempts", trade.TradeID)
			if terr := trade.MarkCancelled("no fill within price cap"); terr != nil {
				b.logger.Printf("Cancel transition failed: %v", terr)
			}
			if serr := b.store.SaveTrade(trade); serr != nil {
				b.logger.Printf("Persist cancelled trade failed: %v", serr)
			}
			b.notifier.TradeCancelled(trade.TradeID, "entry never filled")
			return
		}
		b.logger.Printf("Entry for %s failed: %v", trade.TradeID, err)
		if terr := trade.MarkCancelled("entry error: " + err.Error()); terr != nil {
			b.logger.Printf("Cancel transition failed: %v", terr)
		}
		if serr := b.store.SaveTrade(trade); serr != nil {
			b.logger.Printf("Persist cancelled trade failed: %v", serr)
		}
		b.notifier.Error("entry", err)
		return
	}

	if err := trade.MarkActive(result.AvgFillPrice); err != nil {
		b.logger.Printf("Activate transition failed: %v", err)
		return
	}
	b.recordOrder(trade.TradeID, result.OrderID, "entry", result.FinalLimit, result.AvgFillPrice,
		result.Attempts, "FILLED", order.Tag)

	b.placeProfitTarget(ctx, trade)

	if err := b.store.SaveTrade(trade); err != nil {
		b.logger.Printf("Persist active trade failed: %v", err)
	}
	if err := b.tracker.Track(ctx, trade); err != nil {
		b.logger.Printf("Cannot track %s: %v", trade.TradeID, err)
	}
	b.notifier.TradeOpened(trade.TradeID, trade.PutStrike, trade.CallStrike, trade.EntryCredit)
	b.logAction(trade.EntryDate, "entry_filled",
		fmt.Sprintf("%s at %.2f after %d attempts", trade.TradeID, result.AvgFillPrice, result.Attempts))
}

// placeProfitTarget works out the GTC closing order for a newly active trade
// and arms the fill watcher. Failures leave the target NONE for the
// PLACE_MISSING_GTC command to retry.
func (b *Bot) placeProfitTarget(ctx context.Context, trade *models.CalendarSpread) {
	target := b.strategy.ProfitTargetPrice(trade.EntryCredit)

	order := broker.ComboOrder{
		Symbol:   b.config.Trading.Symbol,
		Quantity: trade.PositionSize,
		// Closing the spread earns a credit: the signed limit is negative.
		LimitPrice: -target,
		TIF:        broker.TIFGTC,
		Tag:        "target-" + shortID(trade.TradeID),
		Legs: []broker.ComboLeg{
			{ConID: trade.ShortPutConID, Action: broker.ActionBuy, Ratio: 1},
			{ConID: trade.ShortCallConID, Action: broker.ActionBuy, Ratio: 1},
			{ConID: trade.LongPutConID, Action: broker.ActionSell, Ratio: 1},
			{ConID: trade.LongCallConID, Action: broker.ActionSell, Ratio: 1},
		},
	}

	orderID, err := b.broker.PlaceComboOrder(ctx, order)
	if err != nil {
		b.logger.Printf("Profit target for %s failed: %v", trade.TradeID, err)
		b.notifier.Error("profit target", err)
		return
	}

	trade.ProfitTarget = target
	trade.ProfitTargetOrderID = orderID
	if err := trade.SetProfitTargetStatus(models.ProfitTargetPlaced); err != nil {
		b.logger.Printf("Profit target status for %s: %v", trade.TradeID, err)
		return
	}
	b.recordOrder(trade.TradeID, orderID, "profit_target", -target, 0, 1, "PLACED", order.Tag)
	b.watchProfitTarget(ctx, trade.TradeID, orderID)
	b.logger.Printf("Profit target for %s placed at %.2f (order %s)", trade.TradeID, target, orderID)
}

func legGreeks(opt broker.Option) (float64, float64) {
	if opt.Greeks == nil {
		return 0, 0
	}
	return opt.Greeks.Delta, opt.Greeks.IV
}

func (b *Bot) recordOrder(tradeID, orderID, purpose string, limit, fill float64, attempts int, status, tag string) {
	err := b.store.LogOrder(storage.OrderRecord{
		TradeID:      tradeID,
		OrderID:      orderID,
		Purpose:      purpose,
		LimitPrice:   limit,
		AvgFillPrice: fill,
		Attempts:     attempts,
		Status:       status,
		Tag:          tag,
	})
	if err != nil {
		b.logger.Printf("Order log failed: %v", err)
	}
}

func (b *Bot) logAction(date, event, detail string) {
	if err := b.store.LogAction(date, event, detail); err != nil {
		b.logger.Printf("Action log failed: %v", err)
	}
}

// stringSetting reads a string setting with a fallback when storage fails.
func (b *Bot) stringSetting(name, fallback string) string {
	setting, err := b.store.GetSetting(name)
	if err != nil {
		b.logger.Printf("Setting %s unavailable, using %q: %v", name, fallback, err)
		return fallback
	}
	value, err := setting.StringValue()
	if err != nil {
		b.logger.Printf("Setting %s unreadable, using %q: %v", name, fallback, err)
		return fallback
	}
	return value
}

func (b *Bot) floatSetting(name string, fallback float64) float64 {
	setting, err := b.store.GetSetting(name)
	if err != nil {
		b.logger.Printf("Setting %s unavailable, using %g: %v", name, fallback, err)
		return fallback
	}
	value, err := setting.FloatValue()
	if err != nil {
		b.logger.Printf("Setting %s unreadable, using %g: %v", name, fallback, err)
		return fallback
	}
	return value
}

func (b *Bot) intSetting(name string, fallback int) int {
	setting, err := b.store.GetSetting(name)
	if err != nil {
		b.logger.Printf("Setting %s unavailable, using %d: %v", name, fallback, err)
		return fallback
	}
	value, err := setting.IntValue()
	if err != nil {
		b.logger.Printf("Setting %s unreadable, using %d: %v", name, fallback, err)
		return fallback
	}
	return value
}
