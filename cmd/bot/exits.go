package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jamiehall/spx-calendar-bot/internal/broker"
	"github.com/jamiehall/spx-calendar-bot/internal/models"
	"github.com/jamiehall/spx-calendar-bot/internal/orders"
	"github.com/jamiehall/spx-calendar-bot/internal/strategy"
)

// runTimeExits force-closes every ACTIVE trade that has reached the exit
// day. Trades under manual control are left alone.
func (b *Bot) runTimeExits(ctx context.Context, now time.Time) {
	exitDay := b.intSetting("exit_day", b.config.Exits.ExitDay)

	trades, err := b.store.GetTradesByStatus(models.StateActive)
	if err != nil {
		b.logger.Printf("Time exit check failed to load trades: %v", err)
		return
	}

	for _, trade := range trades {
		days, err := trade.DaysSinceEntry(now)
		if err != nil {
			b.logger.Printf("Time exit check skipped %s: %v", trade.TradeID, err)
			continue
		}
		if days < exitDay {
			continue
		}
		b.logger.Printf("Trade %s is %d days old (exit day %d), closing", trade.TradeID, days, exitDay)
		b.closeTrade(ctx, trade.TradeID, "time_exit", fmt.Sprintf("day %d time exit", days))
	}
}

// closeTrade cancels the resting profit target and works the closing combo at
// escalating prices. Exhaustion leaves the trade open and alerts the
// operator instead of guessing at a fill.
func (b *Bot) closeTrade(ctx context.Context, tradeID, condition, reason string) {
	lock := b.tradeLock(tradeID)
	lock.Lock()
	defer lock.Unlock()

	trade, err := b.store.GetTrade(tradeID)
	if err != nil {
		b.logger.Printf("Close aborted, cannot load %s: %v", tradeID, err)
		return
	}
	switch trade.Status {
	case models.StateActive, models.StateManualControl:
	default:
		b.logger.Printf("Close aborted, %s is %s", tradeID, trade.Status)
		return
	}

	if trade.ProfitTargetStatus == models.ProfitTargetPlaced {
		if err := b.cancelProfitTarget(ctx, trade); err != nil {
			b.logger.Printf("Close aborted, profit target for %s still working: %v", tradeID, err)
			return
		}
	}

	value, err := b.currentSpreadValue(ctx, trade)
	if err != nil {
		b.logger.Printf("Close aborted, cannot value %s: %v", tradeID, err)
		b.notifier.Error("close "+shortID(tradeID), err)
		return
	}

	order := broker.ComboOrder{
		Symbol:   b.config.Trading.Symbol,
		Quantity: trade.PositionSize,
		TIF:      broker.TIFDay,
		Tag:      "exit-" + shortID(trade.TradeID),
		Legs: []broker.ComboLeg{
			{ConID: trade.ShortPutConID, Action: broker.ActionBuy, Ratio: 1},
			{ConID: trade.ShortCallConID, Action: broker.ActionBuy, Ratio: 1},
			{ConID: trade.LongPutConID, Action: broker.ActionSell, Ratio: 1},
			{ConID: trade.LongCallConID, Action: broker.ActionSell, Ratio: 1},
		},
	}

	// Closing earns a credit, so the combo quotes negative. Escalation
	// concedes a nickel of credit per attempt.
	result, err := b.exitExec.Execute(ctx, order, -value)
	if err != nil {
		if errors.Is(err, orders.ErrExhausted) {
			b.logger.Printf("Close of %s exhausted all attempts, trade stays open", tradeID)
			b.notifier.Error("close "+shortID(tradeID), err)
			b.logAction(time.Now().In(b.config.Location()).Format("2006-01-02"),
				"close_exhausted", tradeID)
			return
		}
		b.logger.Printf("Close of %s failed: %v", tradeID, err)
		b.notifier.Error("close "+shortID(tradeID), err)
		return
	}

	exitCredit := -result.AvgFillPrice
	now := time.Now().In(b.config.Location())
	if err := trade.MarkClosed(condition, reason, exitCredit, now); err != nil {
		b.logger.Printf("Close transition for %s failed: %v", tradeID, err)
		return
	}
	b.recordOrder(tradeID, result.OrderID, "exit", result.FinalLimit, result.AvgFillPrice,
		result.Attempts, "FILLED", order.Tag)

	if err := b.store.SaveTrade(trade); err != nil {
		b.logger.Printf("Persist closed trade %s failed: %v", tradeID, err)
	}
	b.tracker.Untrack(tradeID)
	b.notifier.TradeClosed(tradeID, condition, trade.RealizedPnL)
	b.logAction(trade.ExitDate, "trade_closed",
		fmt.Sprintf("%s %s at %.2f, P&L %+.2f", tradeID, condition, exitCredit, trade.RealizedPnL))
}

// cancelProfitTarget pulls the resting GTC order. A fill that races the
// cancel is honored and reported as an error so the caller stops closing.
func (b *Bot) cancelProfitTarget(ctx context.Context, trade *models.CalendarSpread) error {
	if err := b.broker.CancelOrder(ctx, trade.ProfitTargetOrderID); err != nil {
		return fmt.Errorf("cancel %s: %w", trade.ProfitTargetOrderID, err)
	}

	status, err := b.broker.GetOrderStatus(ctx, trade.ProfitTargetOrderID)
	if err == nil && status.State == broker.OrderFilled {
		return fmt.Errorf("profit target filled during cancel at %.2f", status.AvgFillPrice)
	}

	if err := trade.SetProfitTargetStatus(models.ProfitTargetCancelled); err != nil {
		return err
	}
	if err := b.store.SaveTrade(trade); err != nil {
		return err
	}
	b.logger.Printf("Profit target %s for %s cancelled", trade.ProfitTargetOrderID, trade.TradeID)
	return nil
}

// currentSpreadValue prices the four legs off fresh chains.
func (b *Bot) currentSpreadValue(ctx context.Context, trade *models.CalendarSpread) (float64, error) {
	shortChain, err := b.fetchChain(ctx, trade.ShortExpiry)
	if err != nil {
		return 0, err
	}
	longChain, err := b.fetchChain(ctx, trade.LongExpiry)
	if err != nil {
		return 0, err
	}

	shortPut, ok := findOption(shortChain, models.RightPut, trade.PutStrike)
	if !ok {
		return 0, fmt.Errorf("short put %g missing from chain", trade.PutStrike)
	}
	shortCall, ok := findOption(shortChain, models.RightCall, trade.CallStrike)
	if !ok {
		return 0, fmt.Errorf("short call %g missing from chain", trade.CallStrike)
	}
	longPut, ok := findOption(longChain, models.RightPut, trade.EffectiveLongPutStrike())
	if !ok {
		return 0, fmt.Errorf("long put %g missing from chain", trade.EffectiveLongPutStrike())
	}
	longCall, ok := findOption(longChain, models.RightCall, trade.EffectiveLongCallStrike())
	if !ok {
		return 0, fmt.Errorf("long call %g missing from chain", trade.EffectiveLongCallStrike())
	}

	return strategy.SpreadValue(shortPut, shortCall, longPut, longCall, b.strategy.Config().Tick)
}

// watchProfitTarget finalizes the trade when its GTC order reaches a
// terminal state. Duplicate fill events are no-ops.
func (b *Bot) watchProfitTarget(ctx context.Context, tradeID, orderID string) {
	events, stop := b.broker.WatchOrder(orderID)

	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				if !event.State.Terminal() {
					continue
				}
				b.resolveProfitTarget(tradeID, event)
				return
			}
		}
	}()
}

func (b *Bot) resolveProfitTarget(tradeID string, event broker.OrderEvent) {
	lock := b.tradeLock(tradeID)
	lock.Lock()
	defer lock.Unlock()

	trade, err := b.store.GetTrade(tradeID)
	if err != nil {
		b.logger.Printf("Profit target event dropped, cannot load %s: %v", tradeID, err)
		return
	}
	if trade.ProfitTargetStatus != models.ProfitTargetPlaced {
		// Already resolved by an earlier event or a manual close.
		b.logger.Printf("Profit target event for %s ignored, status is %s",
			tradeID, trade.ProfitTargetStatus)
		return
	}

	switch event.State {
	case broker.OrderFilled:
		if err := trade.SetProfitTargetStatus(models.ProfitTargetFilled); err != nil {
			b.logger.Printf("Profit target status for %s: %v", tradeID, err)
			return
		}
		exitCredit := -event.AvgFillPrice
		now := time.Now().In(b.config.Location())
		if err := trade.MarkClosed("profit_target", "profit target filled", exitCredit, now); err != nil {
			b.logger.Printf("Profit target close for %s failed: %v", tradeID, err)
			return
		}
		b.recordOrder(tradeID, event.OrderID, "profit_target", trade.ProfitTarget,
			event.AvgFillPrice, 1, "FILLED", "")
		if err := b.store.SaveTrade(trade); err != nil {
			b.logger.Printf("Persist %s after profit target fill failed: %v", tradeID, err)
		}
		b.tracker.Untrack(tradeID)
		b.notifier.TradeClosed(tradeID, "profit_target", trade.RealizedPnL)
		b.logger.Printf("Profit target for %s filled at %.2f, P&L %+.2f",
			tradeID, event.AvgFillPrice, trade.RealizedPnL)

	case broker.OrderCancelled:
		if err := trade.SetProfitTargetStatus(models.ProfitTargetCancelled); err != nil {
			b.logger.Printf("Profit target status for %s: %v", tradeID, err)
			return
		}
		if err := b.store.SaveTrade(trade); err != nil {
			b.logger.Printf("Persist %s failed: %v", tradeID, err)
		}
		b.logger.Printf("Profit target for %s cancelled at the gateway", tradeID)

	case broker.OrderRejected:
		if err := trade.SetProfitTargetStatus(models.ProfitTargetRejected); err != nil {
			b.logger.Printf("Profit target status for %s: %v", tradeID, err)
			return
		}
		if err := b.store.SaveTrade(trade); err != nil {
			b.logger.Printf("Persist %s failed: %v", tradeID, err)
		}
		b.notifier.Error("profit target "+shortID(tradeID), fmt.Errorf("rejected: %s", event.Reason))
	}
}
