package main

import (
	"context"
	"fmt"

	"github.com/jamiehall/spx-calendar-bot/internal/models"
)

// processCommands drains the operator command queue. Each command is claimed
// before execution so a crash mid-command cannot replay it.
func (b *Bot) processCommands(ctx context.Context) {
	pending, err := b.store.PendingCommands()
	if err != nil {
		b.logger.Printf("Command poll failed: %v", err)
		return
	}

	for _, cmd := range pending {
		if err := b.store.MarkCommandProcessing(cmd.ID); err != nil {
			// Another pass claimed it first.
			continue
		}
		b.logger.Printf("Processing command %d: %s %s", cmd.ID, cmd.Type, cmd.TradeID)

		result, err := b.executeCommand(ctx, cmd)
		if err != nil {
			b.logger.Printf("Command %d failed: %v", cmd.ID, err)
			if ferr := b.store.FailCommand(cmd.ID, err.Error()); ferr != nil {
				b.logger.Printf("Command %d finalize failed: %v", cmd.ID, ferr)
			}
			continue
		}
		if cerr := b.store.CompleteCommand(cmd.ID, result); cerr != nil {
			b.logger.Printf("Command %d finalize failed: %v", cmd.ID, cerr)
		}
	}
}

func (b *Bot) executeCommand(ctx context.Context, cmd *models.Command) (string, error) {
	switch cmd.Type {
	case models.CommandClosePosition:
		b.closeTrade(ctx, cmd.TradeID, "manual_close", "operator close command")
		trade, err := b.store.GetTrade(cmd.TradeID)
		if err != nil {
			return "", err
		}
		if trade.Status != models.StateClosed {
			return "", fmt.Errorf("trade %s still %s after close attempt", cmd.TradeID, trade.Status)
		}
		return fmt.Sprintf("closed at %.2f, P&L %+.2f", trade.ExitCredit, trade.RealizedPnL), nil

	case models.CommandStopManaging:
		return b.stopManaging(ctx, cmd.TradeID)

	case models.CommandRunReconciliation:
		discrepancies := b.reconciler.Run(ctx)
		return fmt.Sprintf("%d discrepancies", len(discrepancies)), nil

	case models.CommandPlaceMissingGTC:
		if cmd.TradeID == "" {
			return b.placeAllMissingGTC(ctx)
		}
		return b.placeMissingGTC(ctx, cmd.TradeID)

	default:
		return "", fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

// stopManaging hands a trade to the operator: the resting profit target is
// pulled, quote streaming stops, and automated exits stop touching it.
func (b *Bot) stopManaging(ctx context.Context, tradeID string) (string, error) {
	lock := b.tradeLock(tradeID)
	lock.Lock()
	defer lock.Unlock()

	trade, err := b.store.GetTrade(tradeID)
	if err != nil {
		return "", err
	}

	if trade.ProfitTargetStatus == models.ProfitTargetPlaced {
		if err := b.cancelProfitTarget(ctx, trade); err != nil {
			return "", fmt.Errorf("profit target still working: %w", err)
		}
	}
	if err := trade.TransitionStatus(models.StateManualControl, "manual_takeover"); err != nil {
		return "", err
	}
	if err := b.store.SaveTrade(trade); err != nil {
		return "", err
	}
	b.tracker.Untrack(tradeID)
	b.logger.Printf("Trade %s handed to manual control", tradeID)
	return "under manual control", nil
}

// releaseTrade returns a manually controlled trade to automated management.
func (b *Bot) releaseTrade(ctx context.Context, tradeID string) (string, error) {
	needTarget, err := func() (bool, error) {
		lock := b.tradeLock(tradeID)
		lock.Lock()
		defer lock.Unlock()

		trade, err := b.store.GetTrade(tradeID)
		if err != nil {
			return false, err
		}
		if err := trade.TransitionStatus(models.StateActive, "manual_release"); err != nil {
			return false, err
		}
		if err := b.store.SaveTrade(trade); err != nil {
			return false, err
		}
		return trade.ProfitTargetStatus != models.ProfitTargetPlaced, nil
	}()
	if err != nil {
		return "", err
	}
	b.logger.Printf("Trade %s released back to automated management", tradeID)

	if trade, err := b.store.GetTrade(tradeID); err == nil {
		if terr := b.tracker.Track(ctx, trade); terr != nil {
			b.logger.Printf("Cannot resume tracking %s: %v", tradeID, terr)
		}
	}

	// Re-arm the profit target the takeover cancelled.
	if needTarget {
		if _, err := b.placeMissingGTC(ctx, tradeID); err != nil {
			b.logger.Printf("Profit target re-arm for %s failed: %v", tradeID, err)
		}
	}
	return "released", nil
}

// placeAllMissingGTC repairs every ACTIVE trade without a working profit
// target.
func (b *Bot) placeAllMissingGTC(ctx context.Context) (string, error) {
	trades, err := b.store.GetTradesByStatus(models.StateActive)
	if err != nil {
		return "", err
	}

	placed, failed := 0, 0
	for _, trade := range trades {
		if trade.ProfitTargetStatus == models.ProfitTargetPlaced {
			continue
		}
		if _, err := b.placeMissingGTC(ctx, trade.TradeID); err != nil {
			b.logger.Printf("Profit target repair for %s failed: %v", trade.TradeID, err)
			failed++
			continue
		}
		placed++
	}
	if failed > 0 {
		return "", fmt.Errorf("placed %d profit targets, %d failed", placed, failed)
	}
	return fmt.Sprintf("placed %d profit targets", placed), nil
}

// placeMissingGTC places a profit target for an ACTIVE trade that lost its
// resting order (rejected, cancelled at the gateway, or never placed).
func (b *Bot) placeMissingGTC(ctx context.Context, tradeID string) (string, error) {
	lock := b.tradeLock(tradeID)
	lock.Lock()
	defer lock.Unlock()

	trade, err := b.store.GetTrade(tradeID)
	if err != nil {
		return "", err
	}
	if trade.Status != models.StateActive {
		return "", fmt.Errorf("trade %s is %s, not ACTIVE", tradeID, trade.Status)
	}
	if trade.ProfitTargetStatus == models.ProfitTargetPlaced {
		return "", fmt.Errorf("trade %s already has a working profit target (order %s)",
			tradeID, trade.ProfitTargetOrderID)
	}

	// The status machine only re-enters PLACED from NONE.
	trade.ProfitTargetStatus = models.ProfitTargetNone
	b.placeProfitTarget(ctx, trade)
	if trade.ProfitTargetStatus != models.ProfitTargetPlaced {
		return "", fmt.Errorf("profit target placement for %s failed", tradeID)
	}
	if err := b.store.SaveTrade(trade); err != nil {
		return "", err
	}
	return fmt.Sprintf("profit target placed at %.2f (order %s)",
		trade.ProfitTarget, trade.ProfitTargetOrderID), nil
}
