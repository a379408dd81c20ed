package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jamiehall/spx-calendar-bot/internal/models"
)

// runManualMenu drives the bot interactively from stdin. No schedule runs in
// this mode; every action is an explicit operator choice.
func (b *Bot) runManualMenu(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		fmt.Println()
		fmt.Println("=== SPX Calendar Bot (manual mode) ===")
		fmt.Println("1. List open trades")
		fmt.Println("2. Close a trade")
		fmt.Println("3. Take over a trade")
		fmt.Println("4. Release a trade to automation")
		fmt.Println("5. Run reconciliation")
		fmt.Println("6. Place missing profit target")
		fmt.Println("7. Close all open trades")
		fmt.Println("8. Order history for a trade")
		fmt.Println("9. Status summary")
		fmt.Println("q. Quit")
		fmt.Print("> ")

		if !scanner.Scan() {
			return scanner.Err()
		}
		choice := strings.TrimSpace(scanner.Text())

		switch choice {
		case "1":
			b.printOpenTrades()
		case "2":
			if id := b.promptTradeID(scanner); id != "" {
				b.closeTrade(ctx, id, "manual_close", "manual menu close")
			}
		case "3":
			if id := b.promptTradeID(scanner); id != "" {
				if result, err := b.stopManaging(ctx, id); err != nil {
					fmt.Printf("Takeover failed: %v\n", err)
				} else {
					fmt.Printf("Trade %s: %s\n", id, result)
				}
			}
		case "4":
			if id := b.promptTradeID(scanner); id != "" {
				if result, err := b.releaseTrade(ctx, id); err != nil {
					fmt.Printf("Release failed: %v\n", err)
				} else {
					fmt.Printf("Trade %s: %s\n", id, result)
				}
			}
		case "5":
			discrepancies := b.reconciler.Run(ctx)
			if len(discrepancies) == 0 {
				fmt.Println("Reconciliation clean")
			}
			for _, d := range discrepancies {
				fmt.Printf("  %s\n", d)
			}
		case "6":
			fmt.Print("Trade ID (blank for all): ")
			if !scanner.Scan() {
				return scanner.Err()
			}
			id := strings.TrimSpace(scanner.Text())
			var result string
			var err error
			if id == "" {
				result, err = b.placeAllMissingGTC(ctx)
			} else {
				result, err = b.placeMissingGTC(ctx, id)
			}
			if err != nil {
				fmt.Printf("Placement failed: %v\n", err)
			} else {
				fmt.Println(result)
			}
		case "7":
			b.closeAllTrades(ctx, scanner)
		case "8":
			if id := b.promptTradeID(scanner); id != "" {
				b.printOrderHistory(id)
			}
		case "9":
			b.printStatusSummary()
		case "q", "quit", "exit":
			return nil
		default:
			fmt.Printf("Unknown choice %q\n", choice)
		}
	}
}

func (b *Bot) printOpenTrades() {
	trades, err := b.store.GetActiveTrades()
	if err != nil {
		fmt.Printf("Cannot load trades: %v\n", err)
		return
	}
	if len(trades) == 0 {
		fmt.Println("No open trades")
		return
	}
	for _, t := range trades {
		fmt.Printf("%s  %-14s  P%g/C%g  %s/%s  entry %.2f  unrealized %+.2f  target %s\n",
			t.TradeID, t.Status, t.PutStrike, t.CallStrike,
			t.ShortExpiry, t.LongExpiry, t.EntryCredit, t.UnrealizedPnL, t.ProfitTargetStatus)
	}
}

// closeAllTrades closes every open trade after a typed confirmation.
func (b *Bot) closeAllTrades(ctx context.Context, scanner *bufio.Scanner) {
	trades, err := b.store.GetActiveTrades()
	if err != nil {
		fmt.Printf("Cannot load trades: %v\n", err)
		return
	}
	open := trades[:0]
	for _, t := range trades {
		if t.Status == models.StateActive || t.Status == models.StateManualControl {
			open = append(open, t)
		}
	}
	if len(open) == 0 {
		fmt.Println("No open trades")
		return
	}

	fmt.Printf("Close all %d open trades? Type yes to confirm: ", len(open))
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "yes" {
		fmt.Println("Aborted")
		return
	}
	for _, t := range open {
		fmt.Printf("Closing %s...\n", t.TradeID)
		b.closeTrade(ctx, t.TradeID, "manual_close", "manual menu close all")
	}
}

func (b *Bot) printOrderHistory(tradeID string) {
	records, err := b.store.GetOrderHistory(tradeID)
	if err != nil {
		fmt.Printf("Cannot load order history: %v\n", err)
		return
	}
	if len(records) == 0 {
		fmt.Println("No orders recorded")
		return
	}
	for _, r := range records {
		fmt.Printf("%s  %-13s  %-14s  limit %.2f  fill %.2f  attempts %d  %s\n",
			r.CreatedAt, r.Purpose, r.Status, r.LimitPrice, r.AvgFillPrice, r.Attempts, r.OrderID)
	}
}

// printStatusSummary shows trade counts by state plus open and realized P&L.
func (b *Bot) printStatusSummary() {
	open, err := b.store.GetActiveTrades()
	if err != nil {
		fmt.Printf("Cannot load trades: %v\n", err)
		return
	}
	closed, err := b.store.GetTradesByStatus(models.StateClosed)
	if err != nil {
		fmt.Printf("Cannot load closed trades: %v\n", err)
		return
	}

	counts := make(map[models.TradeState]int)
	var unrealized float64
	for _, t := range open {
		counts[t.Status]++
		if t.Status == models.StateActive || t.Status == models.StateManualControl {
			unrealized += t.UnrealizedPnL
		}
	}
	var realized float64
	for _, t := range closed {
		realized += t.RealizedPnL
	}

	fmt.Printf("Open trades: %d (%d active, %d manual, %d pending)\n",
		len(open), counts[models.StateActive], counts[models.StateManualControl], counts[models.StatePending])
	fmt.Printf("Closed trades: %d\n", len(closed))
	fmt.Printf("Unrealized P&L: %+.2f\n", unrealized)
	fmt.Printf("Realized P&L: %+.2f\n", realized)
}

func (b *Bot) promptTradeID(scanner *bufio.Scanner) string {
	fmt.Print("Trade ID: ")
	if !scanner.Scan() {
		return ""
	}
	id := strings.TrimSpace(scanner.Text())
	if id == "" {
		return ""
	}
	if _, err := b.store.GetTrade(id); err != nil {
		fmt.Printf("Unknown trade %q\n", id)
		return ""
	}
	return id
}
