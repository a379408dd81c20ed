package strategy

import (
	"context"
	"log"
	"math"
	"testing"
	"time"

	"github.com/jamiehall/spx-calendar-bot/internal/broker"
	"github.com/jamiehall/spx-calendar-bot/internal/models"
)

// chainBroker serves canned expirations and chains for strategy tests.
type chainBroker struct {
	expirations []string
	chains      map[string][]broker.Option
}

var _ broker.Broker = (*chainBroker)(nil)

func (b *chainBroker) GetQuote(context.Context, string) (*broker.Quote, error) {
	return &broker.Quote{Symbol: "SPX", Last: 6400}, nil
}

func (b *chainBroker) GetExpirations(context.Context, string) ([]string, error) {
	return b.expirations, nil
}

func (b *chainBroker) GetOptionChain(_ context.Context, _, expiry string) ([]broker.Option, error) {
	return b.chains[expiry], nil
}

func (b *chainBroker) VerifyContract(context.Context, string, string, float64, models.OptionRight) (int64, error) {
	return 1, nil
}

func (b *chainBroker) GetPositions(context.Context) ([]broker.PositionItem, error) {
	return nil, nil
}

func (b *chainBroker) PlaceComboOrder(context.Context, broker.ComboOrder) (string, error) {
	return "", nil
}

func (b *chainBroker) CancelOrder(context.Context, string) error { return nil }

func (b *chainBroker) GetOrderStatus(context.Context, string) (*broker.OrderEvent, error) {
	return nil, nil
}

func (b *chainBroker) WatchOrder(string) (<-chan broker.OrderEvent, func()) {
	ch := make(chan broker.OrderEvent)
	close(ch)
	return ch, func() {}
}

func (b *chainBroker) SubscribeQuotes(context.Context, []models.Leg) (<-chan broker.QuoteEvent, func(), error) {
	ch := make(chan broker.QuoteEvent)
	close(ch)
	return ch, func() {}, nil
}

func opt(right models.OptionRight, strike, delta float64) broker.Option {
	return broker.Option{
		Right:  right,
		Strike: strike,
		Greeks: &broker.Greeks{Delta: delta, IV: 0.18},
	}
}

func TestFindExpiries_SnapsToListed(t *testing.T) {
	now := time.Date(2026, 8, 17, 9, 45, 0, 0, time.UTC)
	// Targets: short 2026-09-07, long 2026-09-14. Neither is listed; the
	// nearest listed dates are one day off on each side.
	b := &chainBroker{expirations: []string{"20260828", "20260908", "20260915", "20260930"}}
	s := NewCalendarStrategy(b, log.Default())

	shortExp, longExp, err := s.FindExpiries(context.Background(), now)
	if err != nil {
		t.Fatalf("FindExpiries failed: %v", err)
	}
	if shortExp != "20260908" {
		t.Errorf("short expiry = %s, want 20260908", shortExp)
	}
	if longExp != "20260915" {
		t.Errorf("long expiry = %s, want 20260915", longExp)
	}
}

func TestFindExpiries_CollapsedExpiriesRejected(t *testing.T) {
	now := time.Date(2026, 8, 17, 9, 45, 0, 0, time.UTC)
	// Only one listed date near both targets: short and long collapse.
	b := &chainBroker{expirations: []string{"20260910"}}
	s := NewCalendarStrategy(b, log.Default())

	if _, _, err := s.FindExpiries(context.Background(), now); err == nil {
		t.Fatal("FindExpiries succeeded with collapsed expiries")
	}
}

func TestFindDeltaStrikes(t *testing.T) {
	spot := 6400.0
	chain := []broker.Option{
		// Puts: window is [6050, 6250].
		opt(models.RightPut, 6000, -0.10), // outside window
		opt(models.RightPut, 6100, -0.15),
		opt(models.RightPut, 6150, -0.19),
		opt(models.RightPut, 6200, -0.24),
		// Calls: window is [6450, 6650].
		opt(models.RightCall, 6420, 0.35), // outside window
		opt(models.RightCall, 6500, 0.26),
		opt(models.RightCall, 6550, 0.21),
		opt(models.RightCall, 6600, 0.15),
	}

	s := NewCalendarStrategy(&chainBroker{}, log.Default())
	put, call, err := s.FindDeltaStrikes(chain, spot)
	if err != nil {
		t.Fatalf("FindDeltaStrikes failed: %v", err)
	}
	if put.Strike != 6150 {
		t.Errorf("put strike = %.0f, want 6150", put.Strike)
	}
	if call.Strike != 6550 {
		t.Errorf("call strike = %.0f, want 6550", call.Strike)
	}
}

func TestFindDeltaStrikes_TieKeepsFirstSeen(t *testing.T) {
	spot := 6400.0
	chain := []broker.Option{
		opt(models.RightPut, 6100, -0.18),
		opt(models.RightPut, 6150, -0.22), // same 0.02 distance, seen later
		opt(models.RightCall, 6500, 0.20),
	}

	s := NewCalendarStrategy(&chainBroker{}, log.Default())
	put, _, err := s.FindDeltaStrikes(chain, spot)
	if err != nil {
		t.Fatalf("FindDeltaStrikes failed: %v", err)
	}
	if put.Strike != 6100 {
		t.Errorf("tie broke to %.0f, want first-seen 6100", put.Strike)
	}
}

func TestFindDeltaStrikes_EmptyWindow(t *testing.T) {
	chain := []broker.Option{
		opt(models.RightPut, 5000, -0.05),
		opt(models.RightCall, 6500, 0.20),
	}
	s := NewCalendarStrategy(&chainBroker{}, log.Default())
	if _, _, err := s.FindDeltaStrikes(chain, 6400); err == nil {
		t.Fatal("FindDeltaStrikes succeeded with no put candidates in window")
	}
}

func TestSpreadValueFromMids(t *testing.T) {
	// -1.20 - 1.40 + 2.35 + 2.60 = 2.35, already on grid.
	value := SpreadValueFromMids(1.20, 1.40, 2.35, 2.60, 0.05)
	if math.Abs(value-2.35) > 1e-9 {
		t.Errorf("value = %.4f, want 2.35", value)
	}

	// -1.225 - 1.40 + 2.35 + 2.60 = 2.325 -> rounds to 2.35 (ties away).
	value = SpreadValueFromMids(1.225, 1.40, 2.35, 2.60, 0.05)
	if math.Abs(value-2.35) > 1e-9 {
		t.Errorf("value = %.4f, want 2.35", value)
	}

	// 2.31 -> 2.30.
	value = SpreadValueFromMids(1.24, 1.40, 2.35, 2.60, 0.05)
	if math.Abs(value-2.30) > 1e-9 {
		t.Errorf("value = %.4f, want 2.30", value)
	}
}

func TestSpreadValue_RequiresAllLegQuotes(t *testing.T) {
	good := broker.Option{Bid: 1.10, Ask: 1.30}
	noBid := broker.Option{Bid: 0, Ask: 1.30}

	if _, err := SpreadValue(good, good, good, good, 0.05); err != nil {
		t.Errorf("SpreadValue with four good legs failed: %v", err)
	}
	if _, err := SpreadValue(good, noBid, good, good, 0.05); err == nil {
		t.Error("SpreadValue succeeded with a one-sided leg quote")
	}
}

func TestProfitTargetPrice(t *testing.T) {
	s := NewCalendarStrategy(&chainBroker{}, log.Default())

	tests := []struct {
		entry float64
		want  float64
	}{
		{4.00, 6.00}, // 6.00 exact
		{4.35, 6.50}, // 6.525 floors to 6.50
		{4.30, 6.40}, // 6.45 floors to 6.40
		{1.10, 1.60}, // 1.65 floors to 1.60
	}
	for _, tt := range tests {
		got := s.ProfitTargetPrice(tt.entry)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("ProfitTargetPrice(%.2f) = %.2f, want %.2f", tt.entry, got, tt.want)
		}
	}
}

func TestAdjustLongStrikes(t *testing.T) {
	longChain := []broker.Option{
		opt(models.RightPut, 6140, -0.18),
		opt(models.RightPut, 6145, -0.19),
		opt(models.RightPut, 6160, -0.21),
		opt(models.RightCall, 6540, 0.22),
		opt(models.RightCall, 6555, 0.20),
		opt(models.RightCall, 6560, 0.19),
	}

	// Put target 6150: highest at-or-below is 6145.
	// Call target 6550: lowest at-or-above is 6555.
	put, call, err := AdjustLongStrikes(longChain, 6150, 6550, 10)
	if err != nil {
		t.Fatalf("AdjustLongStrikes failed: %v", err)
	}
	if put != 6145 {
		t.Errorf("adjusted put = %.0f, want 6145", put)
	}
	if call != 6555 {
		t.Errorf("adjusted call = %.0f, want 6555", call)
	}

	// Deviation too tight: nothing within 2 points.
	if _, _, err := AdjustLongStrikes(longChain, 6150, 6550, 2); err == nil {
		t.Error("AdjustLongStrikes succeeded outside the deviation bound")
	}
}

func TestAdjustEntireStrike(t *testing.T) {
	shortChain := []broker.Option{
		opt(models.RightPut, 6145, -0.19),
		opt(models.RightPut, 6150, -0.20),
		opt(models.RightPut, 6155, -0.21),
	}
	longChain := []broker.Option{
		opt(models.RightPut, 6145, -0.18),
		opt(models.RightPut, 6155, -0.20),
	}

	// 6150 is not on the long expiry; 6145 and 6155 tie at 5 points but
	// 6145 comes first in short chain order.
	strike, err := AdjustEntireStrike(shortChain, longChain, models.RightPut, 6150)
	if err != nil {
		t.Fatalf("AdjustEntireStrike failed: %v", err)
	}
	if strike != 6145 {
		t.Errorf("strike = %.0f, want 6145", strike)
	}

	if _, err := AdjustEntireStrike(shortChain, nil, models.RightPut, 6150); err == nil {
		t.Error("AdjustEntireStrike succeeded with no common strikes")
	}
}

func TestGhostStrikeConflict(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 45, 0, 0, time.UTC)

	lastWeek := models.NewCalendarSpread("SPX-20260817-aaa", now.AddDate(0, 0, -7), 6380,
		6150, 6550, "20260907", "20260914", 4)

	conflict, desc := GhostStrikeConflict([]*models.CalendarSpread{lastWeek}, now, 6150, 6600)
	if !conflict {
		t.Fatal("expected put conflict with last week's long strike")
	}
	if desc == "" {
		t.Error("conflict description is empty")
	}

	// Same strikes but the trade is too old to matter.
	stale := models.NewCalendarSpread("SPX-20260810-bbb", now.AddDate(0, 0, -14), 6300,
		6150, 6550, "20260831", "20260907", 4)
	if conflict, _ := GhostStrikeConflict([]*models.CalendarSpread{stale}, now, 6150, 6550); conflict {
		t.Error("trade 14 days old flagged as ghost strike source")
	}

	// Adjusted long strikes take precedence over the short strikes.
	adjusted := models.NewCalendarSpread("SPX-20260817-ccc", now.AddDate(0, 0, -7), 6380,
		6150, 6550, "20260907", "20260914", 4)
	adjusted.LongPutStrike = 6145
	if conflict, _ := GhostStrikeConflict([]*models.CalendarSpread{adjusted}, now, 6150, 6600); conflict {
		t.Error("conflict flagged against short strike instead of adjusted long strike")
	}
	if conflict, _ := GhostStrikeConflict([]*models.CalendarSpread{adjusted}, now, 6145, 6600); !conflict {
		t.Error("no conflict flagged against the adjusted long strike")
	}
}

func TestMoveGhostStrike(t *testing.T) {
	chain := []broker.Option{
		opt(models.RightPut, 6145, -0.19),
		opt(models.RightPut, 6150, -0.20),
		opt(models.RightPut, 6155, -0.23),
	}
	s := NewCalendarStrategy(&chainBroker{}, log.Default())

	// Neighbors of 6150: 6145 (|0.19|, diff 0.01) and 6155 (|0.23|, diff
	// 0.03). The closer delta wins.
	moved := s.MoveGhostStrike(chain, models.RightPut, 6150)
	if moved != 6145 {
		t.Errorf("moved strike = %.0f, want 6145", moved)
	}

	// Strike absent from the chain stays put.
	if got := s.MoveGhostStrike(chain, models.RightPut, 6000); got != 6000 {
		t.Errorf("unknown strike moved to %.0f, want 6000", got)
	}
}
