// Package strategy implements strike selection and valuation for SPX double
// calendar spreads: short put and call near ~21 days, long put and call at
// ~28 days, same strikes, net debit.
package strategy

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/jamiehall/spx-calendar-bot/internal/broker"
	"github.com/jamiehall/spx-calendar-bot/internal/models"
	"github.com/jamiehall/spx-calendar-bot/internal/util"
)

// FailedTradeAction selects the fallback when contract verification fails.
type FailedTradeAction string

const (
	FailedTradeSkip         FailedTradeAction = "skip"
	FailedTradeAdjustLongs  FailedTradeAction = "adjust_longs"
	FailedTradeAdjustEntire FailedTradeAction = "adjust_entire"
)

// GhostStrikeAction selects the response to a ghost strike conflict.
type GhostStrikeAction string

const (
	GhostStrikeSkip   GhostStrikeAction = "skip"
	GhostStrikeIgnore GhostStrikeAction = "ignore"
	GhostStrikeMove   GhostStrikeAction = "move"
)

// Config holds strategy parameters.
type Config struct {
	Symbol         string
	TargetDelta    float64
	DeltaTolerance float64
	ShortDTE       int
	LongDTE        int

	// Candidate windows as offsets from spot.
	PutWindowFar   float64 // lower bound: spot - PutWindowFar
	PutWindowNear  float64 // upper bound: spot - PutWindowNear
	CallWindowNear float64 // lower bound: spot + CallWindowNear
	CallWindowFar  float64 // upper bound: spot + CallWindowFar

	ProfitTargetPct  float64
	Tick             float64
	ProfitTargetTick float64
}

// DefaultConfig returns the stock double calendar parameters.
func DefaultConfig() Config {
	return Config{
		Symbol:           "SPX",
		TargetDelta:      0.20,
		DeltaTolerance:   0.05,
		ShortDTE:         21,
		LongDTE:          28,
		PutWindowFar:     350,
		PutWindowNear:    150,
		CallWindowNear:   50,
		CallWindowFar:    250,
		ProfitTargetPct:  0.50,
		Tick:             0.05,
		ProfitTargetTick: 0.10,
	}
}

// CalendarStrategy selects strikes and values spreads using broker data.
type CalendarStrategy struct {
	broker broker.Broker
	config Config
	logger *log.Logger
}

// NewCalendarStrategy creates a strategy instance.
func NewCalendarStrategy(b broker.Broker, logger *log.Logger, config ...Config) *CalendarStrategy {
	cfg := DefaultConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CalendarStrategy{broker: b, config: cfg, logger: logger}
}

// Config returns the active parameters.
func (s *CalendarStrategy) Config() Config {
	return s.config
}

// FindExpiries resolves the short and long expiries by snapping today+21 and
// today+28 to the nearest listed expiries. Both must resolve to distinct
// dates with the short one first.
func (s *CalendarStrategy) FindExpiries(ctx context.Context, now time.Time) (string, string, error) {
	listed, err := s.broker.GetExpirations(ctx, s.config.Symbol)
	if err != nil {
		return "", "", fmt.Errorf("list expirations: %w", err)
	}
	if len(listed) == 0 {
		return "", "", fmt.Errorf("no listed expirations for %s", s.config.Symbol)
	}

	shortExpiry, err := nearestExpiry(listed, now.AddDate(0, 0, s.config.ShortDTE))
	if err != nil {
		return "", "", fmt.Errorf("short expiry: %w", err)
	}
	longExpiry, err := nearestExpiry(listed, now.AddDate(0, 0, s.config.LongDTE))
	if err != nil {
		return "", "", fmt.Errorf("long expiry: %w", err)
	}
	if shortExpiry >= longExpiry {
		return "", "", fmt.Errorf("expiries collapsed: short %s, long %s", shortExpiry, longExpiry)
	}
	return shortExpiry, longExpiry, nil
}

func nearestExpiry(listed []string, target time.Time) (string, error) {
	best := ""
	bestDiff := math.MaxFloat64
	for _, expiry := range listed {
		d, err := time.Parse("20060102", expiry)
		if err != nil {
			continue
		}
		diff := math.Abs(d.Sub(target).Hours())
		if diff < bestDiff {
			bestDiff = diff
			best = expiry
		}
	}
	if best == "" {
		return "", fmt.Errorf("no parseable expiries among %d listed", len(listed))
	}
	return best, nil
}

// StrikePick is a selected strike with the option it came from.
type StrikePick struct {
	Strike float64
	Delta  float64
	IV     float64
	ConID  int64
}

// FindDeltaStrikes picks the put and call strikes whose absolute delta is
// closest to the target, scanning only the configured windows around spot.
// Ties keep the first candidate seen in chain order.
func (s *CalendarStrategy) FindDeltaStrikes(chain []broker.Option, spot float64) (StrikePick, StrikePick, error) {
	putLow := spot - s.config.PutWindowFar
	putHigh := spot - s.config.PutWindowNear
	callLow := spot + s.config.CallWindowNear
	callHigh := spot + s.config.CallWindowFar

	put, putOK := s.bestInWindow(chain, models.RightPut, putLow, putHigh)
	call, callOK := s.bestInWindow(chain, models.RightCall, callLow, callHigh)

	if !putOK {
		return StrikePick{}, StrikePick{}, fmt.Errorf(
			"no put candidates with greeks in [%.0f, %.0f]", putLow, putHigh)
	}
	if !callOK {
		return StrikePick{}, StrikePick{}, fmt.Errorf(
			"no call candidates with greeks in [%.0f, %.0f]", callLow, callHigh)
	}

	s.logger.Printf("Selected strikes: put %.0f (delta %.3f), call %.0f (delta %.3f)",
		put.Strike, put.Delta, call.Strike, call.Delta)
	return put, call, nil
}

func (s *CalendarStrategy) bestInWindow(chain []broker.Option, right models.OptionRight, low, high float64) (StrikePick, bool) {
	best := StrikePick{}
	bestDiff := math.MaxFloat64
	found := false

	for _, opt := range chain {
		if opt.Right != right || opt.Greeks == nil {
			continue
		}
		if opt.Strike < low-broker.StrikeMatchEpsilon || opt.Strike > high+broker.StrikeMatchEpsilon {
			continue
		}
		diff := math.Abs(math.Abs(opt.Greeks.Delta) - s.config.TargetDelta)
		if diff < bestDiff {
			bestDiff = diff
			best = StrikePick{Strike: opt.Strike, Delta: opt.Greeks.Delta, IV: opt.Greeks.IV, ConID: opt.ConID}
			found = true
		}
	}
	return best, found
}

// SpreadValue computes the close value of the four-leg spread from leg mids:
// the shorts are bought back, the longs sold. The result lands on the nickel
// grid and is only defined when all four legs have a valid two-sided quote.
func SpreadValue(shortPut, shortCall, longPut, longCall broker.Option, tick float64) (float64, error) {
	spMid, err := shortPut.Mid()
	if err != nil {
		return 0, fmt.Errorf("short put: %w", err)
	}
	scMid, err := shortCall.Mid()
	if err != nil {
		return 0, fmt.Errorf("short call: %w", err)
	}
	lpMid, err := longPut.Mid()
	if err != nil {
		return 0, fmt.Errorf("long put: %w", err)
	}
	lcMid, err := longCall.Mid()
	if err != nil {
		return 0, fmt.Errorf("long call: %w", err)
	}
	return SpreadValueFromMids(spMid, scMid, lpMid, lcMid, tick), nil
}

// SpreadValueFromMids applies the spread valuation formula to leg midpoints.
func SpreadValueFromMids(shortPutMid, shortCallMid, longPutMid, longCallMid, tick float64) float64 {
	value := -shortPutMid - shortCallMid + longPutMid + longCallMid
	return util.RoundToTick(value, tick)
}

// ProfitTargetPrice computes the GTC limit: entry debit grown by the profit
// target percentage, rounded down onto the dime grid.
func (s *CalendarStrategy) ProfitTargetPrice(entryCredit float64) float64 {
	raw := entryCredit * (1 + s.config.ProfitTargetPct)
	// Settle onto the cent grid first so a float artifact a hair under a
	// dime boundary does not floor an extra dime away.
	raw = util.RoundToTick(raw, 0.01)
	return util.FloorToTick(raw, s.config.ProfitTargetTick)
}

// AdjustLongStrikes implements the adjust_longs fallback: the long put moves
// to the highest available strike at or below the target, the long call to
// the lowest at or above, both within maxDeviation points of the original.
func AdjustLongStrikes(longChain []broker.Option, putTarget, callTarget, maxDeviation float64) (float64, float64, error) {
	putStrike, putOK := boundedStrike(longChain, models.RightPut, putTarget, maxDeviation, false)
	callStrike, callOK := boundedStrike(longChain, models.RightCall, callTarget, maxDeviation, true)

	if !putOK {
		return 0, 0, fmt.Errorf("no long put strike within %.0f points of %.0f", maxDeviation, putTarget)
	}
	if !callOK {
		return 0, 0, fmt.Errorf("no long call strike within %.0f points of %.0f", maxDeviation, callTarget)
	}
	return putStrike, callStrike, nil
}

// boundedStrike finds the closest listed strike on the required side of
// target (at-or-below for puts, at-or-above for calls) within maxDeviation.
func boundedStrike(chain []broker.Option, right models.OptionRight, target, maxDeviation float64, above bool) (float64, bool) {
	best := 0.0
	found := false
	for _, opt := range chain {
		if opt.Right != right {
			continue
		}
		if above {
			if opt.Strike < target-broker.StrikeMatchEpsilon {
				continue
			}
		} else {
			if opt.Strike > target+broker.StrikeMatchEpsilon {
				continue
			}
		}
		if math.Abs(opt.Strike-target) > maxDeviation+broker.StrikeMatchEpsilon {
			continue
		}
		if !found || math.Abs(opt.Strike-target) < math.Abs(best-target) {
			best = opt.Strike
			found = true
		}
	}
	return best, found
}

// AdjustEntireStrike implements the adjust_entire fallback for one side:
// the nearest strike to target that is listed on BOTH expiries, so the
// calendar stays symmetric.
func AdjustEntireStrike(shortChain, longChain []broker.Option, right models.OptionRight, target float64) (float64, error) {
	longStrikes := make(map[float64]bool)
	for _, opt := range longChain {
		if opt.Right == right {
			longStrikes[opt.Strike] = true
		}
	}

	best := 0.0
	bestDiff := math.MaxFloat64
	for _, opt := range shortChain {
		if opt.Right != right || !longStrikes[opt.Strike] {
			continue
		}
		diff := math.Abs(opt.Strike - target)
		if diff < bestDiff {
			bestDiff = diff
			best = opt.Strike
		}
	}
	if bestDiff == math.MaxFloat64 {
		return 0, fmt.Errorf("no %s strike near %.0f listed on both expiries", right, target)
	}
	return best, nil
}

// GhostStrikeConflict reports whether today's proposed short strikes collide
// with the long strikes of the trade entered roughly one week ago. The 6-8
// day window absorbs weekends and holidays.
func GhostStrikeConflict(active []*models.CalendarSpread, now time.Time, putStrike, callStrike float64) (bool, string) {
	for _, trade := range active {
		days, err := trade.DaysSinceEntry(now)
		if err != nil || days < 6 || days > 8 {
			continue
		}

		var conflicts []string
		if putStrike == trade.EffectiveLongPutStrike() {
			conflicts = append(conflicts, fmt.Sprintf("put %.0f", putStrike))
		}
		if callStrike == trade.EffectiveLongCallStrike() {
			conflicts = append(conflicts, fmt.Sprintf("call %.0f", callStrike))
		}
		if len(conflicts) > 0 {
			desc := fmt.Sprintf("ghost strike conflict with %s: %s", trade.TradeID, conflicts[0])
			if len(conflicts) == 2 {
				desc += ", " + conflicts[1]
			}
			return true, desc
		}
	}
	return false, ""
}

// MoveGhostStrike resolves a conflict by evaluating the strikes one step up
// and one step down from the conflicted strike and keeping whichever delta
// lands closest to the target. The original strike is returned when no
// neighbor exists.
func (s *CalendarStrategy) MoveGhostStrike(chain []broker.Option, right models.OptionRight, strike float64) float64 {
	var strikes []float64
	deltas := make(map[float64]float64)
	for _, opt := range chain {
		if opt.Right != right || opt.Greeks == nil {
			continue
		}
		strikes = append(strikes, opt.Strike)
		deltas[opt.Strike] = opt.Greeks.Delta
	}
	sort.Float64s(strikes)

	idx := -1
	for i, k := range strikes {
		if math.Abs(k-strike) < broker.StrikeMatchEpsilon {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.logger.Printf("Ghost strike %.0f not found in chain, keeping it", strike)
		return strike
	}

	best := strike
	bestDiff := math.MaxFloat64
	for _, neighbor := range []int{idx + 1, idx - 1} {
		if neighbor < 0 || neighbor >= len(strikes) {
			continue
		}
		k := strikes[neighbor]
		diff := math.Abs(math.Abs(deltas[k]) - s.config.TargetDelta)
		if diff < bestDiff {
			bestDiff = diff
			best = k
		}
	}
	if best != strike {
		s.logger.Printf("Moved ghost strike %.0f -> %.0f (delta %.3f)", strike, best, deltas[best])
	}
	return best
}
