package models

import (
	"fmt"
	"time"
)

// OptionRight identifies a put or a call.
type OptionRight string

const (
	RightPut  OptionRight = "P"
	RightCall OptionRight = "C"
)

// ProfitTargetStatus tracks the lifecycle of the GTC profit target order.
type ProfitTargetStatus string

const (
	ProfitTargetNone      ProfitTargetStatus = "NONE"
	ProfitTargetPlaced    ProfitTargetStatus = "PLACED"
	ProfitTargetFilled    ProfitTargetStatus = "FILLED"
	ProfitTargetCancelled ProfitTargetStatus = "CANCELLED"
	ProfitTargetRejected  ProfitTargetStatus = "REJECTED"
)

// Leg is one option leg of a calendar spread. Quantity is signed: negative
// for short legs, positive for long legs.
type Leg struct {
	Expiry   string      `json:"expiry"` // YYYYMMDD
	Strike   float64     `json:"strike"`
	Right    OptionRight `json:"right"`
	Quantity int         `json:"quantity"`
}

// Key returns the reconciliation key for the leg.
func (l Leg) Key() string {
	return fmt.Sprintf("SPX-%s-%g-%s", l.Expiry, l.Strike, l.Right)
}

// CalendarSpread is a four-leg SPX double calendar trade: short put and call
// at the near expiry, long put and call at the far expiry. EntryCredit holds
// the net debit paid to open (kept positive).
type CalendarSpread struct {
	StateMachine *StateMachine `json:"-"`

	TradeID   string  `json:"trade_id"`
	EntryDate string  `json:"entry_date"` // YYYY-MM-DD
	EntryTime string  `json:"entry_time"` // HH:MM:SS
	SPXPrice  float64 `json:"spx_price"`

	PutStrike  float64 `json:"put_strike"`
	CallStrike float64 `json:"call_strike"`
	// Long strikes differ from the short strikes only after a long-leg
	// adjustment; zero means same strike as the short leg.
	LongPutStrike  float64 `json:"long_put_strike"`
	LongCallStrike float64 `json:"long_call_strike"`

	ShortExpiry string `json:"short_expiry"` // YYYYMMDD
	LongExpiry  string `json:"long_expiry"`  // YYYYMMDD

	PositionSize int     `json:"position_size"`
	EntryCredit  float64 `json:"entry_credit"`

	ShortPutDelta  float64 `json:"short_put_delta"`
	ShortCallDelta float64 `json:"short_call_delta"`
	LongPutDelta   float64 `json:"long_put_delta"`
	LongCallDelta  float64 `json:"long_call_delta"`
	ShortPutIV     float64 `json:"short_put_iv"`
	ShortCallIV    float64 `json:"short_call_iv"`
	LongPutIV      float64 `json:"long_put_iv"`
	LongCallIV     float64 `json:"long_call_iv"`

	ShortPutConID  int64 `json:"short_put_conid"`
	ShortCallConID int64 `json:"short_call_conid"`
	LongPutConID   int64 `json:"long_put_conid"`
	LongCallConID  int64 `json:"long_call_conid"`

	Status TradeState `json:"status"`

	ProfitTarget        float64            `json:"profit_target"`
	ProfitTargetOrderID string             `json:"profit_target_order_id"`
	ProfitTargetStatus  ProfitTargetStatus `json:"profit_target_status"`

	CurrentValue  float64 `json:"current_value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`

	ExitDate    string  `json:"exit_date"`
	ExitTime    string  `json:"exit_time"`
	ExitCredit  float64 `json:"exit_credit"`
	ExitReason  string  `json:"exit_reason"`
	RealizedPnL float64 `json:"realized_pnl"`
	pnlFinal    bool
}

// NewCalendarSpread creates a pending trade record for a submitted entry order.
func NewCalendarSpread(tradeID string, entryAt time.Time, spxPrice, putStrike, callStrike float64,
	shortExpiry, longExpiry string, positionSize int) *CalendarSpread {
	return &CalendarSpread{
		StateMachine:       NewStateMachine(),
		TradeID:            tradeID,
		EntryDate:          entryAt.Format("2006-01-02"),
		EntryTime:          entryAt.Format("15:04:05"),
		SPXPrice:           spxPrice,
		PutStrike:          putStrike,
		CallStrike:         callStrike,
		ShortExpiry:        shortExpiry,
		LongExpiry:         longExpiry,
		PositionSize:       positionSize,
		Status:             StatePending,
		ProfitTargetStatus: ProfitTargetNone,
	}
}

// Rehydrate rebuilds the in-memory state machine after loading from storage.
func (cs *CalendarSpread) Rehydrate() {
	if cs.StateMachine == nil {
		cs.StateMachine = NewStateMachineAt(cs.Status)
	}
	if cs.Status == StateClosed {
		cs.pnlFinal = true
	}
	if cs.ProfitTargetStatus == "" {
		cs.ProfitTargetStatus = ProfitTargetNone
	}
}

// EffectiveLongPutStrike returns the long put strike, falling back to the
// short put strike when no adjustment was made.
func (cs *CalendarSpread) EffectiveLongPutStrike() float64 {
	if cs.LongPutStrike != 0 {
		return cs.LongPutStrike
	}
	return cs.PutStrike
}

// EffectiveLongCallStrike returns the long call strike, falling back to the
// short call strike when no adjustment was made.
func (cs *CalendarSpread) EffectiveLongCallStrike() float64 {
	if cs.LongCallStrike != 0 {
		return cs.LongCallStrike
	}
	return cs.CallStrike
}

// Legs returns the four legs with signed quantities: shorts negative,
// longs positive.
func (cs *CalendarSpread) Legs() []Leg {
	return []Leg{
		{Expiry: cs.ShortExpiry, Strike: cs.PutStrike, Right: RightPut, Quantity: -cs.PositionSize},
		{Expiry: cs.ShortExpiry, Strike: cs.CallStrike, Right: RightCall, Quantity: -cs.PositionSize},
		{Expiry: cs.LongExpiry, Strike: cs.EffectiveLongPutStrike(), Right: RightPut, Quantity: cs.PositionSize},
		{Expiry: cs.LongExpiry, Strike: cs.EffectiveLongCallStrike(), Right: RightCall, Quantity: cs.PositionSize},
	}
}

// TransitionStatus validates and applies a lifecycle transition, keeping the
// persisted Status field and the state machine in sync.
func (cs *CalendarSpread) TransitionStatus(to TradeState, condition string) error {
	if cs.StateMachine == nil {
		cs.Rehydrate()
	}
	if err := cs.StateMachine.Transition(to, condition); err != nil {
		return err
	}
	cs.Status = to
	return nil
}

// MarkActive records an entry fill: the debit actually paid and entry-time
// greeks are set by the caller afterwards.
func (cs *CalendarSpread) MarkActive(entryCredit float64) error {
	if err := cs.TransitionStatus(StateActive, "order_filled"); err != nil {
		return err
	}
	cs.EntryCredit = entryCredit
	return nil
}

// MarkCancelled records an entry that exhausted all price attempts.
func (cs *CalendarSpread) MarkCancelled(reason string) error {
	if err := cs.TransitionStatus(StateCancelled, "order_exhausted"); err != nil {
		return err
	}
	cs.ExitReason = reason
	return nil
}

// MarkClosed finalizes the trade. RealizedPnL is written exactly once; a
// second close attempt returns an error and changes nothing.
func (cs *CalendarSpread) MarkClosed(condition, reason string, exitCredit float64, at time.Time) error {
	if cs.pnlFinal {
		return fmt.Errorf("trade %s already closed with realized P&L %.2f", cs.TradeID, cs.RealizedPnL)
	}
	if err := cs.TransitionStatus(StateClosed, condition); err != nil {
		return err
	}
	cs.ExitDate = at.Format("2006-01-02")
	cs.ExitTime = at.Format("15:04:05")
	cs.ExitCredit = exitCredit
	cs.ExitReason = reason
	cs.RealizedPnL = exitCredit - cs.EntryCredit
	cs.pnlFinal = true
	return nil
}

// IsClosed reports whether realized P&L has been finalized.
func (cs *CalendarSpread) IsClosed() bool {
	return cs.pnlFinal
}

// SetProfitTargetStatus validates and applies a profit target order status
// change. PLACED is only reachable while the trade is ACTIVE.
func (cs *CalendarSpread) SetProfitTargetStatus(to ProfitTargetStatus) error {
	valid := false
	switch cs.ProfitTargetStatus {
	case ProfitTargetNone:
		valid = to == ProfitTargetPlaced || to == ProfitTargetRejected
	case ProfitTargetPlaced:
		valid = to == ProfitTargetFilled || to == ProfitTargetCancelled || to == ProfitTargetRejected
	}
	if !valid {
		return fmt.Errorf("invalid profit target status change %s -> %s for trade %s",
			cs.ProfitTargetStatus, to, cs.TradeID)
	}
	if to == ProfitTargetPlaced && cs.Status != StateActive {
		return fmt.Errorf("profit target can only be PLACED while trade is ACTIVE, trade %s is %s",
			cs.TradeID, cs.Status)
	}
	cs.ProfitTargetStatus = to
	return nil
}

// DaysSinceEntry returns whole calendar days between the entry date and now.
func (cs *CalendarSpread) DaysSinceEntry(now time.Time) (int, error) {
	entry, err := time.ParseInLocation("2006-01-02", cs.EntryDate, now.Location())
	if err != nil {
		return 0, fmt.Errorf("bad entry date %q: %w", cs.EntryDate, err)
	}
	y1, m1, d1 := entry.Date()
	y2, m2, d2 := now.Date()
	a := time.Date(y1, m1, d1, 0, 0, 0, 0, now.Location())
	b := time.Date(y2, m2, d2, 0, 0, 0, 0, now.Location())
	return int(b.Sub(a).Hours() / 24), nil
}

// Validate checks record consistency for the current lifecycle state.
func (cs *CalendarSpread) Validate() error {
	if cs.TradeID == "" {
		return fmt.Errorf("missing trade ID")
	}
	if cs.PositionSize <= 0 {
		return fmt.Errorf("position size must be positive, got %d", cs.PositionSize)
	}
	if cs.PutStrike <= 0 || cs.CallStrike <= 0 {
		return fmt.Errorf("strikes must be positive: put %.1f call %.1f", cs.PutStrike, cs.CallStrike)
	}
	if cs.ShortExpiry == "" || cs.LongExpiry == "" {
		return fmt.Errorf("both expiries required: short %q long %q", cs.ShortExpiry, cs.LongExpiry)
	}
	if cs.ShortExpiry >= cs.LongExpiry {
		return fmt.Errorf("short expiry %s must precede long expiry %s", cs.ShortExpiry, cs.LongExpiry)
	}

	switch cs.Status {
	case StatePending:
		if cs.EntryCredit != 0 {
			return fmt.Errorf("pending trade cannot have an entry debit")
		}
	case StateActive, StateManualControl:
		if cs.EntryCredit <= 0 {
			return fmt.Errorf("%s trade requires a positive entry debit", cs.Status)
		}
		if cs.ProfitTargetStatus == ProfitTargetFilled {
			return fmt.Errorf("%s trade cannot have a filled profit target", cs.Status)
		}
	case StateClosed:
		if cs.ExitDate == "" {
			return fmt.Errorf("closed trade requires an exit date")
		}
	case StateCancelled:
		// No legs were established, nothing further to check.
	default:
		return fmt.Errorf("unknown status %q", cs.Status)
	}
	return nil
}
