// Package models provides data structures and state management for calendar spread trades.
package models

import (
	"fmt"
	"time"
)

// TradeState represents the lifecycle status of a calendar spread trade.
type TradeState string

const (
	// StatePending means the entry combo order is working but not yet filled.
	StatePending TradeState = "PENDING"
	// StateActive means all four legs are on and the trade is auto-managed.
	StateActive TradeState = "ACTIVE"
	// StateClosed means the trade was exited; realized P&L is final.
	StateClosed TradeState = "CLOSED"
	// StateCancelled means entry never filled; no legs were established.
	StateCancelled TradeState = "CANCELLED"
	// StateManualControl means an operator took over; the bot stops managing.
	StateManualControl TradeState = "MANUAL_CONTROL"
)

// StateTransition defines a valid trade state transition.
type StateTransition struct {
	From        TradeState
	To          TradeState
	Condition   string
	Description string
}

// ValidTransitions enumerates every legal lifecycle move.
var ValidTransitions = []StateTransition{
	{StatePending, StateActive, "order_filled", "Entry combo filled, all four legs on"},
	{StatePending, StateCancelled, "order_exhausted", "Entry price escalation exhausted without a fill"},

	{StateActive, StateClosed, "profit_target", "Profit target GTC order filled"},
	{StateActive, StateClosed, "time_exit", "Day-count exit at the scheduled time"},
	{StateActive, StateClosed, "manual_close", "Operator-requested close"},
	{StateActive, StateManualControl, "manual_takeover", "Operator took over management"},

	{StateManualControl, StateActive, "manual_release", "Operator returned the trade to auto management"},
	{StateManualControl, StateClosed, "manual_close", "Operator closed a manually controlled trade"},
}

// StateMachine tracks and validates a trade's lifecycle status.
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[TradeState]int
	currentState    TradeState
	previousState   TradeState
}

// NewStateMachine creates a state machine for a freshly submitted trade.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:    StatePending,
		previousState:   StatePending,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[TradeState]int),
	}
}

// NewStateMachineAt creates a state machine already positioned at the given
// state, used when rehydrating trades from storage.
func NewStateMachineAt(state TradeState) *StateMachine {
	sm := NewStateMachine()
	sm.currentState = state
	sm.previousState = state
	return sm
}

// GetCurrentState returns the current state.
func (sm *StateMachine) GetCurrentState() TradeState {
	return sm.currentState
}

// GetPreviousState returns the previous state.
func (sm *StateMachine) GetPreviousState() TradeState {
	return sm.previousState
}

// IsTerminal reports whether the current state accepts no further transitions.
func (sm *StateMachine) IsTerminal() bool {
	return sm.currentState == StateClosed || sm.currentState == StateCancelled
}

// IsValidTransition checks if a transition is valid from the current state.
func (sm *StateMachine) IsValidTransition(to TradeState, condition string) error {
	if sm.IsTerminal() {
		return fmt.Errorf("trade is %s: terminal state accepts no transitions", sm.currentState)
	}
	for _, transition := range ValidTransitions {
		if transition.From == sm.currentState && transition.To == to && transition.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition %q",
		sm.currentState, to, condition)
}

// Transition moves to a new state after validation. On error the machine is
// left untouched.
func (sm *StateMachine) Transition(to TradeState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// GetTransitionCount returns how many times the machine has entered a state.
func (sm *StateMachine) GetTransitionCount(state TradeState) int {
	return sm.transitionCount[state]
}

// GetStateDescription returns a human-readable description of the current state.
func (sm *StateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StatePending:
		return "Entry order working, waiting for fill"
	case StateActive:
		return "All four legs on, auto-managed to profit target or day exit"
	case StateClosed:
		return "Trade closed, realized P&L recorded"
	case StateCancelled:
		return "Entry never filled, no legs established"
	case StateManualControl:
		return "Operator-managed, automation suspended"
	default:
		return "Unknown state"
	}
}

// Copy creates a deep copy of the StateMachine.
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}

	newSM := &StateMachine{
		currentState:   sm.currentState,
		previousState:  sm.previousState,
		transitionTime: sm.transitionTime,
	}

	newSM.transitionCount = make(map[TradeState]int)
	for k, v := range sm.transitionCount {
		newSM.transitionCount[k] = v
	}

	return newSM
}
