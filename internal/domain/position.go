// Package domain defines the core types of the reconciliation engine:
// positions, their protective orders, the store and gateway interfaces that
// surround them, and the sentinel errors shared by all services.
package domain

import (
	"math"
	"time"
)

// PositionStatus tracks the position lifecycle. Transitions are monotonic
// (waiting → opened → closing → closed) except for the explicit
// closing → opened/waiting retry escape used by CloseService.RetryClose.
type PositionStatus string

const (
	PositionStatusWaiting PositionStatus = "waiting"
	PositionStatusOpened  PositionStatus = "opened"
	PositionStatusClosing PositionStatus = "closing"
	PositionStatusClosed  PositionStatus = "closed"
	PositionStatusFailed  PositionStatus = "failed"
)

// IsTerminal reports whether the position can no longer change state.
func (s PositionStatus) IsTerminal() bool {
	return s == PositionStatusClosed || s == PositionStatusFailed
}

// Position is the platform's record of a trading exposure in one symbol.
// Quantity is signed: positive for long, negative for short. TakeProfit and
// StopLoss are the configured exit targets; nil means no target is set.
type Position struct {
	ID         int64
	AccountID  string
	Symbol     string
	Quantity   float64
	OpenPrice  float64
	ClosePrice *float64
	TakeProfit *float64
	StopLoss   *float64
	Status     PositionStatus
	CreatedAt  time.Time
	CloseDate  *time.Time
}

// IsLong reports whether the position holds a positive quantity.
func (p Position) IsLong() bool {
	return p.Quantity > 0
}

// AbsQuantity returns the unsigned exposure size.
func (p Position) AbsQuantity() float64 {
	return math.Abs(p.Quantity)
}

// ExitSide returns the order side that reduces this position.
func (p Position) ExitSide() OrderSide {
	if p.IsLong() {
		return OrderSideSell
	}
	return OrderSideBuy
}
