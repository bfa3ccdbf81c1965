package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the closed set of order kinds the engine understands. Dispatch
// is always on these values, never on substrings of broker payloads.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
	OrderTypeOCO       OrderType = "oco"
)

// HasLimitLeg reports whether the type carries a limit price.
func (t OrderType) HasLimitLeg() bool {
	switch t {
	case OrderTypeLimit, OrderTypeStopLimit, OrderTypeOCO:
		return true
	}
	return false
}

// HasStopLeg reports whether the type carries a stop price.
func (t OrderType) HasStopLeg() bool {
	switch t {
	case OrderTypeStop, OrderTypeStopLimit, OrderTypeOCO:
		return true
	}
	return false
}

// OrderStatus tracks the order lifecycle as reported locally and by the broker.
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusSubmitted      OrderStatus = "submitted"
	OrderStatusFilled         OrderStatus = "filled"
	OrderStatusCanceled       OrderStatus = "canceled"
	OrderStatusRejected       OrderStatus = "rejected"
	OrderStatusError          OrderStatus = "error"
	OrderStatusExpired        OrderStatus = "expired"
	OrderStatusWaitingTrigger OrderStatus = "waiting_trigger"
)

// IsTerminalFailure reports whether the order died without filling. Orders in
// these states never count as surviving coverage.
func (s OrderStatus) IsTerminalFailure() bool {
	switch s {
	case OrderStatusCanceled, OrderStatusRejected, OrderStatusError, OrderStatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether the order can no longer change state.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s.IsTerminalFailure()
}

// Order is a protective or entry order associated with a position. The
// PositionID is a foreign key: CloseService owns the lifecycle of these rows
// (it may cancel or delete them), not their allocation.
type Order struct {
	ID            int64
	PositionID    int64
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      float64
	FilledQty     float64
	LimitPrice    *float64
	StopPrice     *float64
	Status        OrderStatus
	DependsOn     *int64 // parent order for bracket children
	BrokerOrderID string // external handle; empty until the broker accepted it
	CreatedAt     time.Time
}

// IsEntry reports whether this is the order that opened the position: a plain
// market or limit order with no parent. Everything else is a candidate
// protective order.
func (o Order) IsEntry() bool {
	return (o.Type == OrderTypeMarket || o.Type == OrderTypeLimit) && o.DependsOn == nil
}

// Remaining returns the unfilled part of the order.
func (o Order) Remaining() float64 {
	r := o.Quantity - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}
