package domain

import (
	"context"
	"time"
)

// OrderSpec describes an order to submit to a broker. ClientOrderID is a
// caller-generated idempotency token so retried submissions do not duplicate.
type OrderSpec struct {
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      float64
	LimitPrice    *float64
	StopPrice     *float64
	ReduceOnly    bool
}

// OrderHandle is the broker's acknowledgement of a submitted order.
type OrderHandle struct {
	BrokerOrderID string
	Status        OrderStatus
	SubmittedAt   time.Time
}

// OrderState is a broker-side snapshot of an order used to confirm fills.
type OrderState struct {
	BrokerOrderID string
	Status        OrderStatus
	FilledQty     float64
	AvgFillPrice  float64
	UpdatedAt     time.Time
}

// Gateway is the broker boundary: submit, cancel, query, and price fetch.
// Implementations must be safe for concurrent use and own their network
// timeouts; the engine never force-cancels an in-flight gateway call.
type Gateway interface {
	SubmitOrder(ctx context.Context, spec OrderSpec) (OrderHandle, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetOrder(ctx context.Context, brokerOrderID string) (OrderState, error)
	CurrentPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// GatewayResolver maps an account to its broker gateway. Batch operations may
// span accounts, so every position resolves its own gateway.
type GatewayResolver interface {
	GatewayFor(ctx context.Context, accountID string) (Gateway, error)
}
