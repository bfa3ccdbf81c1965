package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions.
type PositionStore interface {
	Get(ctx context.Context, id int64) (Position, error)
	Save(ctx context.Context, pos Position) error
	UpdateStatus(ctx context.Context, id int64, from, to PositionStatus) error
	// MarkClosed sets status, close price, and close date in one transaction.
	MarkClosed(ctx context.Context, id int64, closePrice float64, closedAt time.Time) error
	ListByStatus(ctx context.Context, status PositionStatus, opts ListOpts) ([]Position, error)
	ListClosedBefore(ctx context.Context, cutoff time.Time, opts ListOpts) ([]Position, error)
}

// OrderStore persists protective and entry orders.
type OrderStore interface {
	Get(ctx context.Context, id int64) (Order, error)
	// GetByBrokerID resolves the local order behind a broker handle; the
	// order-update stream keys on broker ids.
	GetByBrokerID(ctx context.Context, brokerOrderID string) (Order, error)
	ListByPosition(ctx context.Context, positionID int64) ([]Order, error)
	Save(ctx context.Context, order Order) error
	// Delete removes an order that never reached the broker; it has no
	// broker handle, so local deletion is the whole cancellation.
	Delete(ctx context.Context, id int64) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
