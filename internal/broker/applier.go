package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bracketd/internal/domain"
)

// Applier folds stream order updates into the stores. It is the second half
// of the close workflow: a close whose confirmation window expired leaves the
// position closing, and the applier finishes it when the fill event arrives.
type Applier struct {
	positions domain.PositionStore
	orders    domain.OrderStore
	audit     domain.AuditStore
	bus       domain.SignalBus
	logger    *slog.Logger
}

// NewApplier creates an Applier over the given stores.
func NewApplier(
	positions domain.PositionStore,
	orders domain.OrderStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	logger *slog.Logger,
) *Applier {
	return &Applier{
		positions: positions,
		orders:    orders,
		audit:     audit,
		bus:       bus,
		logger:    logger.With(slog.String("component", "broker_applier")),
	}
}

// Handler adapts Apply to the stream's handler signature. Apply errors are
// logged, not propagated; the stream must keep draining.
func (a *Applier) Handler(ctx context.Context) OrderUpdateHandler {
	return func(upd OrderUpdate) {
		if err := a.Apply(ctx, upd); err != nil {
			a.logger.ErrorContext(ctx, "broker_applier: update not applied",
				slog.String("broker_order_id", upd.BrokerOrderID),
				slog.String("status", string(upd.Status)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Apply persists one order update and advances the owning position's
// lifecycle: a filled closing order completes a close, a filled entry order
// opens a waiting position. Updates for unknown or already-terminal orders
// are dropped; replays are harmless.
func (a *Applier) Apply(ctx context.Context, upd OrderUpdate) error {
	order, err := a.orders.GetByBrokerID(ctx, upd.BrokerOrderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.logger.DebugContext(ctx, "broker_applier: update for unknown order dropped",
				slog.String("broker_order_id", upd.BrokerOrderID),
			)
			return nil
		}
		return fmt.Errorf("broker: lookup order %s: %w", upd.BrokerOrderID, err)
	}

	if order.Status.IsTerminal() {
		return nil
	}

	order.Status = upd.Status
	order.FilledQty = upd.FilledQty
	if err := a.orders.Save(ctx, order); err != nil {
		return fmt.Errorf("broker: save order %d: %w", order.ID, err)
	}

	if upd.Status != domain.OrderStatusFilled {
		return nil
	}

	pos, err := a.positions.Get(ctx, order.PositionID)
	if err != nil {
		return fmt.Errorf("broker: get position %d: %w", order.PositionID, err)
	}

	switch {
	case a.isClosingFill(pos, order):
		return a.completeClose(ctx, pos, order, upd)
	case order.IsEntry() && pos.Status == domain.PositionStatusWaiting:
		return a.recordEntryFill(ctx, pos, order)
	}
	return nil
}

// isClosingFill reports whether the filled order is the position's closing
// order: a reduce-direction market order on a closing position.
func (a *Applier) isClosingFill(pos domain.Position, o domain.Order) bool {
	if pos.Status != domain.PositionStatusClosing {
		return false
	}
	return o.Type == domain.OrderTypeMarket && o.DependsOn == nil && o.Side == pos.ExitSide()
}

func (a *Applier) completeClose(ctx context.Context, pos domain.Position, o domain.Order, upd OrderUpdate) error {
	closedAt := upd.Timestamp
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	if err := a.positions.MarkClosed(ctx, pos.ID, upd.AvgFillPrice, closedAt); err != nil {
		return fmt.Errorf("broker: mark position %d closed: %w", pos.ID, err)
	}

	a.auditLog(ctx, "position_closed", map[string]any{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"close_price": upd.AvgFillPrice,
		"source":      "stream",
	})
	a.publish(ctx, "position_closed", pos.ID)

	a.logger.InfoContext(ctx, "broker_applier: close completed from stream fill",
		slog.Int64("position_id", pos.ID),
		slog.String("broker_order_id", o.BrokerOrderID),
		slog.Float64("close_price", upd.AvgFillPrice),
	)
	return nil
}

func (a *Applier) recordEntryFill(ctx context.Context, pos domain.Position, o domain.Order) error {
	err := a.positions.UpdateStatus(ctx, pos.ID, domain.PositionStatusWaiting, domain.PositionStatusOpened)
	if err != nil {
		return fmt.Errorf("broker: open position %d on entry fill: %w", pos.ID, err)
	}

	a.auditLog(ctx, "position_opened", map[string]any{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"entry_order": o.ID,
	})
	a.publish(ctx, "position_opened", pos.ID)

	a.logger.InfoContext(ctx, "broker_applier: entry filled, position opened",
		slog.Int64("position_id", pos.ID),
	)
	return nil
}

func (a *Applier) auditLog(ctx context.Context, event string, detail map[string]any) {
	if a.audit == nil {
		return
	}
	if err := a.audit.Log(ctx, event, detail); err != nil {
		a.logger.WarnContext(ctx, "broker_applier: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (a *Applier) publish(ctx context.Context, event string, positionID int64) {
	if a.bus == nil {
		return
	}
	payload := fmt.Appendf(nil, `{"event":%q,"position_id":%d}`, event, positionID)
	if err := a.bus.Publish(ctx, "positions", payload); err != nil {
		a.logger.WarnContext(ctx, "broker_applier: publish event failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
