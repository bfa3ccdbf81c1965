package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"bracketd/internal/coverage"
	"bracketd/internal/domain"
)

// AdjustService moves a position's protective orders to a desired
// (take-profit, stop-loss, quantity) state using the minimal set of broker
// operations, preserving the invariant that at most one surviving order covers
// each target (or exactly one OCO covers both).
type AdjustService struct {
	positions domain.PositionStore
	orders    domain.OrderStore
	gateways  domain.GatewayResolver
	audit     domain.AuditStore
	bus       domain.SignalBus
	ev        coverage.Evaluator
	logger    *slog.Logger
}

// NewAdjustService creates an AdjustService with all required dependencies.
func NewAdjustService(
	positions domain.PositionStore,
	orders domain.OrderStore,
	gateways domain.GatewayResolver,
	audit domain.AuditStore,
	bus domain.SignalBus,
	ev coverage.Evaluator,
	logger *slog.Logger,
) *AdjustService {
	return &AdjustService{
		positions: positions,
		orders:    orders,
		gateways:  gateways,
		audit:     audit,
		bus:       bus,
		ev:        ev,
		logger:    logger,
	}
}

// SetTakeProfit replaces the position's take-profit target. A nil price clears
// the target; the corresponding protective order is cancelled or replaced per
// the decision table in reconcile.
func (s *AdjustService) SetTakeProfit(ctx context.Context, positionID int64, price *float64) error {
	pos, err := s.loadAdjustable(ctx, positionID)
	if err != nil {
		return err
	}
	return s.reconcile(ctx, pos, price, pos.StopLoss, pos.Quantity)
}

// SetStopLoss replaces the position's stop-loss target. A nil price clears it.
func (s *AdjustService) SetStopLoss(ctx context.Context, positionID int64, price *float64) error {
	pos, err := s.loadAdjustable(ctx, positionID)
	if err != nil {
		return err
	}
	return s.reconcile(ctx, pos, pos.TakeProfit, price, pos.Quantity)
}

// AdjustQuantity scales the position in (positive delta) or out (negative
// delta), then re-runs the decision table so protective order sizes match the
// new exposure. Deltas that would flatten or invert the position are rejected
// with ErrValidation before any broker call; cumulative exits therefore never
// exceed the open quantity.
func (s *AdjustService) AdjustQuantity(ctx context.Context, positionID int64, delta float64, tp, sl *float64) error {
	pos, err := s.loadAdjustable(ctx, positionID)
	if err != nil {
		return err
	}

	newAbs := pos.AbsQuantity() + delta
	if newAbs <= 0 {
		return fmt.Errorf("adjust_service: position %d: delta %.4f yields quantity %.4f: %w",
			positionID, delta, newAbs, domain.ErrValidation)
	}

	newQty := math.Copysign(newAbs, pos.Quantity)
	return s.reconcile(ctx, pos, tp, sl, newQty)
}

// loadAdjustable fetches the position and rejects adjustment attempts before
// any broker call when the entry order has not filled yet (or the position is
// already on its way out).
func (s *AdjustService) loadAdjustable(ctx context.Context, positionID int64) (domain.Position, error) {
	pos, err := s.positions.Get(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("adjust_service: get position %d: %w", positionID, err)
	}
	if pos.Status != domain.PositionStatusOpened {
		return domain.Position{}, fmt.Errorf("adjust_service: position %d is %s, not opened: %w",
			positionID, pos.Status, domain.ErrPrecondition)
	}
	return pos, nil
}

// desiredOrder is the single protective order (if any) the decision table
// calls for: both targets → OCO, TP alone → limit, SL alone → stop.
type desiredOrder struct {
	typ        domain.OrderType
	limitPrice *float64
	stopPrice  *float64
}

// reconcile drives the position's protective orders to encode (tp, sl, qty):
// cancel every surviving order that no longer matches, submit at most one new
// order, and persist the position fields only after the broker acknowledged
// the new order (cancel-only paths persist immediately). On a broker failure
// every already-acknowledged step stays persisted and the position fields are
// untouched, so the caller can simply retry.
func (s *AdjustService) reconcile(ctx context.Context, pos domain.Position, tp, sl *float64, qty float64) error {
	gw, err := s.gateways.GatewayFor(ctx, pos.AccountID)
	if err != nil {
		return fmt.Errorf("adjust_service: resolve gateway for %q: %w", pos.AccountID, err)
	}

	existing, err := s.orders.ListByPosition(ctx, pos.ID)
	if err != nil {
		return fmt.Errorf("adjust_service: list orders for %d: %w", pos.ID, err)
	}

	var want *desiredOrder
	switch {
	case tp != nil && sl != nil:
		want = &desiredOrder{typ: domain.OrderTypeOCO, limitPrice: tp, stopPrice: sl}
	case tp != nil:
		want = &desiredOrder{typ: domain.OrderTypeLimit, limitPrice: tp}
	case sl != nil:
		want = &desiredOrder{typ: domain.OrderTypeStop, stopPrice: sl}
	}

	absQty := math.Abs(qty)

	// Partition survivors into one order to keep (already encoding the
	// desired state) and stale orders to cancel.
	var keep *domain.Order
	var stale []domain.Order
	var entryID *int64
	for i := range existing {
		o := existing[i]
		if o.IsEntry() {
			// Entry-shaped orders on the exit side are closing orders,
			// owned by the close workflow; leave them alone.
			if o.Side != pos.ExitSide() && entryID == nil {
				id := o.ID
				entryID = &id
			}
			continue
		}
		if o.Status.IsTerminalFailure() || o.Status == domain.OrderStatusFilled {
			continue
		}
		if keep == nil && want != nil && s.matches(o, *want, absQty) {
			keep = &existing[i]
			continue
		}
		stale = append(stale, o)
	}

	// One cancel call per stale order. A broker rejection aborts here: the
	// orders cancelled so far are individually persisted, the position
	// fields are not, and the caller retries.
	for _, o := range stale {
		if err := s.retireOrder(ctx, gw, o); err != nil {
			return err
		}
	}

	if want != nil && keep == nil {
		spec := domain.OrderSpec{
			ClientOrderID: uuid.New().String(),
			Symbol:        pos.Symbol,
			Side:          pos.ExitSide(),
			Type:          want.typ,
			Quantity:      absQty,
			LimitPrice:    want.limitPrice,
			StopPrice:     want.stopPrice,
			ReduceOnly:    true,
		}

		handle, err := gw.SubmitOrder(ctx, spec)
		if err != nil {
			return fmt.Errorf("adjust_service: submit %s for position %d: %w", want.typ, pos.ID, err)
		}

		order := domain.Order{
			PositionID:    pos.ID,
			Symbol:        pos.Symbol,
			Side:          spec.Side,
			Type:          want.typ,
			Quantity:      absQty,
			LimitPrice:    want.limitPrice,
			StopPrice:     want.stopPrice,
			Status:        handle.Status,
			DependsOn:     entryID,
			BrokerOrderID: handle.BrokerOrderID,
			CreatedAt:     time.Now().UTC(),
		}
		if order.Status == "" {
			order.Status = domain.OrderStatusSubmitted
		}
		if err := s.orders.Save(ctx, order); err != nil {
			// The broker holds an order the local store does not. Never
			// auto-retry the submission; surface loudly for an operator.
			s.logger.ErrorContext(ctx, "adjust_service: order persisted FAILED after broker accept",
				slog.Int64("position_id", pos.ID),
				slog.String("broker_order_id", handle.BrokerOrderID),
				slog.String("error", err.Error()),
			)
			s.auditLog(ctx, "persistence_failure", map[string]any{
				"position_id":     pos.ID,
				"broker_order_id": handle.BrokerOrderID,
				"op":              "adjust_submit",
			})
			return fmt.Errorf("adjust_service: save order after broker accept: %w", err)
		}
	}

	// Targets (and quantity) are now backed by acknowledged broker state.
	pos.TakeProfit = tp
	pos.StopLoss = sl
	pos.Quantity = qty
	if err := s.positions.Save(ctx, pos); err != nil {
		s.logger.ErrorContext(ctx, "adjust_service: position persist FAILED after broker ops",
			slog.Int64("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		s.auditLog(ctx, "persistence_failure", map[string]any{
			"position_id": pos.ID,
			"op":          "adjust_position",
		})
		return fmt.Errorf("adjust_service: save position %d: %w", pos.ID, err)
	}

	s.auditLog(ctx, "protection_updated", map[string]any{
		"position_id": pos.ID,
		"take_profit": deref(tp),
		"stop_loss":   deref(sl),
		"quantity":    qty,
	})
	s.publish(ctx, "protection_updated", pos.ID)

	s.logger.InfoContext(ctx, "adjust_service: protection reconciled",
		slog.Int64("position_id", pos.ID),
		slog.Int("cancelled", len(stale)),
		slog.Bool("submitted", want != nil && keep == nil),
	)
	return nil
}

// matches reports whether an existing surviving order already encodes the
// desired protective order, using the evaluator's rounding tolerance for
// prices and an exact quantity match.
func (s *AdjustService) matches(o domain.Order, want desiredOrder, absQty float64) bool {
	if o.Type != want.typ || o.Quantity != absQty {
		return false
	}
	if want.limitPrice != nil {
		if o.LimitPrice == nil || s.ev.Round(*o.LimitPrice) != s.ev.Round(*want.limitPrice) {
			return false
		}
	}
	if want.stopPrice != nil {
		if o.StopPrice == nil || s.ev.Round(*o.StopPrice) != s.ev.Round(*want.stopPrice) {
			return false
		}
	}
	return true
}

// retireOrder cancels a stale protective order at the broker, or deletes it
// locally when it never reached the broker and so carries no handle.
func (s *AdjustService) retireOrder(ctx context.Context, gw domain.Gateway, o domain.Order) error {
	if o.BrokerOrderID == "" {
		if err := s.orders.Delete(ctx, o.ID); err != nil {
			return fmt.Errorf("adjust_service: delete local order %d: %w", o.ID, err)
		}
		return nil
	}

	if err := gw.CancelOrder(ctx, o.BrokerOrderID); err != nil {
		return fmt.Errorf("adjust_service: cancel order %d (%s): %w", o.ID, o.BrokerOrderID, err)
	}

	o.Status = domain.OrderStatusCanceled
	if err := s.orders.Save(ctx, o); err != nil {
		s.logger.ErrorContext(ctx, "adjust_service: order persist FAILED after broker cancel",
			slog.Int64("order_id", o.ID),
			slog.String("error", err.Error()),
		)
		s.auditLog(ctx, "persistence_failure", map[string]any{
			"order_id": o.ID,
			"op":       "adjust_cancel",
		})
		return fmt.Errorf("adjust_service: save cancelled order %d: %w", o.ID, err)
	}
	return nil
}

func (s *AdjustService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "adjust_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *AdjustService) publish(ctx context.Context, event string, positionID int64) {
	if s.bus == nil {
		return
	}
	payload := fmt.Appendf(nil, `{"event":%q,"position_id":%d}`, event, positionID)
	if err := s.bus.Publish(ctx, "positions", payload); err != nil {
		s.logger.WarnContext(ctx, "adjust_service: publish event failed",
			slog.String("event", event),
			slog.Int64("position_id", positionID),
			slog.String("error", err.Error()),
		)
	}
}

func deref(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}
