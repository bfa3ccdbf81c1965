package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"bracketd/internal/domain"
)

// CloseResult reports the outcome of an asynchronous close task. A nil Err
// only means the task finished without a broker failure; callers re-read the
// position afterwards rather than trusting the result alone, since a fill
// confirmation may still be in flight on the update stream.
type CloseResult struct {
	PositionID int64
	Err        error
}

// CloseService drives positions from opened/waiting to closed. At most one
// close runs per position at a time: an in-process in-flight set plus a
// distributed lock reject concurrent attempts before any broker call. Close
// tasks are detached from the caller's context so an in-progress broker call
// is never force-cancelled.
type CloseService struct {
	positions domain.PositionStore
	orders    domain.OrderStore
	gateways  domain.GatewayResolver
	locks     domain.LockManager
	audit     domain.AuditStore
	bus       domain.SignalBus
	logger    *slog.Logger

	pollInterval time.Duration
	pollTimeout  time.Duration
	lockTTL      time.Duration

	mu       sync.Mutex
	inflight map[int64]struct{}
}

// CloseConfig tunes the fill-confirmation polling and the close lock.
type CloseConfig struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	LockTTL      time.Duration
}

// NewCloseService creates a CloseService. Zero config fields fall back to
// defaults (250ms poll, 30s confirmation window, 2m lock TTL).
func NewCloseService(
	positions domain.PositionStore,
	orders domain.OrderStore,
	gateways domain.GatewayResolver,
	locks domain.LockManager,
	audit domain.AuditStore,
	bus domain.SignalBus,
	cfg CloseConfig,
	logger *slog.Logger,
) *CloseService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &CloseService{
		positions:    positions,
		orders:       orders,
		gateways:     gateways,
		locks:        locks,
		audit:        audit,
		bus:          bus,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
		lockTTL:      cfg.LockTTL,
	}
}

// Close requests that the position be closed. Precondition and validation
// failures return synchronously with zero broker calls; otherwise the position
// is marked closing, a detached task performs the broker work, and the result
// arrives on the returned channel.
func (s *CloseService) Close(ctx context.Context, positionID int64) (<-chan CloseResult, error) {
	pos, err := s.positions.Get(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("close_service: get position %d: %w", positionID, err)
	}

	switch pos.Status {
	case domain.PositionStatusClosing:
		return nil, fmt.Errorf("close_service: position %d already closing: %w", positionID, domain.ErrPrecondition)
	case domain.PositionStatusClosed, domain.PositionStatusFailed:
		return nil, fmt.Errorf("close_service: position %d is %s: %w", positionID, pos.Status, domain.ErrPrecondition)
	}

	if !s.markInflight(positionID) {
		return nil, fmt.Errorf("close_service: close already running for position %d: %w", positionID, domain.ErrPrecondition)
	}

	unlock, err := s.acquireLock(ctx, positionID)
	if err != nil {
		s.clearInflight(positionID)
		return nil, err
	}

	orders, err := s.orders.ListByPosition(ctx, positionID)
	if err != nil {
		unlock()
		s.clearInflight(positionID)
		return nil, fmt.Errorf("close_service: list orders for %d: %w", positionID, err)
	}

	results := make(chan CloseResult, 1)

	// Orphan path: nothing was ever submitted for this position, so there is
	// nothing to unwind at the broker. Close it on the spot with an audit
	// note; a position with zero orders should not exist in normal operation.
	if len(orders) == 0 {
		defer unlock()
		defer s.clearInflight(positionID)

		now := time.Now().UTC()
		pos.Status = domain.PositionStatusClosed
		pos.CloseDate = &now
		if err := s.positions.Save(ctx, pos); err != nil {
			return nil, fmt.Errorf("close_service: save orphan position %d: %w", positionID, err)
		}
		s.auditLog(ctx, "orphan_close", map[string]any{
			"position_id": positionID,
			"symbol":      pos.Symbol,
			"note":        "position had no associated orders; closed without broker interaction",
		})
		s.logger.WarnContext(ctx, "close_service: orphan position closed without broker calls",
			slog.Int64("position_id", positionID),
		)
		results <- CloseResult{PositionID: positionID}
		close(results)
		return results, nil
	}

	gw, err := s.gateways.GatewayFor(ctx, pos.AccountID)
	if err != nil {
		unlock()
		s.clearInflight(positionID)
		return nil, fmt.Errorf("close_service: resolve gateway for %q: %w", pos.AccountID, err)
	}

	// Flip to closing before any broker work so the guard above holds for
	// every other caller, in this process or another.
	if err := s.positions.UpdateStatus(ctx, positionID, pos.Status, domain.PositionStatusClosing); err != nil {
		unlock()
		s.clearInflight(positionID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("close_service: position %d changed state under us: %w", positionID, domain.ErrPrecondition)
		}
		return nil, fmt.Errorf("close_service: mark position %d closing: %w", positionID, err)
	}

	// Detach: once broker work starts it runs to completion even if the
	// caller abandons interest, otherwise broker and local state diverge.
	taskCtx := context.WithoutCancel(ctx)
	go func() {
		err := s.closeTask(taskCtx, gw, pos, orders, unlock)
		results <- CloseResult{PositionID: positionID, Err: err}
		close(results)
	}()

	return results, nil
}

// closeTask wraps runClose so the lock and in-flight entry are released
// before the result is delivered; a receiver observing the result may
// immediately retry.
func (s *CloseService) closeTask(ctx context.Context, gw domain.Gateway, pos domain.Position, orders []domain.Order, unlock func()) error {
	defer unlock()
	defer s.clearInflight(pos.ID)

	err := s.runClose(ctx, gw, pos, orders)
	if err != nil {
		s.logger.ErrorContext(ctx, "close_service: close task failed, position left closing for retry",
			slog.Int64("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	return err
}

// runClose performs the broker side of a close: retire every live order,
// reuse or submit the closing order, then wait for the fill confirmation.
// A failure at any point leaves the position closing; it is never silently
// reverted because the broker call may have partially succeeded.
func (s *CloseService) runClose(ctx context.Context, gw domain.Gateway, pos domain.Position, orders []domain.Order) error {
	var closing *domain.Order

	for i := range orders {
		o := orders[i]
		if o.Status.IsTerminal() {
			continue
		}

		// A live closing order from an earlier attempt is reused rather
		// than duplicated.
		if s.isLiveClosingOrder(pos, o) {
			if closing == nil || o.CreatedAt.After(closing.CreatedAt) {
				closing = &orders[i]
			}
			continue
		}

		// Orders that never reached the broker carry no handle; local
		// deletion is their entire cancellation.
		if o.Status == domain.OrderStatusWaitingTrigger || o.BrokerOrderID == "" {
			if err := s.orders.Delete(ctx, o.ID); err != nil {
				return fmt.Errorf("close_service: delete local order %d: %w", o.ID, err)
			}
			continue
		}

		if err := gw.CancelOrder(ctx, o.BrokerOrderID); err != nil {
			return fmt.Errorf("close_service: cancel order %d (%s): %w", o.ID, o.BrokerOrderID, err)
		}
		o.Status = domain.OrderStatusCanceled
		if err := s.orders.Save(ctx, o); err != nil {
			s.persistenceAlarm(ctx, "close_cancel", map[string]any{
				"position_id": pos.ID,
				"order_id":    o.ID,
			}, err)
			return fmt.Errorf("close_service: save cancelled order %d: %w", o.ID, err)
		}
	}

	if closing == nil {
		submitted, err := s.submitClosingOrder(ctx, gw, pos)
		if err != nil {
			return err
		}
		closing = submitted
	} else {
		s.logger.InfoContext(ctx, "close_service: reusing live closing order",
			slog.Int64("position_id", pos.ID),
			slog.String("broker_order_id", closing.BrokerOrderID),
		)
	}

	return s.confirmFill(ctx, gw, pos, closing)
}

// isLiveClosingOrder reports whether the order is a closing market order from
// a previous attempt that is still working at the broker.
func (s *CloseService) isLiveClosingOrder(pos domain.Position, o domain.Order) bool {
	if o.Type != domain.OrderTypeMarket || o.DependsOn != nil {
		return false
	}
	if o.Side != pos.ExitSide() || o.BrokerOrderID == "" {
		return false
	}
	return o.Status == domain.OrderStatusPending || o.Status == domain.OrderStatusSubmitted
}

// submitClosingOrder sends one market order for the full remaining quantity.
func (s *CloseService) submitClosingOrder(ctx context.Context, gw domain.Gateway, pos domain.Position) (*domain.Order, error) {
	spec := domain.OrderSpec{
		ClientOrderID: uuid.New().String(),
		Symbol:        pos.Symbol,
		Side:          pos.ExitSide(),
		Type:          domain.OrderTypeMarket,
		Quantity:      pos.AbsQuantity(),
		ReduceOnly:    true,
	}

	handle, err := gw.SubmitOrder(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("close_service: submit closing order for %d: %w", pos.ID, err)
	}

	order := domain.Order{
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		Side:          spec.Side,
		Type:          domain.OrderTypeMarket,
		Quantity:      spec.Quantity,
		Status:        handle.Status,
		BrokerOrderID: handle.BrokerOrderID,
		CreatedAt:     time.Now().UTC(),
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusSubmitted
	}
	if err := s.orders.Save(ctx, order); err != nil {
		s.persistenceAlarm(ctx, "close_submit", map[string]any{
			"position_id":     pos.ID,
			"broker_order_id": handle.BrokerOrderID,
		}, err)
		return nil, fmt.Errorf("close_service: save closing order after broker accept: %w", err)
	}

	s.logger.InfoContext(ctx, "close_service: closing order submitted",
		slog.Int64("position_id", pos.ID),
		slog.String("broker_order_id", handle.BrokerOrderID),
		slog.Float64("quantity", spec.Quantity),
	)
	return &order, nil
}

// confirmFill polls the broker until the closing order reaches a terminal
// state or the confirmation window expires. An expired window is not a
// failure: the position stays closing and the order-update stream (or a
// manual retry) completes it.
func (s *CloseService) confirmFill(ctx context.Context, gw domain.Gateway, pos domain.Position, closing *domain.Order) error {
	deadline := time.Now().Add(s.pollTimeout)

	for {
		state, err := gw.GetOrder(ctx, closing.BrokerOrderID)
		if err != nil {
			return fmt.Errorf("close_service: query closing order %s: %w", closing.BrokerOrderID, err)
		}

		switch {
		case state.Status == domain.OrderStatusFilled:
			return s.finalizeClose(ctx, pos, closing, state)
		case state.Status.IsTerminalFailure():
			closing.Status = state.Status
			if err := s.orders.Save(ctx, *closing); err != nil {
				s.logger.WarnContext(ctx, "close_service: failed to persist dead closing order",
					slog.Int64("order_id", closing.ID),
					slog.String("error", err.Error()),
				)
			}
			return fmt.Errorf("close_service: closing order %s ended %s, position %d needs manual retry",
				closing.BrokerOrderID, state.Status, pos.ID)
		}

		if time.Now().After(deadline) {
			s.logger.WarnContext(ctx, "close_service: fill confirmation window expired, awaiting stream update",
				slog.Int64("position_id", pos.ID),
				slog.String("broker_order_id", closing.BrokerOrderID),
			)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// finalizeClose records the confirmed fill: order filled, position closed with
// close price and date in one transactional store write.
func (s *CloseService) finalizeClose(ctx context.Context, pos domain.Position, closing *domain.Order, state domain.OrderState) error {
	closing.Status = domain.OrderStatusFilled
	closing.FilledQty = state.FilledQty
	if err := s.orders.Save(ctx, *closing); err != nil {
		s.persistenceAlarm(ctx, "close_fill_order", map[string]any{
			"position_id":     pos.ID,
			"broker_order_id": closing.BrokerOrderID,
		}, err)
		return fmt.Errorf("close_service: save filled closing order: %w", err)
	}

	closedAt := state.UpdatedAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	if err := s.positions.MarkClosed(ctx, pos.ID, state.AvgFillPrice, closedAt); err != nil {
		// The broker filled the exit but the position row still says
		// closing. This is the most dangerous inconsistency the engine
		// can hit; it must never be papered over by a silent retry.
		s.persistenceAlarm(ctx, "close_fill_position", map[string]any{
			"position_id": pos.ID,
			"close_price": state.AvgFillPrice,
		}, err)
		return fmt.Errorf("close_service: mark position %d closed: %w", pos.ID, err)
	}

	s.auditLog(ctx, "position_closed", map[string]any{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"close_price": state.AvgFillPrice,
	})
	s.publish(ctx, "position_closed", pos.ID)

	s.logger.InfoContext(ctx, "close_service: position closed",
		slog.Int64("position_id", pos.ID),
		slog.Float64("close_price", state.AvgFillPrice),
	)
	return nil
}

// RetryClose reverts a stuck closing position to its pre-close status so
// Close can run again. It makes no broker calls; it only re-arms the state
// machine.
func (s *CloseService) RetryClose(ctx context.Context, positionID int64) error {
	pos, err := s.positions.Get(ctx, positionID)
	if err != nil {
		return fmt.Errorf("close_service: get position %d: %w", positionID, err)
	}
	if pos.Status != domain.PositionStatusClosing {
		return fmt.Errorf("close_service: position %d is %s, not closing: %w", positionID, pos.Status, domain.ErrPrecondition)
	}

	s.mu.Lock()
	_, running := s.inflight[positionID]
	s.mu.Unlock()
	if running {
		return fmt.Errorf("close_service: close task still running for position %d: %w", positionID, domain.ErrPrecondition)
	}

	prev, err := s.preCloseStatus(ctx, positionID)
	if err != nil {
		return err
	}

	if err := s.positions.UpdateStatus(ctx, positionID, domain.PositionStatusClosing, prev); err != nil {
		return fmt.Errorf("close_service: reset position %d to %s: %w", positionID, prev, err)
	}

	s.auditLog(ctx, "close_retry", map[string]any{
		"position_id": positionID,
		"reset_to":    string(prev),
	})
	s.logger.InfoContext(ctx, "close_service: position re-armed for close",
		slog.Int64("position_id", positionID),
		slog.String("status", string(prev)),
	)
	return nil
}

// preCloseStatus derives the status a closing position held before the close:
// opened if its entry order filled, waiting otherwise. Deriving from the entry
// order avoids carrying a shadow status column.
func (s *CloseService) preCloseStatus(ctx context.Context, positionID int64) (domain.PositionStatus, error) {
	orders, err := s.orders.ListByPosition(ctx, positionID)
	if err != nil {
		return "", fmt.Errorf("close_service: list orders for %d: %w", positionID, err)
	}
	for _, o := range orders {
		if o.IsEntry() && o.Status == domain.OrderStatusFilled {
			return domain.PositionStatusOpened, nil
		}
	}
	return domain.PositionStatusWaiting, nil
}

func (s *CloseService) acquireLock(ctx context.Context, positionID int64) (func(), error) {
	if s.locks == nil {
		return func() {}, nil
	}
	unlock, err := s.locks.Acquire(ctx, fmt.Sprintf("close:%d", positionID), s.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("close_service: close lock held for position %d: %w", positionID, domain.ErrPrecondition)
		}
		return nil, fmt.Errorf("close_service: acquire close lock for %d: %w", positionID, err)
	}
	return unlock, nil
}

func (s *CloseService) markInflight(positionID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == nil {
		s.inflight = make(map[int64]struct{})
	}
	if _, ok := s.inflight[positionID]; ok {
		return false
	}
	s.inflight[positionID] = struct{}{}
	return true
}

func (s *CloseService) clearInflight(positionID int64) {
	s.mu.Lock()
	delete(s.inflight, positionID)
	s.mu.Unlock()
}

// persistenceAlarm records a local write failure that follows a successful
// broker call. These are surfaced loudly and never auto-retried: retrying
// risks duplicate broker submissions.
func (s *CloseService) persistenceAlarm(ctx context.Context, op string, detail map[string]any, cause error) {
	s.logger.ErrorContext(ctx, "close_service: persistence FAILED after successful broker call",
		slog.String("op", op),
		slog.String("error", cause.Error()),
	)
	detail["op"] = op
	detail["error"] = cause.Error()
	s.auditLog(ctx, "persistence_failure", detail)
}

func (s *CloseService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "close_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *CloseService) publish(ctx context.Context, event string, positionID int64) {
	if s.bus == nil {
		return
	}
	payload := fmt.Appendf(nil, `{"event":%q,"position_id":%d}`, event, positionID)
	if err := s.bus.Publish(ctx, "positions", payload); err != nil {
		s.logger.WarnContext(ctx, "close_service: publish event failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
