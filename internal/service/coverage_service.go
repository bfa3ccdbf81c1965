// Package service implements the reconciliation engine's orchestration layer:
// coverage evaluation, target/quantity adjustment, the close workflow, and
// batch fan-out. Services hold no mutable domain state of their own; all state
// lives in the stores and at the broker.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"bracketd/internal/coverage"
	"bracketd/internal/domain"
)

// CoverageService answers whether a position's configured targets are covered
// by surviving protective orders.
type CoverageService struct {
	positions domain.PositionStore
	orders    domain.OrderStore
	ev        coverage.Evaluator
	logger    *slog.Logger
}

// NewCoverageService creates a CoverageService using the given evaluator.
func NewCoverageService(
	positions domain.PositionStore,
	orders domain.OrderStore,
	ev coverage.Evaluator,
	logger *slog.Logger,
) *CoverageService {
	return &CoverageService{
		positions: positions,
		orders:    orders,
		ev:        ev,
		logger:    logger,
	}
}

// EvaluateCoverage loads the position and its orders and runs the pure
// evaluator over them. It performs no broker calls and no writes.
func (s *CoverageService) EvaluateCoverage(ctx context.Context, positionID int64) (coverage.Coverage, error) {
	pos, err := s.positions.Get(ctx, positionID)
	if err != nil {
		return coverage.Coverage{}, fmt.Errorf("coverage_service: get position %d: %w", positionID, err)
	}

	orders, err := s.orders.ListByPosition(ctx, positionID)
	if err != nil {
		return coverage.Coverage{}, fmt.Errorf("coverage_service: list orders for %d: %w", positionID, err)
	}

	cov := s.ev.Evaluate(pos, orders)

	if !cov.Covered() {
		s.logger.WarnContext(ctx, "coverage_service: position has uncovered targets",
			slog.Int64("position_id", positionID),
			slog.String("symbol", pos.Symbol),
			slog.Bool("tp_missing", cov.TPMissing),
			slog.Bool("sl_missing", cov.SLMissing),
		)
	}

	return cov, nil
}
