// Package monitor runs the engine's background loops: the periodic coverage
// sweep over open positions and the cold-storage archive cron.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bracketd/internal/coverage"
	"bracketd/internal/domain"
)

// Alerter is the slice of the notifier the monitor needs.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// CoverageMonitor periodically re-evaluates protective coverage for every
// open position and raises a coverage_gap alert for each uncovered target. It
// also refreshes the price cache from the gateways so API reads stay fast.
type CoverageMonitor struct {
	positions domain.PositionStore
	orders    domain.OrderStore
	gateways  domain.GatewayResolver
	prices    domain.PriceCache
	bus       domain.SignalBus
	alerter   Alerter
	ev        coverage.Evaluator
	logger    *slog.Logger
}

// NewCoverageMonitor creates a CoverageMonitor. prices, bus, and alerter may
// be nil; the sweep then skips the corresponding side effects.
func NewCoverageMonitor(
	positions domain.PositionStore,
	orders domain.OrderStore,
	gateways domain.GatewayResolver,
	prices domain.PriceCache,
	bus domain.SignalBus,
	alerter Alerter,
	ev coverage.Evaluator,
	logger *slog.Logger,
) *CoverageMonitor {
	return &CoverageMonitor{
		positions: positions,
		orders:    orders,
		gateways:  gateways,
		prices:    prices,
		bus:       bus,
		alerter:   alerter,
		ev:        ev,
		logger:    logger.With(slog.String("component", "coverage_monitor")),
	}
}

// RunLoop sweeps once immediately, then on every tick until the context is
// cancelled.
func (m *CoverageMonitor) RunLoop(ctx context.Context, interval time.Duration) error {
	if err := m.Sweep(ctx); err != nil {
		m.logger.ErrorContext(ctx, "coverage_monitor: sweep failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "coverage_monitor: loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.ErrorContext(ctx, "coverage_monitor: sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep evaluates every open position once. Gaps are reported per position;
// one position's failure does not stop the sweep.
func (m *CoverageMonitor) Sweep(ctx context.Context) error {
	open, err := m.positions.ListByStatus(ctx, domain.PositionStatusOpened, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("monitor: list open positions: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	m.refreshPrices(ctx, open)

	gaps := 0
	for _, pos := range open {
		orders, err := m.orders.ListByPosition(ctx, pos.ID)
		if err != nil {
			m.logger.WarnContext(ctx, "coverage_monitor: list orders failed",
				slog.Int64("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		cov := m.ev.Evaluate(pos, orders)
		if cov.Covered() {
			continue
		}
		gaps++
		m.reportGap(ctx, pos, cov)
	}

	m.logger.InfoContext(ctx, "coverage_monitor: sweep complete",
		slog.Int("open_positions", len(open)),
		slog.Int("coverage_gaps", gaps),
	)
	return nil
}

// refreshPrices pulls current prices for the open symbols, per account, and
// stores them in the cache. Price refresh failures are logged and skipped;
// coverage evaluation does not depend on prices.
func (m *CoverageMonitor) refreshPrices(ctx context.Context, open []domain.Position) {
	if m.prices == nil || m.gateways == nil {
		return
	}

	byAccount := make(map[string][]string)
	seen := make(map[string]struct{})
	for _, pos := range open {
		key := pos.AccountID + "|" + pos.Symbol
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		byAccount[pos.AccountID] = append(byAccount[pos.AccountID], pos.Symbol)
	}

	now := time.Now().UTC()
	for accountID, symbols := range byAccount {
		gw, err := m.gateways.GatewayFor(ctx, accountID)
		if err != nil {
			m.logger.WarnContext(ctx, "coverage_monitor: gateway resolve failed",
				slog.String("account_id", accountID),
				slog.String("error", err.Error()),
			)
			continue
		}

		quotes, err := gw.CurrentPrices(ctx, symbols)
		if err != nil {
			m.logger.WarnContext(ctx, "coverage_monitor: price fetch failed",
				slog.String("account_id", accountID),
				slog.String("error", err.Error()),
			)
			continue
		}

		for sym, price := range quotes {
			if err := m.prices.SetPrice(ctx, sym, price, now); err != nil {
				m.logger.WarnContext(ctx, "coverage_monitor: price cache write failed",
					slog.String("symbol", sym),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (m *CoverageMonitor) reportGap(ctx context.Context, pos domain.Position, cov coverage.Coverage) {
	m.logger.WarnContext(ctx, "coverage_monitor: position has uncovered targets",
		slog.Int64("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Bool("tp_missing", cov.TPMissing),
		slog.Bool("sl_missing", cov.SLMissing),
	)

	if m.bus != nil {
		payload := fmt.Appendf(nil,
			`{"event":"coverage_gap","position_id":%d,"tp_missing":%t,"sl_missing":%t}`,
			pos.ID, cov.TPMissing, cov.SLMissing)
		if err := m.bus.Publish(ctx, "positions", payload); err != nil {
			m.logger.WarnContext(ctx, "coverage_monitor: publish failed",
				slog.String("error", err.Error()),
			)
		}
	}

	if m.alerter != nil {
		msg := fmt.Sprintf("position %d (%s): tp_missing=%t sl_missing=%t",
			pos.ID, pos.Symbol, cov.TPMissing, cov.SLMissing)
		if err := m.alerter.Notify(ctx, "coverage_gap", "Coverage gap", msg); err != nil {
			m.logger.WarnContext(ctx, "coverage_monitor: notify failed",
				slog.String("error", err.Error()),
			)
		}
	}
}
