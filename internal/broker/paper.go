package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bracketd/internal/domain"
)

// Compile-time interface check.
var _ domain.Gateway = (*PaperGateway)(nil)

// PaperGateway implements domain.Gateway for paper trading. It tracks orders
// in memory without making external API calls: market orders fill immediately
// at the last quoted price, protective orders rest as submitted until
// cancelled. Quotes are seeded via SetQuote.
type PaperGateway struct {
	mu     sync.Mutex
	orders map[string]domain.OrderState
	quotes map[string]float64
}

// NewPaperGateway creates a PaperGateway with empty order and quote books.
func NewPaperGateway() *PaperGateway {
	return &PaperGateway{
		orders: make(map[string]domain.OrderState),
		quotes: make(map[string]float64),
	}
}

// SetQuote sets the last trade price for a symbol. Market orders submitted
// afterwards fill at this price.
func (g *PaperGateway) SetQuote(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quotes[symbol] = price
}

// SubmitOrder records the order and simulates execution: market orders fill
// at the last quote, everything else rests as submitted.
func (g *PaperGateway) SubmitOrder(_ context.Context, spec domain.OrderSpec) (domain.OrderHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UTC()
	state := domain.OrderState{
		BrokerOrderID: "paper-" + uuid.NewString(),
		Status:        domain.OrderStatusSubmitted,
		UpdatedAt:     now,
	}

	if spec.Type == domain.OrderTypeMarket {
		price, ok := g.quotes[spec.Symbol]
		if !ok {
			// No quote yet; fall back to the limit price if the spec
			// carries one, otherwise reject.
			if spec.LimitPrice == nil {
				return domain.OrderHandle{}, fmt.Errorf("paper: no quote for %s", spec.Symbol)
			}
			price = *spec.LimitPrice
		}
		state.Status = domain.OrderStatusFilled
		state.FilledQty = spec.Quantity
		state.AvgFillPrice = price
	}

	g.orders[state.BrokerOrderID] = state

	return domain.OrderHandle{
		BrokerOrderID: state.BrokerOrderID,
		Status:        state.Status,
		SubmittedAt:   now,
	}, nil
}

// CancelOrder marks the order cancelled. Cancelling a filled or unknown order
// is an error, matching how live brokers respond.
func (g *PaperGateway) CancelOrder(_ context.Context, brokerOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("paper: order %s: %w", brokerOrderID, domain.ErrNotFound)
	}
	if state.Status == domain.OrderStatusFilled {
		return fmt.Errorf("paper: order %s already filled", brokerOrderID)
	}
	state.Status = domain.OrderStatusCanceled
	state.UpdatedAt = time.Now().UTC()
	g.orders[brokerOrderID] = state
	return nil
}

// GetOrder returns the broker-side snapshot of an order.
func (g *PaperGateway) GetOrder(_ context.Context, brokerOrderID string) (domain.OrderState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.orders[brokerOrderID]
	if !ok {
		return domain.OrderState{}, fmt.Errorf("paper: order %s: %w", brokerOrderID, domain.ErrNotFound)
	}
	return state, nil
}

// CurrentPrices returns the last quotes for the requested symbols. Symbols
// without a quote are omitted.
func (g *PaperGateway) CurrentPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		if price, ok := g.quotes[sym]; ok {
			out[sym] = price
		}
	}
	return out, nil
}

// StaticResolver maps every account to one fixed gateway. Deployments that
// trade a single brokerage account use this; multi-broker setups supply their
// own resolver.
type StaticResolver struct {
	gateway domain.Gateway
}

// NewStaticResolver creates a StaticResolver around the given gateway.
func NewStaticResolver(gw domain.Gateway) *StaticResolver {
	return &StaticResolver{gateway: gw}
}

// GatewayFor returns the fixed gateway for any account.
func (r *StaticResolver) GatewayFor(context.Context, string) (domain.Gateway, error) {
	return r.gateway, nil
}

var _ domain.GatewayResolver = (*StaticResolver)(nil)
