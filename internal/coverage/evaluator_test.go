package coverage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bracketd/internal/domain"
)

func fp(v float64) *float64 { return &v }

func openedPosition() domain.Position {
	return domain.Position{
		ID:         80,
		Symbol:     "LRCX",
		Quantity:   10,
		OpenPrice:  230.0,
		TakeProfit: fp(250.0),
		StopLoss:   fp(200.0),
		Status:     domain.PositionStatusOpened,
	}
}

func TestEvaluate_OCOCoversBothTargets(t *testing.T) {
	t.Parallel()

	pos := openedPosition()
	orders := []domain.Order{{
		ID:         1,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       domain.OrderSideSell,
		Type:       domain.OrderTypeOCO,
		Quantity:   10,
		LimitPrice: fp(250.0),
		StopPrice:  fp(200.0),
		Status:     domain.OrderStatusSubmitted,
	}}

	cov := NewEvaluator(1).Evaluate(pos, orders)

	assert.False(t, cov.TPMissing)
	assert.False(t, cov.SLMissing)
	assert.True(t, cov.Covered())
}

func TestEvaluate_NoOrdersBothMissing(t *testing.T) {
	t.Parallel()

	cov := NewEvaluator(1).Evaluate(openedPosition(), nil)

	assert.True(t, cov.TPMissing)
	assert.True(t, cov.SLMissing)
}

func TestEvaluate_ToleratesSubTickNoise(t *testing.T) {
	t.Parallel()

	pos := openedPosition()
	// Broker echoed prices with float noise well under one decimal place.
	orders := []domain.Order{{
		Type:       domain.OrderTypeOCO,
		Side:       domain.OrderSideSell,
		LimitPrice: fp(250.0399),
		StopPrice:  fp(199.96),
		Status:     domain.OrderStatusSubmitted,
	}}

	cov := NewEvaluator(1).Evaluate(pos, orders)

	assert.False(t, cov.TPMissing)
	assert.False(t, cov.SLMissing)
}

func TestEvaluate_IndividualOrders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		orders    []domain.Order
		tpMissing bool
		slMissing bool
	}{
		{
			name: "limit covers tp only",
			orders: []domain.Order{{
				Type:       domain.OrderTypeLimit,
				DependsOn:  ip(7),
				LimitPrice: fp(250.0),
				Status:     domain.OrderStatusSubmitted,
			}},
			tpMissing: false,
			slMissing: true,
		},
		{
			name: "stop covers sl only",
			orders: []domain.Order{{
				Type:      domain.OrderTypeStop,
				StopPrice: fp(200.0),
				Status:    domain.OrderStatusSubmitted,
			}},
			tpMissing: true,
			slMissing: false,
		},
		{
			name: "limit and stop pair covers both",
			orders: []domain.Order{
				{Type: domain.OrderTypeLimit, DependsOn: ip(7), LimitPrice: fp(250.0), Status: domain.OrderStatusSubmitted},
				{Type: domain.OrderTypeStop, StopPrice: fp(200.0), Status: domain.OrderStatusSubmitted},
			},
			tpMissing: false,
			slMissing: false,
		},
		{
			name: "stale prices cover nothing",
			orders: []domain.Order{
				{Type: domain.OrderTypeLimit, DependsOn: ip(7), LimitPrice: fp(260.0), Status: domain.OrderStatusSubmitted},
				{Type: domain.OrderTypeStop, StopPrice: fp(190.0), Status: domain.OrderStatusSubmitted},
			},
			tpMissing: true,
			slMissing: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cov := NewEvaluator(1).Evaluate(openedPosition(), tt.orders)
			assert.Equal(t, tt.tpMissing, cov.TPMissing)
			assert.Equal(t, tt.slMissing, cov.SLMissing)
		})
	}
}

func TestEvaluate_IgnoresEntryAndDeadOrders(t *testing.T) {
	t.Parallel()

	pos := openedPosition()
	orders := []domain.Order{
		// Entry order at the TP price must not count as coverage.
		{Type: domain.OrderTypeLimit, LimitPrice: fp(250.0), Status: domain.OrderStatusFilled},
		// Cancelled OCO no longer protects anything.
		{Type: domain.OrderTypeOCO, LimitPrice: fp(250.0), StopPrice: fp(200.0), Status: domain.OrderStatusCanceled},
		{Type: domain.OrderTypeOCO, LimitPrice: fp(250.0), StopPrice: fp(200.0), Status: domain.OrderStatusRejected},
		{Type: domain.OrderTypeOCO, LimitPrice: fp(250.0), StopPrice: fp(200.0), Status: domain.OrderStatusExpired},
	}

	cov := NewEvaluator(1).Evaluate(pos, orders)

	assert.True(t, cov.TPMissing)
	assert.True(t, cov.SLMissing)
}

func TestEvaluate_OCOMustMatchBothLegs(t *testing.T) {
	t.Parallel()

	pos := openedPosition()
	orders := []domain.Order{{
		Type:       domain.OrderTypeOCO,
		LimitPrice: fp(250.0),
		StopPrice:  fp(195.0), // stale stop leg
		Status:     domain.OrderStatusSubmitted,
	}}

	cov := NewEvaluator(1).Evaluate(pos, orders)

	// A half-matching bracket covers neither target.
	assert.True(t, cov.TPMissing)
	assert.True(t, cov.SLMissing)
}

func TestEvaluate_NoTargetsNothingMissing(t *testing.T) {
	t.Parallel()

	pos := openedPosition()
	pos.TakeProfit = nil
	pos.StopLoss = nil

	cov := NewEvaluator(1).Evaluate(pos, nil)

	assert.False(t, cov.TPMissing)
	assert.False(t, cov.SLMissing)
}

func TestEvaluate_WaitingTriggerStillCovers(t *testing.T) {
	t.Parallel()

	pos := openedPosition()
	orders := []domain.Order{{
		Type:       domain.OrderTypeOCO,
		LimitPrice: fp(250.0),
		StopPrice:  fp(200.0),
		Status:     domain.OrderStatusWaitingTrigger,
	}}

	cov := NewEvaluator(1).Evaluate(pos, orders)

	assert.True(t, cov.Covered())
}

func ip(v int64) *int64 { return &v }
