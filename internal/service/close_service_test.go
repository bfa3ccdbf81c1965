package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketd/internal/domain"
)

func newCloseFixture(t *testing.T, pos domain.Position, orders ...domain.Order) (*CloseService, *memPositionStore, *memOrderStore, *fakeGateway, *memAuditStore) {
	t.Helper()
	positions := newMemPositionStore(pos)
	orderStore := newMemOrderStore(orders...)
	gw := newFakeGateway()
	audit := &memAuditStore{}
	cfg := CloseConfig{PollInterval: time.Millisecond, PollTimeout: 500 * time.Millisecond}
	svc := NewCloseService(positions, orderStore, &staticResolver{gw: gw}, &memLocks{}, audit, &memBus{}, cfg, testLogger())
	return svc, positions, orderStore, gw, audit
}

func awaitClose(t *testing.T, results <-chan CloseResult) CloseResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("close task did not finish")
		return CloseResult{}
	}
}

func TestClose_HappyPathFillsAndRecords(t *testing.T) {
	pos := testPosition()
	entry := filledEntry(pos.ID)
	oco := domain.Order{
		ID: 2, PositionID: pos.ID, Symbol: pos.Symbol,
		Side: domain.OrderSideSell, Type: domain.OrderTypeOCO,
		Quantity: 10, LimitPrice: fp(250.0), StopPrice: fp(200.0),
		Status: domain.OrderStatusSubmitted, BrokerOrderID: "brk-oco",
	}
	svc, positions, orderStore, gw, audit := newCloseFixture(t, pos, entry, oco)
	gw.fillPrice = 241.5

	results, err := svc.Close(context.Background(), pos.ID)
	require.NoError(t, err)
	res := awaitClose(t, results)
	require.NoError(t, res.Err)

	got := positions.get(pos.ID)
	assert.Equal(t, domain.PositionStatusClosed, got.Status)
	require.NotNil(t, got.ClosePrice)
	assert.Equal(t, 241.5, *got.ClosePrice)
	assert.NotNil(t, got.CloseDate)

	// The bracket was cancelled and one market exit for the full position
	// quantity was submitted.
	assert.Equal(t, []string{"brk-oco"}, gw.cancelled)
	require.Len(t, gw.submitted, 1)
	exit := gw.submitted[0]
	assert.Equal(t, domain.OrderTypeMarket, exit.Type)
	assert.Equal(t, domain.OrderSideSell, exit.Side)
	assert.Equal(t, 10.0, exit.Quantity)
	assert.True(t, exit.ReduceOnly)

	closing, err := orderStore.Get(context.Background(), 1000)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, closing.Status)
	assert.Equal(t, 10.0, closing.FilledQty)

	assert.Contains(t, audit.events(), "position_closed")
}

func TestClose_AlreadyClosingIsPreconditionWithZeroBrokerCalls(t *testing.T) {
	pos := testPosition()
	pos.Status = domain.PositionStatusClosing
	svc, _, _, gw, _ := newCloseFixture(t, pos, filledEntry(pos.ID))

	_, err := svc.Close(context.Background(), pos.ID)

	require.ErrorIs(t, err, domain.ErrPrecondition)
	assert.Zero(t, gw.brokerCalls())
}

func TestClose_TerminalStatusesRejected(t *testing.T) {
	for _, status := range []domain.PositionStatus{domain.PositionStatusClosed, domain.PositionStatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			pos := testPosition()
			pos.Status = status
			svc, _, _, gw, _ := newCloseFixture(t, pos, filledEntry(pos.ID))

			_, err := svc.Close(context.Background(), pos.ID)

			require.ErrorIs(t, err, domain.ErrPrecondition)
			assert.Zero(t, gw.brokerCalls())
		})
	}
}

func TestClose_OrphanPositionClosesWithoutBroker(t *testing.T) {
	pos := testPosition()
	svc, positions, _, gw, audit := newCloseFixture(t, pos)

	results, err := svc.Close(context.Background(), pos.ID)
	require.NoError(t, err)
	res := awaitClose(t, results)
	require.NoError(t, res.Err)

	got := positions.get(pos.ID)
	assert.Equal(t, domain.PositionStatusClosed, got.Status)
	assert.NotNil(t, got.CloseDate)
	assert.Zero(t, gw.brokerCalls())
	assert.Contains(t, audit.events(), "orphan_close")
}

func TestClose_WaitingTriggerOrderDeletedLocally(t *testing.T) {
	pos := testPosition()
	pos.Status = domain.PositionStatusWaiting
	entry := filledEntry(pos.ID)
	entry.Status = domain.OrderStatusSubmitted
	entry.FilledQty = 0
	// The stop leg never reached the broker; it waits on the entry fill.
	armed := domain.Order{
		ID: 2, PositionID: pos.ID, Symbol: pos.Symbol,
		Side: domain.OrderSideSell, Type: domain.OrderTypeStop,
		Quantity: 10, StopPrice: fp(200.0), DependsOn: &entry.ID,
		Status: domain.OrderStatusWaitingTrigger,
	}
	svc, positions, orderStore, gw, _ := newCloseFixture(t, pos, entry, armed)
	gw.fillPrice = 229.0

	results, err := svc.Close(context.Background(), pos.ID)
	require.NoError(t, err)
	res := awaitClose(t, results)
	require.NoError(t, res.Err)

	_, err = orderStore.Get(context.Background(), 2)
	assert.ErrorIs(t, err, domain.ErrNotFound, "armed order is deleted locally, never cancelled at the broker")
	assert.Equal(t, []string{"brk-entry"}, gw.cancelled)
	assert.Equal(t, domain.PositionStatusClosed, positions.get(pos.ID).Status)
}

func TestClose_ReusesLiveClosingOrder(t *testing.T) {
	pos := testPosition()
	pos.TakeProfit = nil
	pos.StopLoss = nil
	entry := filledEntry(pos.ID)
	stale := domain.Order{
		ID: 3, PositionID: pos.ID, Symbol: pos.Symbol,
		Side: domain.OrderSideSell, Type: domain.OrderTypeMarket,
		Quantity: 10, Status: domain.OrderStatusSubmitted,
		BrokerOrderID: "brk-prev", CreatedAt: time.Now().Add(-time.Minute),
	}
	svc, positions, _, gw, _ := newCloseFixture(t, pos, entry, stale)
	gw.setState("brk-prev", domain.OrderState{
		Status: domain.OrderStatusFilled, FilledQty: 10, AvgFillPrice: 238.0,
		UpdatedAt: time.Now().UTC(),
	})

	results, err := svc.Close(context.Background(), pos.ID)
	require.NoError(t, err)
	res := awaitClose(t, results)
	require.NoError(t, res.Err)

	assert.Empty(t, gw.submitted, "live closing order is reused, not duplicated")
	got := positions.get(pos.ID)
	assert.Equal(t, domain.PositionStatusClosed, got.Status)
	assert.Equal(t, 238.0, *got.ClosePrice)
}

func TestClose_BrokerFailureLeavesClosingForRetry(t *testing.T) {
	pos := testPosition()
	pos.TakeProfit = nil
	pos.StopLoss = nil
	svc, positions, _, gw, _ := newCloseFixture(t, pos, filledEntry(pos.ID))
	gw.submitErr = assert.AnError

	results, err := svc.Close(context.Background(), pos.ID)
	require.NoError(t, err)
	res := awaitClose(t, results)

	require.Error(t, res.Err)
	assert.Equal(t, domain.PositionStatusClosing, positions.get(pos.ID).Status,
		"failed close stays closing; RetryClose re-arms it")
}

func TestClose_SecondCallWhileTaskRunsIsRejected(t *testing.T) {
	pos := testPosition()
	pos.TakeProfit = nil
	pos.StopLoss = nil
	svc, _, _, gw, _ := newCloseFixture(t, pos, filledEntry(pos.ID))
	// No fillPrice: the task sits in the confirmation poll loop.

	results, err := svc.Close(context.Background(), pos.ID)
	require.NoError(t, err)

	_, err = svc.Close(context.Background(), pos.ID)
	require.ErrorIs(t, err, domain.ErrPrecondition)

	submitsBefore := gw.submitCount()
	res := awaitClose(t, results)
	require.NoError(t, res.Err, "window expiry is not a failure")
	assert.Equal(t, submitsBefore, gw.submitCount())
}

func TestRetryClose_OnOpenedIsPreconditionNoStateChange(t *testing.T) {
	pos := testPosition()
	svc, positions, _, gw, _ := newCloseFixture(t, pos, filledEntry(pos.ID))

	err := svc.RetryClose(context.Background(), pos.ID)

	require.ErrorIs(t, err, domain.ErrPrecondition)
	assert.Equal(t, domain.PositionStatusOpened, positions.get(pos.ID).Status)
	assert.Zero(t, gw.brokerCalls())
}

func TestRetryClose_ReArmsFromEntryFillState(t *testing.T) {
	tests := []struct {
		name        string
		entryStatus domain.OrderStatus
		entryFilled float64
		want        domain.PositionStatus
	}{
		{"filled entry resets to opened", domain.OrderStatusFilled, 10, domain.PositionStatusOpened},
		{"unfilled entry resets to waiting", domain.OrderStatusSubmitted, 0, domain.PositionStatusWaiting},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			pos := testPosition()
			pos.Status = domain.PositionStatusClosing
			entry := filledEntry(pos.ID)
			entry.Status = tt.entryStatus
			entry.FilledQty = tt.entryFilled
			svc, positions, _, gw, audit := newCloseFixture(t, pos, entry)

			require.NoError(t, svc.RetryClose(context.Background(), pos.ID))

			assert.Equal(t, tt.want, positions.get(pos.ID).Status)
			assert.Zero(t, gw.brokerCalls(), "retry only re-arms state, broker work happens on the next close")
			assert.Contains(t, audit.events(), "close_retry")
		})
	}
}

func TestClose_ThenRetryThenCloseAgainSucceeds(t *testing.T) {
	pos := testPosition()
	pos.TakeProfit = nil
	pos.StopLoss = nil
	svc, positions, _, gw, _ := newCloseFixture(t, pos, filledEntry(pos.ID))
	gw.submitErr = assert.AnError

	results, err := svc.Close(context.Background(), pos.ID)
	require.NoError(t, err)
	require.Error(t, awaitClose(t, results).Err)

	require.NoError(t, svc.RetryClose(context.Background(), pos.ID))
	require.Equal(t, domain.PositionStatusOpened, positions.get(pos.ID).Status)

	gw.submitErr = nil
	gw.fillPrice = 244.0

	results, err = svc.Close(context.Background(), pos.ID)
	require.NoError(t, err)
	require.NoError(t, awaitClose(t, results).Err)
	assert.Equal(t, domain.PositionStatusClosed, positions.get(pos.ID).Status)
}
