package broker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketd/internal/domain"
)

type stubPositionStore struct {
	positions map[int64]domain.Position
}

func (s *stubPositionStore) Get(_ context.Context, id int64) (domain.Position, error) {
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *stubPositionStore) Save(_ context.Context, pos domain.Position) error {
	s.positions[pos.ID] = pos
	return nil
}

func (s *stubPositionStore) UpdateStatus(_ context.Context, id int64, from, to domain.PositionStatus) error {
	p, ok := s.positions[id]
	if !ok || p.Status != from {
		return domain.ErrNotFound
	}
	p.Status = to
	s.positions[id] = p
	return nil
}

func (s *stubPositionStore) MarkClosed(_ context.Context, id int64, closePrice float64, closedAt time.Time) error {
	p, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Status = domain.PositionStatusClosed
	p.ClosePrice = &closePrice
	p.CloseDate = &closedAt
	s.positions[id] = p
	return nil
}

func (s *stubPositionStore) ListByStatus(context.Context, domain.PositionStatus, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

func (s *stubPositionStore) ListClosedBefore(context.Context, time.Time, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

type stubOrderStore struct {
	orders map[int64]domain.Order
}

func (s *stubOrderStore) Get(_ context.Context, id int64) (domain.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *stubOrderStore) GetByBrokerID(_ context.Context, brokerOrderID string) (domain.Order, error) {
	for _, o := range s.orders {
		if o.BrokerOrderID == brokerOrderID {
			return o, nil
		}
	}
	return domain.Order{}, domain.ErrNotFound
}

func (s *stubOrderStore) ListByPosition(_ context.Context, positionID int64) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range s.orders {
		if o.PositionID == positionID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *stubOrderStore) Save(_ context.Context, order domain.Order) error {
	s.orders[order.ID] = order
	return nil
}

func (s *stubOrderStore) Delete(_ context.Context, id int64) error {
	delete(s.orders, id)
	return nil
}

func newApplierFixture(pos domain.Position, orders ...domain.Order) (*Applier, *stubPositionStore, *stubOrderStore) {
	positions := &stubPositionStore{positions: map[int64]domain.Position{pos.ID: pos}}
	orderStore := &stubOrderStore{orders: make(map[int64]domain.Order)}
	for _, o := range orders {
		orderStore.orders[o.ID] = o
	}
	a := NewApplier(positions, orderStore, nil, nil, slog.New(slog.DiscardHandler))
	return a, positions, orderStore
}

func TestApply_ClosingFillCompletesClose(t *testing.T) {
	pos := domain.Position{
		ID: 80, Symbol: "LRCX", Quantity: 10, OpenPrice: 230.0,
		Status: domain.PositionStatusClosing,
	}
	closing := domain.Order{
		ID: 5, PositionID: 80, Symbol: "LRCX",
		Side: domain.OrderSideSell, Type: domain.OrderTypeMarket,
		Quantity: 10, Status: domain.OrderStatusSubmitted, BrokerOrderID: "brk-close",
	}
	a, positions, orderStore := newApplierFixture(pos, closing)

	ts := time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC)
	err := a.Apply(context.Background(), OrderUpdate{
		BrokerOrderID: "brk-close",
		Status:        domain.OrderStatusFilled,
		FilledQty:     10,
		AvgFillPrice:  241.5,
		Timestamp:     ts,
	})
	require.NoError(t, err)

	got := positions.positions[80]
	assert.Equal(t, domain.PositionStatusClosed, got.Status)
	assert.Equal(t, 241.5, *got.ClosePrice)
	assert.Equal(t, ts, *got.CloseDate)
	assert.Equal(t, domain.OrderStatusFilled, orderStore.orders[5].Status)
}

func TestApply_EntryFillOpensWaitingPosition(t *testing.T) {
	pos := domain.Position{
		ID: 81, Symbol: "AMD", Quantity: 4, Status: domain.PositionStatusWaiting,
	}
	entry := domain.Order{
		ID: 6, PositionID: 81, Symbol: "AMD",
		Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		Quantity: 4, Status: domain.OrderStatusSubmitted, BrokerOrderID: "brk-entry",
	}
	a, positions, _ := newApplierFixture(pos, entry)

	err := a.Apply(context.Background(), OrderUpdate{
		BrokerOrderID: "brk-entry",
		Status:        domain.OrderStatusFilled,
		FilledQty:     4,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.PositionStatusOpened, positions.positions[81].Status)
}

func TestApply_ProtectiveCancelOnlyUpdatesOrder(t *testing.T) {
	pos := domain.Position{
		ID: 82, Symbol: "LRCX", Quantity: 10, Status: domain.PositionStatusOpened,
	}
	entryID := int64(1)
	oco := domain.Order{
		ID: 7, PositionID: 82, Symbol: "LRCX",
		Side: domain.OrderSideSell, Type: domain.OrderTypeOCO,
		Quantity: 10, DependsOn: &entryID,
		Status: domain.OrderStatusSubmitted, BrokerOrderID: "brk-oco",
	}
	a, positions, orderStore := newApplierFixture(pos, oco)

	err := a.Apply(context.Background(), OrderUpdate{
		BrokerOrderID: "brk-oco",
		Status:        domain.OrderStatusCanceled,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusCanceled, orderStore.orders[7].Status)
	assert.Equal(t, domain.PositionStatusOpened, positions.positions[82].Status)
}

func TestApply_UnknownOrderDropped(t *testing.T) {
	pos := domain.Position{ID: 83, Status: domain.PositionStatusOpened}
	a, _, _ := newApplierFixture(pos)

	err := a.Apply(context.Background(), OrderUpdate{
		BrokerOrderID: "brk-nobody",
		Status:        domain.OrderStatusFilled,
	})

	assert.NoError(t, err)
}

func TestApply_ReplayOfTerminalOrderIsNoop(t *testing.T) {
	pos := domain.Position{
		ID: 84, Symbol: "LRCX", Quantity: 10, Status: domain.PositionStatusClosed,
	}
	closing := domain.Order{
		ID: 8, PositionID: 84, Symbol: "LRCX",
		Side: domain.OrderSideSell, Type: domain.OrderTypeMarket,
		Quantity: 10, FilledQty: 10,
		Status: domain.OrderStatusFilled, BrokerOrderID: "brk-done",
	}
	a, positions, _ := newApplierFixture(pos, closing)
	before := positions.positions[84]

	err := a.Apply(context.Background(), OrderUpdate{
		BrokerOrderID: "brk-done",
		Status:        domain.OrderStatusFilled,
		AvgFillPrice:  999.0,
	})
	require.NoError(t, err)

	assert.Equal(t, before, positions.positions[84])
}

func TestHandleMessage_RoutesOnlyOrderUpdates(t *testing.T) {
	c := NewStreamClient("ws://unused", slog.New(slog.DiscardHandler))

	var got []OrderUpdate
	c.OnOrderUpdate(func(u OrderUpdate) { got = append(got, u) })

	c.handleMessage([]byte(`{"event_type":"heartbeat"}`))
	c.handleMessage([]byte(`not json`))
	c.handleMessage([]byte(`{"event_type":"order_update","broker_order_id":"brk-1","status":"filled","filled_qty":3,"avg_fill_price":101.5}`))

	require.Len(t, got, 1)
	assert.Equal(t, "brk-1", got[0].BrokerOrderID)
	assert.Equal(t, domain.OrderStatusFilled, got[0].Status)
	assert.Equal(t, 3.0, got[0].FilledQty)
	assert.Equal(t, 101.5, got[0].AvgFillPrice)
}
