package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bracketd/internal/domain"
)

// In-memory fakes for the store, gateway, and bus collaborators. They track
// call counts so tests can assert the "zero broker calls" contracts.

type memPositionStore struct {
	mu        sync.Mutex
	positions map[int64]domain.Position
	saveErr   error
}

func newMemPositionStore(ps ...domain.Position) *memPositionStore {
	s := &memPositionStore{positions: make(map[int64]domain.Position)}
	for _, p := range ps {
		s.positions[p.ID] = p
	}
	return s
}

func (s *memPositionStore) Get(_ context.Context, id int64) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memPositionStore) Save(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.positions[pos.ID] = pos
	return nil
}

func (s *memPositionStore) UpdateStatus(_ context.Context, id int64, from, to domain.PositionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok || p.Status != from {
		return domain.ErrNotFound
	}
	p.Status = to
	s.positions[id] = p
	return nil
}

func (s *memPositionStore) MarkClosed(_ context.Context, id int64, closePrice float64, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
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

func (s *memPositionStore) ListByStatus(_ context.Context, status domain.PositionStatus, _ domain.ListOpts) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memPositionStore) ListClosedBefore(_ context.Context, cutoff time.Time, _ domain.ListOpts) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.Status == domain.PositionStatusClosed && p.CloseDate != nil && p.CloseDate.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPositionStore) get(id int64) domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[id]
}

type memOrderStore struct {
	mu     sync.Mutex
	orders map[int64]domain.Order
	nextID int64
}

func newMemOrderStore(os ...domain.Order) *memOrderStore {
	s := &memOrderStore{orders: make(map[int64]domain.Order), nextID: 1000}
	for _, o := range os {
		s.orders[o.ID] = o
		if o.ID >= s.nextID {
			s.nextID = o.ID + 1
		}
	}
	return s
}

func (s *memOrderStore) Get(_ context.Context, id int64) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *memOrderStore) GetByBrokerID(_ context.Context, brokerOrderID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.BrokerOrderID == brokerOrderID {
			return o, nil
		}
	}
	return domain.Order{}, domain.ErrNotFound
}

func (s *memOrderStore) ListByPosition(_ context.Context, positionID int64) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.PositionID == positionID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memOrderStore) Save(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order.ID == 0 {
		order.ID = s.nextID
		s.nextID++
	}
	s.orders[order.ID] = order
	return nil
}

func (s *memOrderStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.orders, id)
	return nil
}

// surviving returns non-terminal protective orders for a position.
func (s *memOrderStore) surviving(positionID int64) []domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.PositionID == positionID && !o.IsEntry() && !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type memAuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (s *memAuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{Event: event, Detail: detail, CreatedAt: time.Now()})
	return nil
}

func (s *memAuditStore) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEntry(nil), s.entries...), nil
}

func (s *memAuditStore) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.entries {
		out = append(out, e.Event)
	}
	return out
}

type memBus struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (b *memBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads = append(b.payloads, payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, nil
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

// fakeGateway records broker traffic and can be scripted to fail.
type fakeGateway struct {
	mu        sync.Mutex
	submitted []domain.OrderSpec
	cancelled []string
	states    map[string]domain.OrderState
	nextID    int

	submitErr error
	cancelErr error
	getErr    error

	// fillPrice, when set, makes every submitted order report filled at
	// that price on the next GetOrder call.
	fillPrice float64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{states: make(map[string]domain.OrderState), fillPrice: 0}
}

func (g *fakeGateway) SubmitOrder(_ context.Context, spec domain.OrderSpec) (domain.OrderHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return domain.OrderHandle{}, g.submitErr
	}
	g.nextID++
	id := fmt.Sprintf("brk-%d", g.nextID)
	g.submitted = append(g.submitted, spec)

	state := domain.OrderState{BrokerOrderID: id, Status: domain.OrderStatusSubmitted, UpdatedAt: time.Now().UTC()}
	if g.fillPrice > 0 {
		state.Status = domain.OrderStatusFilled
		state.FilledQty = spec.Quantity
		state.AvgFillPrice = g.fillPrice
	}
	g.states[id] = state

	return domain.OrderHandle{BrokerOrderID: id, Status: domain.OrderStatusSubmitted, SubmittedAt: time.Now().UTC()}, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, brokerOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.cancelled = append(g.cancelled, brokerOrderID)
	if st, ok := g.states[brokerOrderID]; ok {
		st.Status = domain.OrderStatusCanceled
		g.states[brokerOrderID] = st
	}
	return nil
}

func (g *fakeGateway) GetOrder(_ context.Context, brokerOrderID string) (domain.OrderState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.getErr != nil {
		return domain.OrderState{}, g.getErr
	}
	st, ok := g.states[brokerOrderID]
	if !ok {
		return domain.OrderState{}, domain.ErrNotFound
	}
	return st, nil
}

func (g *fakeGateway) CurrentPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		out[s] = 100.0
	}
	return out, nil
}

func (g *fakeGateway) setState(brokerOrderID string, st domain.OrderState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st.BrokerOrderID = brokerOrderID
	g.states[brokerOrderID] = st
}

func (g *fakeGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submitted)
}

func (g *fakeGateway) brokerCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submitted) + len(g.cancelled)
}

// staticResolver returns the same gateway for every account, unless a
// per-account override is registered.
type staticResolver struct {
	gw       domain.Gateway
	accounts map[string]domain.Gateway
}

func (r *staticResolver) GatewayFor(_ context.Context, accountID string) (domain.Gateway, error) {
	if g, ok := r.accounts[accountID]; ok {
		return g, nil
	}
	if r.gw == nil {
		return nil, fmt.Errorf("no gateway for account %q", accountID)
	}
	return r.gw, nil
}
