package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bracketd/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `id, position_id, symbol, side, order_type, quantity,
	filled_qty, limit_price, stop_price, status, depends_on, broker_order_id,
	created_at`

func scanOrderRow(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var side, typ, status string
	var brokerID *string

	err := row.Scan(
		&o.ID, &o.PositionID, &o.Symbol, &side, &typ, &o.Quantity,
		&o.FilledQty, &o.LimitPrice, &o.StopPrice, &status, &o.DependsOn,
		&brokerID, &o.CreatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	if brokerID != nil {
		o.BrokerOrderID = *brokerID
	}
	return o, nil
}

// Get retrieves a single order by id.
func (s *OrderStore) Get(ctx context.Context, id int64) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)

	o, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %d: %w", id, err)
	}
	return o, nil
}

// GetByBrokerID retrieves the order behind a broker handle.
func (s *OrderStore) GetByBrokerID(ctx context.Context, brokerOrderID string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE broker_order_id = $1`, brokerOrderID)

	o, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order by broker id %s: %w", brokerOrderID, err)
	}
	return o, nil
}

// ListByPosition returns all orders for a position, oldest first.
func (s *OrderStore) ListByPosition(ctx context.Context, positionID int64) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE position_id = $1
		 ORDER BY created_at ASC, id ASC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders for position %d: %w", positionID, err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrderRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list orders rows: %w", err)
	}
	return orders, nil
}

// Save inserts the order when it has no id yet, otherwise replaces its
// mutable fields.
func (s *OrderStore) Save(ctx context.Context, o domain.Order) error {
	var brokerID *string
	if o.BrokerOrderID != "" {
		brokerID = &o.BrokerOrderID
	}

	if o.ID == 0 {
		const query = `
			INSERT INTO orders (
				position_id, symbol, side, order_type, quantity, filled_qty,
				limit_price, stop_price, status, depends_on, broker_order_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id`

		err := s.pool.QueryRow(ctx, query,
			o.PositionID, o.Symbol, string(o.Side), string(o.Type), o.Quantity,
			o.FilledQty, o.LimitPrice, o.StopPrice, string(o.Status),
			o.DependsOn, brokerID,
		).Scan(&o.ID)
		if err != nil {
			return fmt.Errorf("postgres: create order: %w", err)
		}
		return nil
	}

	const query = `
		UPDATE orders SET
			quantity        = $2,
			filled_qty      = $3,
			limit_price     = $4,
			stop_price      = $5,
			status          = $6,
			broker_order_id = $7,
			updated_at      = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		o.ID, o.Quantity, o.FilledQty, o.LimitPrice, o.StopPrice,
		string(o.Status), brokerID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %d: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes an order that never reached the broker.
func (s *OrderStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete order %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
