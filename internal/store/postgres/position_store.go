package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bracketd/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, account_id, symbol, quantity, open_price,
	close_price, take_profit, stop_loss, status, created_at, close_date`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string

	err := row.Scan(
		&p.ID, &p.AccountID, &p.Symbol, &p.Quantity, &p.OpenPrice,
		&p.ClosePrice, &p.TakeProfit, &p.StopLoss,
		&status, &p.CreatedAt, &p.CloseDate,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Get retrieves a single position by id.
func (s *PositionStore) Get(ctx context.Context, id int64) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %d: %w", id, err)
	}
	return p, nil
}

// Save inserts the position when it has no id yet, otherwise replaces its
// mutable fields.
func (s *PositionStore) Save(ctx context.Context, p domain.Position) error {
	if p.ID == 0 {
		const query = `
			INSERT INTO positions (
				account_id, symbol, quantity, open_price,
				close_price, take_profit, stop_loss, status, close_date
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id`

		err := s.pool.QueryRow(ctx, query,
			p.AccountID, p.Symbol, p.Quantity, p.OpenPrice,
			p.ClosePrice, p.TakeProfit, p.StopLoss, string(p.Status), p.CloseDate,
		).Scan(&p.ID)
		if err != nil {
			return fmt.Errorf("postgres: create position: %w", err)
		}
		return nil
	}

	const query = `
		UPDATE positions SET
			account_id  = $2,
			symbol      = $3,
			quantity    = $4,
			open_price  = $5,
			close_price = $6,
			take_profit = $7,
			stop_loss   = $8,
			status      = $9,
			close_date  = $10,
			updated_at  = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.AccountID, p.Symbol, p.Quantity, p.OpenPrice,
		p.ClosePrice, p.TakeProfit, p.StopLoss, string(p.Status), p.CloseDate,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %d: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateStatus transitions the position from one status to another. The
// from-status guard makes the transition a compare-and-swap: a concurrent
// writer that moved the position first causes ErrNotFound.
func (s *PositionStore) UpdateStatus(ctx context.Context, id int64, from, to domain.PositionStatus) error {
	const query = `
		UPDATE positions SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`

	tag, err := s.pool.Exec(ctx, query, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("postgres: update position %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkClosed sets status, close price, and close date in one statement.
func (s *PositionStore) MarkClosed(ctx context.Context, id int64, closePrice float64, closedAt time.Time) error {
	const query = `
		UPDATE positions SET
			status      = 'closed',
			close_price = $2,
			close_date  = $3,
			updated_at  = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, closePrice, closedAt)
	if err != nil {
		return fmt.Errorf("postgres: mark position %d closed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByStatus returns positions in the given status, oldest first.
func (s *PositionStore) ListByStatus(ctx context.Context, status domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE status = $1`
	args := []any{string(status)}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by status: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions by status: %w", err)
	}
	return positions, nil
}

// ListClosedBefore returns closed positions whose close date precedes the
// cutoff, oldest first. The archiver feeds on this.
func (s *PositionStore) ListClosedBefore(ctx context.Context, cutoff time.Time, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE status = 'closed' AND close_date < $1
		ORDER BY close_date ASC`
	args := []any{cutoff}

	if opts.Limit > 0 {
		query += " LIMIT $2"
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}
