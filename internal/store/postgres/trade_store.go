package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/q0821/fundingarb/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Insert writes one realized trade.
func (s *TradeStore) Insert(ctx context.Context, t domain.ClosedTrade) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	query := `
		INSERT INTO trades (id, position_id, user_id, symbol, price_pnl, funding_pnl, fees, net_pnl, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.PositionID, t.UserID, t.Symbol, t.PricePnL, t.FundingPnL, t.Fees, t.NetPnL, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.PositionID, err)
	}
	return nil
}

// ListByUser returns a user's realized trades, newest first.
func (s *TradeStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.ClosedTrade, error) {
	query := `
		SELECT id, position_id, user_id, symbol, price_pnl, funding_pnl, fees, net_pnl, closed_at
		FROM trades
		WHERE user_id = $1
		  AND ($2::timestamptz IS NULL OR closed_at >= $2)
		  AND ($3::timestamptz IS NULL OR closed_at <= $3)
		ORDER BY closed_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := s.pool.Query(ctx, query, userID, opts.Since, opts.Until, limitOf(opts), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades %s: %w", userID, err)
	}
	defer rows.Close()

	var out []domain.ClosedTrade
	for rows.Next() {
		var t domain.ClosedTrade
		if err := rows.Scan(
			&t.ID, &t.PositionID, &t.UserID, &t.Symbol, &t.PricePnL, &t.FundingPnL, &t.Fees, &t.NetPnL, &t.ClosedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SumNetPnL returns the user's total realized PnL since the given time.
func (s *TradeStore) SumNetPnL(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(net_pnl), 0) FROM trades WHERE user_id = $1 AND closed_at >= $2`,
		userID, since,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: sum net pnl %s: %w", userID, err)
	}
	return sum, nil
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
