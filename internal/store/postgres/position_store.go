package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/q0821/fundingarb/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. The two
// legs are flattened into long_* and short_* columns; a position row always
// carries exactly one of each.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `id, user_id, symbol, group_id, status,
	long_exchange, long_entry_price, long_exit_price, long_size, long_leverage,
	long_order_id, long_close_id, long_status, long_fail_reason,
	short_exchange, short_entry_price, short_exit_price, short_size, short_leverage,
	short_order_id, short_close_id, short_status, short_fail_reason,
	stop_loss_pct, take_profit_pct,
	exit_suggested, exit_reason, exit_suggested_at,
	cached_funding_pnl, opened_at, closed_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status, longStatus, shortStatus string
	var groupID *string

	err := row.Scan(
		&p.ID, &p.UserID, &p.Symbol, &groupID, &status,
		&p.Legs[0].Exchange, &p.Legs[0].EntryPrice, &p.Legs[0].ExitPrice, &p.Legs[0].Size, &p.Legs[0].Leverage,
		&p.Legs[0].OrderID, &p.Legs[0].CloseID, &longStatus, &p.Legs[0].FailReason,
		&p.Legs[1].Exchange, &p.Legs[1].EntryPrice, &p.Legs[1].ExitPrice, &p.Legs[1].Size, &p.Legs[1].Leverage,
		&p.Legs[1].OrderID, &p.Legs[1].CloseID, &shortStatus, &p.Legs[1].FailReason,
		&p.StopLossPct, &p.TakeProfitPct,
		&p.ExitSuggested, &p.ExitReason, &p.ExitSuggestedAt,
		&p.CachedFundingPnL, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	if groupID != nil {
		p.GroupID = *groupID
	}
	p.Status = domain.PositionStatus(status)
	p.Legs[0].Side = domain.LegLong
	p.Legs[0].Symbol = p.Symbol
	p.Legs[0].Status = domain.LegStatus(longStatus)
	p.Legs[1].Side = domain.LegShort
	p.Legs[1].Symbol = p.Symbol
	p.Legs[1].Status = domain.LegStatus(shortStatus)
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// groupIDArg maps the empty group to SQL NULL.
func groupIDArg(groupID string) *string {
	if groupID == "" {
		return nil
	}
	return &groupID
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	query := `
		INSERT INTO positions (` + positionCols + `)
		VALUES ($1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23,
			$24, $25, $26, $27, $28, $29, $30, $31, NOW())`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.UserID, p.Symbol, groupIDArg(p.GroupID), string(p.Status),
		p.Legs[0].Exchange, p.Legs[0].EntryPrice, p.Legs[0].ExitPrice, p.Legs[0].Size, p.Legs[0].Leverage,
		p.Legs[0].OrderID, p.Legs[0].CloseID, string(p.Legs[0].Status), p.Legs[0].FailReason,
		p.Legs[1].Exchange, p.Legs[1].EntryPrice, p.Legs[1].ExitPrice, p.Legs[1].Size, p.Legs[1].Leverage,
		p.Legs[1].OrderID, p.Legs[1].CloseID, string(p.Legs[1].Status), p.Legs[1].FailReason,
		p.StopLossPct, p.TakeProfitPct,
		p.ExitSuggested, p.ExitReason, p.ExitSuggestedAt,
		p.CachedFundingPnL, p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	query := `
		UPDATE positions SET
			status             = $2,
			group_id           = $3,
			long_entry_price   = $4,
			long_exit_price    = $5,
			long_size          = $6,
			long_leverage      = $7,
			long_order_id      = $8,
			long_close_id      = $9,
			long_status        = $10,
			long_fail_reason   = $11,
			short_entry_price  = $12,
			short_exit_price   = $13,
			short_size         = $14,
			short_leverage     = $15,
			short_order_id     = $16,
			short_close_id     = $17,
			short_status       = $18,
			short_fail_reason  = $19,
			stop_loss_pct      = $20,
			take_profit_pct    = $21,
			exit_suggested     = $22,
			exit_reason        = $23,
			exit_suggested_at  = $24,
			cached_funding_pnl = $25,
			closed_at          = $26,
			updated_at         = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, string(p.Status), groupIDArg(p.GroupID),
		p.Legs[0].EntryPrice, p.Legs[0].ExitPrice, p.Legs[0].Size, p.Legs[0].Leverage,
		p.Legs[0].OrderID, p.Legs[0].CloseID, string(p.Legs[0].Status), p.Legs[0].FailReason,
		p.Legs[1].EntryPrice, p.Legs[1].ExitPrice, p.Legs[1].Size, p.Legs[1].Leverage,
		p.Legs[1].OrderID, p.Legs[1].CloseID, string(p.Legs[1].Status), p.Legs[1].FailReason,
		p.StopLossPct, p.TakeProfitPct,
		p.ExitSuggested, p.ExitReason, p.ExitSuggestedAt,
		p.CachedFundingPnL, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateStatus changes only the lifecycle status.
func (s *PositionStore) UpdateStatus(ctx context.Context, id string, status domain.PositionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("postgres: update position status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns one position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions WHERE id = $1`

	p, err := scanPosition(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// openStatuses are the states in which a position still holds exposure.
const openStatuses = `('open', 'partial', 'opening', 'closing')`

// ListOpen returns a user's positions that still hold exposure.
func (s *PositionStore) ListOpen(ctx context.Context, userID string) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions
		WHERE user_id = $1 AND status IN ` + openStatuses + `
		ORDER BY opened_at DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions %s: %w", userID, err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// ListOpenBySymbol returns all open positions for one symbol across users.
func (s *PositionStore) ListOpenBySymbol(ctx context.Context, symbol string) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions
		WHERE symbol = $1 AND status IN ` + openStatuses + `
		ORDER BY opened_at DESC`

	rows, err := s.pool.Query(ctx, query, symbol)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions by symbol %s: %w", symbol, err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// ListByGroup returns every member of a split group, oldest first.
func (s *PositionStore) ListByGroup(ctx context.Context, groupID string) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions
		WHERE group_id = $1 ORDER BY opened_at ASC`

	rows, err := s.pool.Query(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list group positions %s: %w", groupID, err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// ListWithTriggers returns open positions carrying a stop-loss or take-profit
// trigger, for the conditional monitor's sweep.
func (s *PositionStore) ListWithTriggers(ctx context.Context) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions
		WHERE status = 'open'
		  AND (stop_loss_pct IS NOT NULL OR take_profit_pct IS NOT NULL)`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions with triggers: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// ListHistory returns a user's closed and failed positions.
func (s *PositionStore) ListHistory(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions
		WHERE user_id = $1 AND status IN ('closed', 'failed')
		  AND ($2::timestamptz IS NULL OR opened_at >= $2)
		  AND ($3::timestamptz IS NULL OR opened_at <= $3)
		ORDER BY opened_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := s.pool.Query(ctx, query, userID, opts.Since, opts.Until, limitOf(opts), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history %s: %w", userID, err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// SetExitSuggestion sets or clears the exit-suggestion flag.
func (s *PositionStore) SetExitSuggestion(ctx context.Context, id string, suggested bool, reason string, at *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions SET
			exit_suggested    = $2,
			exit_reason       = $3,
			exit_suggested_at = $4,
			updated_at        = NOW()
		WHERE id = $1`,
		id, suggested, reason, at,
	)
	if err != nil {
		return fmt.Errorf("postgres: set exit suggestion %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetCachedFundingPnL stores the last successfully computed funding income.
func (s *PositionStore) SetCachedFundingPnL(ctx context.Context, id string, pnl decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET cached_funding_pnl = $2, updated_at = NOW() WHERE id = $1`,
		id, pnl,
	)
	if err != nil {
		return fmt.Errorf("postgres: set cached funding pnl %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
