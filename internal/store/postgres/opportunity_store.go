package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/q0821/fundingarb/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore using PostgreSQL. A
// partial unique index on (symbol, long_exchange, short_exchange) WHERE
// status = 'active' guarantees at most one active row per detection key.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates a new OpportunityStore backed by the given pool.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

const opportunityCols = `id, symbol, long_exchange, short_exchange, status,
	initial_spread, current_spread, max_spread, max_spread_at,
	initial_apy, current_apy, max_apy,
	long_interval_hours, short_interval_hours,
	notification_count, detected_at, ended_at, duration_ms`

func scanOpportunity(row pgx.Row) (domain.Opportunity, error) {
	var o domain.Opportunity
	var status string

	err := row.Scan(
		&o.ID, &o.Symbol, &o.LongExchange, &o.ShortExchange, &status,
		&o.InitialSpread, &o.CurrentSpread, &o.MaxSpread, &o.MaxSpreadAt,
		&o.InitialAPY, &o.CurrentAPY, &o.MaxAPY,
		&o.LongIntervalHours, &o.ShortIntervalHours,
		&o.NotificationCount, &o.DetectedAt, &o.EndedAt, &o.DurationMs,
	)
	if err != nil {
		return domain.Opportunity{}, err
	}
	o.Status = domain.OpportunityStatus(status)
	return o, nil
}

func scanOpportunities(rows pgx.Rows) ([]domain.Opportunity, error) {
	var out []domain.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpsertActive creates the active row for the opportunity's key, or updates
// the existing one: current values are replaced, max values only ever raised.
// The whole operation is a single INSERT ... ON CONFLICT, so concurrent
// updates for the same key serialize inside the database.
func (s *OpportunityStore) UpsertActive(ctx context.Context, opp domain.Opportunity) (domain.Opportunity, error) {
	if opp.ID == "" {
		opp.ID = uuid.New().String()
	}
	query := `
		INSERT INTO opportunities (` + opportunityCols + `, updated_at)
		VALUES ($1, $2, $3, $4, 'active',
			$5, $6, $7, $8,
			$9, $10, $11,
			$12, $13,
			0, $14, NULL, NULL, NOW())
		ON CONFLICT (symbol, long_exchange, short_exchange) WHERE status = 'active'
		DO UPDATE SET
			current_spread = EXCLUDED.current_spread,
			current_apy    = EXCLUDED.current_apy,
			max_spread     = GREATEST(opportunities.max_spread, EXCLUDED.current_spread),
			max_spread_at  = CASE
				WHEN EXCLUDED.current_spread > opportunities.max_spread THEN EXCLUDED.max_spread_at
				ELSE opportunities.max_spread_at
			END,
			max_apy              = GREATEST(opportunities.max_apy, EXCLUDED.current_apy),
			long_interval_hours  = EXCLUDED.long_interval_hours,
			short_interval_hours = EXCLUDED.short_interval_hours,
			updated_at           = NOW()
		RETURNING ` + opportunityCols

	row := s.pool.QueryRow(ctx, query,
		opp.ID, opp.Symbol, opp.LongExchange, opp.ShortExchange,
		opp.CurrentSpread, opp.CurrentSpread, opp.CurrentSpread, opp.MaxSpreadAt,
		opp.CurrentAPY, opp.CurrentAPY, opp.CurrentAPY,
		opp.LongIntervalHours, opp.ShortIntervalHours,
		opp.DetectedAt,
	)
	out, err := scanOpportunity(row)
	if err != nil {
		return domain.Opportunity{}, fmt.Errorf("postgres: upsert opportunity %s: %w", opp.Key(), err)
	}
	return out, nil
}

// GetActive returns the active opportunity for a detection key.
func (s *OpportunityStore) GetActive(ctx context.Context, symbol, longExchange, shortExchange string) (domain.Opportunity, error) {
	query := `SELECT ` + opportunityCols + ` FROM opportunities
		WHERE symbol = $1 AND long_exchange = $2 AND short_exchange = $3 AND status = 'active'`

	o, err := scanOpportunity(s.pool.QueryRow(ctx, query, symbol, longExchange, shortExchange))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Opportunity{}, domain.ErrNotFound
		}
		return domain.Opportunity{}, fmt.Errorf("postgres: get active opportunity: %w", err)
	}
	return o, nil
}

// GetByID returns one opportunity regardless of status.
func (s *OpportunityStore) GetByID(ctx context.Context, id string) (domain.Opportunity, error) {
	query := `SELECT ` + opportunityCols + ` FROM opportunities WHERE id = $1`

	o, err := scanOpportunity(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Opportunity{}, domain.ErrNotFound
		}
		return domain.Opportunity{}, fmt.Errorf("postgres: get opportunity %s: %w", id, err)
	}
	return o, nil
}

// ListActive returns all active opportunities, newest first.
func (s *OpportunityStore) ListActive(ctx context.Context) ([]domain.Opportunity, error) {
	query := `SELECT ` + opportunityCols + ` FROM opportunities
		WHERE status = 'active' ORDER BY detected_at DESC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active opportunities: %w", err)
	}
	defer rows.Close()
	return scanOpportunities(rows)
}

// List returns opportunities of any status with pagination and time bounds.
func (s *OpportunityStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Opportunity, error) {
	query := `SELECT ` + opportunityCols + ` FROM opportunities
		WHERE ($1::timestamptz IS NULL OR detected_at >= $1)
		  AND ($2::timestamptz IS NULL OR detected_at <= $2)
		ORDER BY detected_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := s.pool.Query(ctx, query, opts.Since, opts.Until, limitOf(opts), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities: %w", err)
	}
	defer rows.Close()
	return scanOpportunities(rows)
}

// End transitions an active opportunity out of the active state, freezing
// its duration. Ending an already-ended opportunity returns ErrNotFound.
func (s *OpportunityStore) End(ctx context.Context, id string, status domain.OpportunityStatus, endedAt time.Time) (domain.Opportunity, error) {
	query := `
		UPDATE opportunities SET
			status      = $2,
			ended_at    = $3,
			duration_ms = (EXTRACT(EPOCH FROM ($3::timestamptz - detected_at)) * 1000)::bigint,
			updated_at  = NOW()
		WHERE id = $1 AND status = 'active'
		RETURNING ` + opportunityCols

	o, err := scanOpportunity(s.pool.QueryRow(ctx, query, id, string(status), endedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Opportunity{}, domain.ErrNotFound
		}
		return domain.Opportunity{}, fmt.Errorf("postgres: end opportunity %s: %w", id, err)
	}
	return o, nil
}

// IncrementNotificationCount bumps the notification counter.
func (s *OpportunityStore) IncrementNotificationCount(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE opportunities SET notification_count = notification_count + 1, updated_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("postgres: increment notification count %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// limitOf applies the default page size.
func limitOf(opts domain.ListOpts) int {
	if opts.Limit <= 0 {
		return 100
	}
	return opts.Limit
}

// Compile-time interface check.
var _ domain.OpportunityStore = (*OpportunityStore)(nil)
