package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/q0821/fundingarb/internal/domain"
)

// HistoryStore implements domain.HistoryStore using PostgreSQL. Rows are
// immutable once written; the archiver reads and deletes them by age.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a new HistoryStore backed by the given pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

const historyCols = `id, opportunity_id, symbol, long_exchange, short_exchange,
	initial_spread, max_spread, avg_spread, initial_apy, max_apy,
	duration_ms, notification_count, end_reason, detected_at, ended_at`

func scanHistoryRows(rows pgx.Rows) ([]domain.OpportunityHistory, error) {
	var out []domain.OpportunityHistory
	for rows.Next() {
		var h domain.OpportunityHistory
		var reason string
		if err := rows.Scan(
			&h.ID, &h.OpportunityID, &h.Symbol, &h.LongExchange, &h.ShortExchange,
			&h.InitialSpread, &h.MaxSpread, &h.AvgSpread, &h.InitialAPY, &h.MaxAPY,
			&h.DurationMs, &h.NotificationCount, &reason, &h.DetectedAt, &h.EndedAt,
		); err != nil {
			return nil, err
		}
		h.EndReason = domain.EndReason(reason)
		out = append(out, h)
	}
	return out, rows.Err()
}

// Insert writes one history snapshot.
func (s *HistoryStore) Insert(ctx context.Context, h domain.OpportunityHistory) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	query := `
		INSERT INTO opportunity_history (` + historyCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := s.pool.Exec(ctx, query,
		h.ID, h.OpportunityID, h.Symbol, h.LongExchange, h.ShortExchange,
		h.InitialSpread, h.MaxSpread, h.AvgSpread, h.InitialAPY, h.MaxAPY,
		h.DurationMs, h.NotificationCount, string(h.EndReason), h.DetectedAt, h.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert history %s: %w", h.OpportunityID, err)
	}
	return nil
}

// ListBySymbol returns history for one symbol, newest first.
func (s *HistoryStore) ListBySymbol(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.OpportunityHistory, error) {
	query := `SELECT ` + historyCols + ` FROM opportunity_history
		WHERE symbol = $1
		  AND ($2::timestamptz IS NULL OR ended_at >= $2)
		  AND ($3::timestamptz IS NULL OR ended_at <= $3)
		ORDER BY ended_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := s.pool.Query(ctx, query, symbol, opts.Since, opts.Until, limitOf(opts), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history %s: %w", symbol, err)
	}
	defer rows.Close()
	return scanHistoryRows(rows)
}

// ListBefore returns up to limit rows ended before the cutoff, oldest first,
// for the archiver to stage.
func (s *HistoryStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.OpportunityHistory, error) {
	query := `SELECT ` + historyCols + ` FROM opportunity_history
		WHERE ended_at < $1 ORDER BY ended_at ASC LIMIT $2`

	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	defer rows.Close()
	return scanHistoryRows(rows)
}

// DeleteByIDs removes the given rows and reports how many were deleted.
func (s *HistoryStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM opportunity_history WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete history rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.HistoryStore = (*HistoryStore)(nil)
