package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/q0821/fundingarb/internal/domain"
)

// ValidationStore implements domain.ValidationStore using PostgreSQL. Each
// row records a venue-reported settlement interval checked against the one
// detected from settlement history.
type ValidationStore struct {
	pool *pgxpool.Pool
}

// NewValidationStore creates a new ValidationStore backed by the given pool.
func NewValidationStore(pool *pgxpool.Pool) *ValidationStore {
	return &ValidationStore{pool: pool}
}

// Insert writes one validation record.
func (s *ValidationStore) Insert(ctx context.Context, rec domain.RateValidationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	query := `
		INSERT INTO rate_validations (id, exchange, symbol, reported_interval, detected_interval, match, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Exchange, rec.Symbol, rec.ReportedInterval, rec.DetectedInterval, rec.Match, rec.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert validation %s/%s: %w", rec.Exchange, rec.Symbol, err)
	}
	return nil
}

// ListMismatches returns records where the reported and detected intervals
// disagree, newest first.
func (s *ValidationStore) ListMismatches(ctx context.Context, opts domain.ListOpts) ([]domain.RateValidationRecord, error) {
	query := `
		SELECT id, exchange, symbol, reported_interval, detected_interval, match, checked_at
		FROM rate_validations
		WHERE match = FALSE
		  AND ($1::timestamptz IS NULL OR checked_at >= $1)
		  AND ($2::timestamptz IS NULL OR checked_at <= $2)
		ORDER BY checked_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := s.pool.Query(ctx, query, opts.Since, opts.Until, limitOf(opts), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list validation mismatches: %w", err)
	}
	defer rows.Close()

	var out []domain.RateValidationRecord
	for rows.Next() {
		var r domain.RateValidationRecord
		if err := rows.Scan(
			&r.ID, &r.Exchange, &r.Symbol, &r.ReportedInterval, &r.DetectedInterval, &r.Match, &r.CheckedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Compile-time interface check.
var _ domain.ValidationStore = (*ValidationStore)(nil)
