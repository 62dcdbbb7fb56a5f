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

// NotificationStore implements domain.NotificationStore using PostgreSQL.
// The log is append-only; the archiver prunes it by age.
type NotificationStore struct {
	pool *pgxpool.Pool
}

// NewNotificationStore creates a new NotificationStore backed by the given pool.
func NewNotificationStore(pool *pgxpool.Pool) *NotificationStore {
	return &NotificationStore{pool: pool}
}

const notificationCols = `id, opportunity_key, event, suppressed, suppressed_count, message, sent_at`

func scanNotificationRows(rows pgx.Rows) ([]domain.NotificationRecord, error) {
	var out []domain.NotificationRecord
	for rows.Next() {
		var n domain.NotificationRecord
		if err := rows.Scan(
			&n.ID, &n.OpportunityKey, &n.Event, &n.Suppressed, &n.SuppressedCount, &n.Message, &n.SentAt,
		); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Insert appends one notification record.
func (s *NotificationStore) Insert(ctx context.Context, rec domain.NotificationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	query := `
		INSERT INTO notifications (` + notificationCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.OpportunityKey, rec.Event, rec.Suppressed, rec.SuppressedCount, rec.Message, rec.SentAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert notification %s: %w", rec.OpportunityKey, err)
	}
	return nil
}

// ListByKey returns notifications for one opportunity key, newest first.
func (s *NotificationStore) ListByKey(ctx context.Context, key string, opts domain.ListOpts) ([]domain.NotificationRecord, error) {
	query := `SELECT ` + notificationCols + ` FROM notifications
		WHERE opportunity_key = $1
		  AND ($2::timestamptz IS NULL OR sent_at >= $2)
		  AND ($3::timestamptz IS NULL OR sent_at <= $3)
		ORDER BY sent_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := s.pool.Query(ctx, query, key, opts.Since, opts.Until, limitOf(opts), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list notifications %s: %w", key, err)
	}
	defer rows.Close()
	return scanNotificationRows(rows)
}

// ListBefore returns up to limit records sent before the cutoff, oldest first.
func (s *NotificationStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.NotificationRecord, error) {
	query := `SELECT ` + notificationCols + ` FROM notifications
		WHERE sent_at < $1 ORDER BY sent_at ASC LIMIT $2`

	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list notifications before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	defer rows.Close()
	return scanNotificationRows(rows)
}

// DeleteByIDs removes the given records and reports how many were deleted.
func (s *NotificationStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM notifications WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete notification rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.NotificationStore = (*NotificationStore)(nil)
