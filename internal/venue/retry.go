// Package venue provides the infrastructure shared by every exchange
// connector: the bounded retry wrapper, the process-wide settlement-interval
// cache, canonical symbol translation, and the subscription supervisor.
package venue

import (
	"context"
	"log/slog"
	"time"

	"github.com/q0821/fundingarb/internal/domain"
)

const (
	// defaultRetryAttempts bounds every outbound venue call.
	defaultRetryAttempts = 3

	// defaultRetryBackoff is the fixed wait between attempts.
	defaultRetryBackoff = 2 * time.Second
)

// Retrier wraps outbound venue calls with bounded retries. Transient errors
// (connection, rate limit) are retried with fixed backoff; API and validation
// errors surface immediately.
type Retrier struct {
	Attempts int
	Backoff  time.Duration
	logger   *slog.Logger

	// closed is checked before every attempt; once the connector is torn down
	// no further retries are made.
	closed func() bool
}

// NewRetrier creates a Retrier with the given bounds. closed reports whether
// the owning connector has been shut down; it may be nil.
func NewRetrier(attempts int, backoff time.Duration, closed func() bool, logger *slog.Logger) *Retrier {
	if attempts < 1 {
		attempts = defaultRetryAttempts
	}
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	return &Retrier{
		Attempts: attempts,
		Backoff:  backoff,
		closed:   closed,
		logger:   logger,
	}
}

// Do runs fn up to Attempts times. The last error is returned when every
// attempt fails; non-retryable errors are returned on first occurrence.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.Attempts; attempt++ {
		if r.closed != nil && r.closed() {
			return domain.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !domain.Retryable(lastErr) {
			return lastErr
		}
		if attempt == r.Attempts {
			break
		}

		if r.logger != nil {
			r.logger.Warn("retrying venue call",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.Backoff):
		}
	}
	return lastErr
}
