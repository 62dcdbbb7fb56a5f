package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/q0821/fundingarb/internal/domain"
	"github.com/q0821/fundingarb/internal/rate"
)

// maxObservedSettlements bounds the per-key settlement ring.
const maxObservedSettlements = 16

// Validator audits venue-reported settlement intervals against the intervals
// actually observed on the wire. Every time a sample's next-settlement moves
// forward the old value is recorded as an observed settlement; once enough
// accumulate, the detected cadence is compared with what the venue reports
// and the result is written to the audit store.
type Validator struct {
	store  domain.ValidationStore
	logger *slog.Logger

	mu       sync.Mutex
	observed map[string][]time.Time // exchange:symbol -> settlement times
	lastNext map[string]time.Time
}

// NewValidator creates a Validator writing to the given audit store.
func NewValidator(store domain.ValidationStore, logger *slog.Logger) *Validator {
	return &Validator{
		store:    store,
		logger:   logger.With(slog.String("component", "rate_validator")),
		observed: make(map[string][]time.Time),
		lastNext: make(map[string]time.Time),
	}
}

func validationKey(exchange, symbol string) string {
	return exchange + ":" + symbol
}

// Observe feeds one sample into the settlement tracker.
func (v *Validator) Observe(sample domain.FundingRateSample) {
	if sample.NextSettlement.IsZero() {
		return
	}
	key := validationKey(sample.Exchange, sample.Symbol)

	v.mu.Lock()
	defer v.mu.Unlock()

	prev, ok := v.lastNext[key]
	v.lastNext[key] = sample.NextSettlement
	if !ok || !sample.NextSettlement.After(prev) {
		return
	}

	// The settlement boundary moved: prev has settled.
	times := append(v.observed[key], prev)
	if len(times) > maxObservedSettlements {
		times = times[len(times)-maxObservedSettlements:]
	}
	v.observed[key] = times
}

// Sweep runs one validation pass over every tracked key, writing an audit
// record for each key with enough observed settlements. reported returns the
// currently reported interval for a key, or false when unknown.
func (v *Validator) Sweep(ctx context.Context, reported func(exchange, symbol string) (int, bool)) {
	type check struct {
		exchange, symbol string
		times            []time.Time
	}

	v.mu.Lock()
	checks := make([]check, 0, len(v.observed))
	for key, times := range v.observed {
		if len(times) < 3 {
			continue
		}
		exchange, symbol := splitValidationKey(key)
		checks = append(checks, check{exchange: exchange, symbol: symbol, times: append([]time.Time(nil), times...)})
	}
	v.mu.Unlock()

	for _, c := range checks {
		detected, ok := rate.DetectInterval(c.times)
		if !ok {
			continue
		}
		reportedHours, ok := reported(c.exchange, c.symbol)
		if !ok {
			continue
		}

		rec := domain.RateValidationRecord{
			Exchange:         c.exchange,
			Symbol:           c.symbol,
			ReportedInterval: reportedHours,
			DetectedInterval: detected,
			Match:            reportedHours == detected,
			CheckedAt:        time.Now(),
		}
		if !rec.Match {
			v.logger.Warn("settlement interval mismatch",
				slog.String("exchange", c.exchange),
				slog.String("symbol", c.symbol),
				slog.Int("reported", reportedHours),
				slog.Int("detected", detected),
			)
		}
		if err := v.store.Insert(ctx, rec); err != nil {
			v.logger.Error("write validation record", slog.String("error", err.Error()))
		}
	}
}

func splitValidationKey(key string) (exchange, symbol string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
