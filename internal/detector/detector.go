// Package detector drives the opportunity state machine. It consumes rate
// updates from the signal bus, opens an active opportunity when a pair's
// annualized return crosses the detection threshold, keeps current and
// maximum values fresh while the opportunity lives, and ends it with an
// immutable history snapshot when the spread narrows or samples stop
// arriving.
package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/q0821/fundingarb/internal/domain"
	"github.com/q0821/fundingarb/internal/notify"
	"github.com/q0821/fundingarb/internal/rate"
)

const (
	// defaultThresholdAPY opens an opportunity at 800% annualized.
	defaultThresholdAPY = 800

	// expiryFraction ends an active opportunity once its APY drops below
	// this fraction of the detection threshold. The gap keeps opportunities
	// hovering near the threshold from flapping.
	expiryFraction = 0.75

	// staleAfter ends an active opportunity whose pair has produced no
	// update for this long.
	staleAfter = 5 * time.Minute

	sweepInterval = time.Minute
)

// Config tunes detection behavior. Zero values fall back to defaults. The
// notification debounce window lives on the shared Debouncer, not here.
type Config struct {
	ThresholdAPY decimal.Decimal
	Costs        rate.CostModel
}

// tracker accumulates per-key running state while an opportunity is active:
// the spread sum and count for the average written to history, and the last
// time the pair was seen for staleness sweeps.
type tracker struct {
	id        string
	spreadSum decimal.Decimal
	samples   int64
	lastSeen  time.Time
}

// Detector is the opportunity state machine.
type Detector struct {
	opps      domain.OpportunityStore
	history   domain.HistoryStore
	bus       domain.SignalBus
	debouncer *Debouncer
	threshold decimal.Decimal
	expiryAt  decimal.Decimal
	costs     rate.CostModel
	logger    *slog.Logger

	mu       sync.Mutex
	trackers map[string]*tracker
	now      func() time.Time
}

// New creates a Detector. The debouncer is shared with other notification
// producers and may be nil in tests.
func New(cfg Config, opps domain.OpportunityStore, history domain.HistoryStore, bus domain.SignalBus, debouncer *Debouncer, logger *slog.Logger) *Detector {
	threshold := cfg.ThresholdAPY
	if threshold.IsZero() {
		threshold = decimal.NewFromInt(defaultThresholdAPY)
	}
	costs := cfg.Costs
	if costs.TotalCostRate().IsZero() {
		costs = rate.DefaultCostModel()
	}
	return &Detector{
		opps:      opps,
		history:   history,
		bus:       bus,
		debouncer: debouncer,
		threshold: threshold,
		expiryAt:  threshold.Mul(decimal.NewFromFloat(expiryFraction)),
		costs:     costs,
		logger:    logger.With(slog.String("component", "detector")),
		trackers:  make(map[string]*tracker),
		now:       time.Now,
	}
}

// Run consumes rate updates until the context ends. A periodic sweep ends
// opportunities whose pairs have gone quiet.
func (d *Detector) Run(ctx context.Context) error {
	updates, err := d.bus.Subscribe(ctx, domain.ChannelRateUpdated)
	if err != nil {
		return fmt.Errorf("detector: subscribe rate updates: %w", err)
	}
	d.logger.Info("detector started",
		slog.String("threshold_apy", d.threshold.String()),
	)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.sweepStale(ctx)
		case payload, ok := <-updates:
			if !ok {
				return fmt.Errorf("detector: rate update channel closed")
			}
			var upd domain.RateUpdate
			if err := json.Unmarshal(payload, &upd); err != nil {
				d.logger.Warn("malformed rate update", slog.String("error", err.Error()))
				continue
			}
			// Every ordered venue pair is tracked independently; the
			// headline pair alone would starve keys that stop being
			// the widest.
			pairs := upd.Pairs
			if len(pairs) == 0 {
				pairs = []domain.FundingRatePair{upd.Pair}
			}
			for _, pair := range pairs {
				if err := d.Evaluate(ctx, pair); err != nil {
					d.logger.Error("evaluate pair",
						slog.String("symbol", upd.Symbol),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// Evaluate runs one pair through the state machine.
func (d *Detector) Evaluate(ctx context.Context, pair domain.FundingRatePair) error {
	if pair.LongSide == "" || pair.ShortSide == "" {
		return nil
	}
	key := domain.OpportunityKey(pair.Symbol, pair.LongSide, pair.ShortSide)
	now := d.now()

	active, err := d.opps.GetActive(ctx, pair.Symbol, pair.LongSide, pair.ShortSide)
	switch {
	case err == nil:
		if pair.APY.LessThan(d.expiryAt) {
			return d.end(ctx, active, domain.EndReasonSpreadNarrowed, now)
		}
		// Still live: refresh current values, raise maxima.
		if _, err := d.upsert(ctx, pair, now); err != nil {
			return err
		}
		d.observe(key, active.ID, pair.Spread, now)
		return nil

	case errors.Is(err, domain.ErrNotFound):
		if pair.APY.LessThan(d.threshold) || !d.costs.IsProfitable(pair.Spread) {
			return nil
		}
		opp, err := d.upsert(ctx, pair, now)
		if err != nil {
			return err
		}
		d.observe(key, opp.ID, pair.Spread, now)
		d.logger.Info("opportunity detected",
			slog.String("key", key),
			slog.String("spread", pair.Spread.String()),
			slog.String("apy", pair.APY.String()),
		)
		d.notifyDetected(ctx, opp, pair)
		return nil

	default:
		return fmt.Errorf("detector: get active %s: %w", key, err)
	}
}

func (d *Detector) upsert(ctx context.Context, pair domain.FundingRatePair, now time.Time) (domain.Opportunity, error) {
	opp := domain.Opportunity{
		Symbol:        pair.Symbol,
		LongExchange:  pair.LongSide,
		ShortExchange: pair.ShortSide,
		Status:        domain.OpportunityActive,
		InitialSpread: pair.Spread,
		CurrentSpread: pair.Spread,
		MaxSpread:     pair.Spread,
		MaxSpreadAt:   now,
		InitialAPY:    pair.APY,
		CurrentAPY:    pair.APY,
		MaxAPY:        pair.APY,
		DetectedAt:    now,
	}
	if s, ok := pair.Samples[pair.LongSide]; ok {
		opp.LongIntervalHours = s.IntervalHours
	}
	if s, ok := pair.Samples[pair.ShortSide]; ok {
		opp.ShortIntervalHours = s.IntervalHours
	}
	stored, err := d.opps.UpsertActive(ctx, opp)
	if err != nil {
		return domain.Opportunity{}, fmt.Errorf("detector: upsert %s: %w", opp.Key(), err)
	}
	return stored, nil
}

// end transitions an opportunity out of the active state and writes its
// history snapshot exactly once. The store's End is the gate: a concurrent
// end loses the race, gets ErrNotFound, and writes nothing.
func (d *Detector) end(ctx context.Context, active domain.Opportunity, reason domain.EndReason, now time.Time) error {
	status := domain.OpportunityExpired
	if reason == domain.EndReasonUserClosed {
		status = domain.OpportunityClosed
	}
	ended, err := d.opps.End(ctx, active.ID, status, now)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detector: end %s: %w", active.Key(), err)
	}

	avg := d.takeAverage(ended.Key(), ended.CurrentSpread)

	var duration int64
	if ended.DurationMs != nil {
		duration = *ended.DurationMs
	}
	endedAt := now
	if ended.EndedAt != nil {
		endedAt = *ended.EndedAt
	}
	h := domain.OpportunityHistory{
		OpportunityID:     ended.ID,
		Symbol:            ended.Symbol,
		LongExchange:      ended.LongExchange,
		ShortExchange:     ended.ShortExchange,
		InitialSpread:     ended.InitialSpread,
		MaxSpread:         ended.MaxSpread,
		AvgSpread:         avg,
		InitialAPY:        ended.InitialAPY,
		MaxAPY:            ended.MaxAPY,
		DurationMs:        duration,
		NotificationCount: ended.NotificationCount,
		EndReason:         reason,
		DetectedAt:        ended.DetectedAt,
		EndedAt:           endedAt,
	}
	if err := d.history.Insert(ctx, h); err != nil {
		return fmt.Errorf("detector: write history %s: %w", ended.Key(), err)
	}

	d.logger.Info("opportunity ended",
		slog.String("key", ended.Key()),
		slog.String("reason", string(reason)),
		slog.Int64("duration_ms", duration),
	)
	d.notifyEnded(ctx, ended, reason)
	return nil
}

// observe records one spread sample toward the running average and marks the
// pair fresh.
func (d *Detector) observe(key, id string, spread decimal.Decimal, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tr := d.trackers[key]
	if tr == nil || tr.id != id {
		tr = &tracker{id: id}
		d.trackers[key] = tr
	}
	tr.spreadSum = tr.spreadSum.Add(spread)
	tr.samples++
	tr.lastSeen = now
}

// takeAverage removes the key's tracker and returns the accumulated average
// spread, falling back to the given value when nothing was tracked (detector
// restart mid-opportunity).
func (d *Detector) takeAverage(key string, fallback decimal.Decimal) decimal.Decimal {
	d.mu.Lock()
	defer d.mu.Unlock()
	tr := d.trackers[key]
	delete(d.trackers, key)
	if tr == nil || tr.samples == 0 {
		return fallback
	}
	return tr.spreadSum.Div(decimal.NewFromInt(tr.samples))
}

// sweepStale ends active opportunities whose pairs have produced no update
// within staleAfter. Opportunities with no tracker at all (restart) are given
// a full window from now before they can be swept.
func (d *Detector) sweepStale(ctx context.Context) {
	now := d.now()
	actives, err := d.opps.ListActive(ctx)
	if err != nil {
		d.logger.Error("list active for sweep", slog.String("error", err.Error()))
		return
	}
	for _, opp := range actives {
		key := opp.Key()
		d.mu.Lock()
		tr := d.trackers[key]
		if tr == nil || tr.id != opp.ID {
			d.trackers[key] = &tracker{id: opp.ID, lastSeen: now}
			d.mu.Unlock()
			continue
		}
		stale := now.Sub(tr.lastSeen) >= staleAfter
		d.mu.Unlock()
		if !stale {
			continue
		}
		if err := d.end(ctx, opp, domain.EndReasonSampleLost, now); err != nil {
			d.logger.Error("end stale opportunity",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (d *Detector) notifyDetected(ctx context.Context, opp domain.Opportunity, pair domain.FundingRatePair) {
	if d.debouncer == nil {
		return
	}
	title := fmt.Sprintf("Opportunity: %s", opp.Symbol)
	msg := fmt.Sprintf("%s long %s / short %s, spread %s, APY %s%%",
		opp.Symbol, opp.LongExchange, opp.ShortExchange,
		pair.Spread.String(), pair.APY.Round(2).String())
	if !d.debouncer.Notify(ctx, opp.Key(), notify.EventOpportunityDetected, title, msg) {
		return
	}
	if err := d.opps.IncrementNotificationCount(ctx, opp.ID); err != nil {
		d.logger.Warn("bump notification count",
			slog.String("key", opp.Key()),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Detector) notifyEnded(ctx context.Context, opp domain.Opportunity, reason domain.EndReason) {
	if d.debouncer == nil {
		return
	}
	title := fmt.Sprintf("Opportunity ended: %s", opp.Symbol)
	msg := fmt.Sprintf("%s long %s / short %s ended (%s), max spread %s",
		opp.Symbol, opp.LongExchange, opp.ShortExchange,
		reason, opp.MaxSpread.String())
	d.debouncer.Notify(ctx, opp.Key(), notify.EventOpportunityExpired, title, msg)
}
