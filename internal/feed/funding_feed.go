// Package feed aggregates funding-rate samples from every venue connector
// into per-symbol cross-venue pairs and publishes rate-updated events on the
// signal bus.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/q0821/fundingarb/internal/domain"
	"github.com/q0821/fundingarb/internal/rate"
)

// staleSampleAge is how old a venue sample may grow before it is dropped
// from pair computation.
const staleSampleAge = 10 * time.Minute

// Feed fans in connector events, keeps the latest sample per
// (exchange, symbol), and recomputes every ordered cross-venue pair on each
// update. Only the latest value per key matters; intermediate samples are
// coalesced away when consumers lag.
type Feed struct {
	connectors []domain.VenueConnector
	symbols    []string
	bus        domain.SignalBus
	validator  *Validator // optional settlement-interval auditor
	logger     *slog.Logger

	mu      sync.RWMutex
	samples map[string]map[string]domain.FundingRateSample // symbol -> exchange -> sample
	pairs   map[string]domain.FundingRatePair
}

// New creates a Feed over the given connectors and symbol universe.
func New(connectors []domain.VenueConnector, symbols []string, bus domain.SignalBus, logger *slog.Logger) *Feed {
	return &Feed{
		connectors: connectors,
		symbols:    symbols,
		bus:        bus,
		logger:     logger.With(slog.String("component", "funding_feed")),
		samples:    make(map[string]map[string]domain.FundingRateSample),
		pairs:      make(map[string]domain.FundingRatePair),
	}
}

// SetValidator attaches a settlement-interval auditor. Must be called before
// Run.
func (f *Feed) SetValidator(v *Validator) { f.validator = v }

// ReportedInterval returns the interval the venue currently reports for a
// key, for the validator's sweep.
func (f *Feed) ReportedInterval(exchange, symbol string) (int, bool) {
	s, ok := f.Sample(exchange, symbol)
	if !ok || s.IntervalHours <= 0 {
		return 0, false
	}
	return s.IntervalHours, true
}

// Run subscribes every connector to the funding stream for every symbol and
// consumes their event channels until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	for _, conn := range f.connectors {
		for _, symbol := range f.symbols {
			if err := conn.Subscribe(ctx, domain.SubFundingRate, symbol); err != nil {
				f.logger.Warn("subscribe failed",
					slog.String("exchange", conn.Name()),
					slog.String("symbol", symbol),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	f.logger.Info("funding feed started",
		slog.Int("connectors", len(f.connectors)),
		slog.Int("symbols", len(f.symbols)),
	)
	defer f.logger.Info("funding feed stopped")

	g, ctx := errgroup.WithContext(ctx)
	for _, conn := range f.connectors {
		g.Go(func() error {
			return f.consume(ctx, conn)
		})
	}
	return g.Wait()
}

func (f *Feed) consume(ctx context.Context, conn domain.VenueConnector) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-conn.Events():
			if !ok {
				return nil
			}
			if ev.Type != domain.EventFundingRate || ev.Sample == nil {
				continue
			}
			f.Ingest(ctx, *ev.Sample)
		}
	}
}

// Ingest records one sample and republishes the symbol's pair set. Samples
// with an unresolved interval are kept for mark price but excluded from
// spreads.
func (f *Feed) Ingest(ctx context.Context, sample domain.FundingRateSample) {
	if f.validator != nil {
		f.validator.Observe(sample)
	}

	f.mu.Lock()
	bySymbol, ok := f.samples[sample.Symbol]
	if !ok {
		bySymbol = make(map[string]domain.FundingRateSample)
		f.samples[sample.Symbol] = bySymbol
	}
	bySymbol[sample.Exchange] = sample

	pairs, viable := computePairs(sample.Symbol, bySymbol, time.Now())
	var best domain.FundingRatePair
	if viable {
		best = bestPair(pairs)
		f.pairs[sample.Symbol] = best
	}
	f.mu.Unlock()

	if !viable {
		return
	}
	f.publish(ctx, best, pairs)
}

// Pair returns the latest computed pair for a symbol.
func (f *Feed) Pair(symbol string) (domain.FundingRatePair, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	pair, ok := f.pairs[symbol]
	return pair, ok
}

// Pairs returns a snapshot of all computed pairs.
func (f *Feed) Pairs() []domain.FundingRatePair {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.FundingRatePair, 0, len(f.pairs))
	for _, pair := range f.pairs {
		out = append(out, pair)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Sample returns the latest raw sample for one exchange and symbol.
func (f *Feed) Sample(exchange, symbol string) (domain.FundingRateSample, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.samples[symbol][exchange]
	return s, ok
}

func (f *Feed) publish(ctx context.Context, best domain.FundingRatePair, pairs []domain.FundingRatePair) {
	payload, err := json.Marshal(domain.RateUpdate{Symbol: best.Symbol, Pair: best, Pairs: pairs})
	if err != nil {
		f.logger.Error("marshal rate update", slog.String("error", err.Error()))
		return
	}
	if err := f.bus.Publish(ctx, domain.ChannelRateUpdated, payload); err != nil {
		f.logger.Warn("publish rate update",
			slog.String("symbol", best.Symbol),
			slog.String("error", err.Error()),
		)
	}
}

// computePairs derives every ordered long/short assignment between distinct
// fresh venues for a symbol. Rates are normalized onto the shortest
// settlement interval present before comparison, and pairs come out in a
// deterministic order. At least two fresh venues with resolved intervals are
// required. Each direction is emitted even when its spread is negative, so a
// downstream consumer tracking one assignment keeps receiving updates after a
// different assignment becomes the widest.
func computePairs(symbol string, bySymbol map[string]domain.FundingRateSample, now time.Time) ([]domain.FundingRatePair, bool) {
	fresh := make(map[string]domain.FundingRateSample, len(bySymbol))
	basis := 0
	for exchange, s := range bySymbol {
		if s.IntervalHours <= 0 || now.Sub(s.RecordedAt) > staleSampleAge {
			continue
		}
		fresh[exchange] = s
		if basis == 0 || s.IntervalHours < basis {
			basis = s.IntervalHours
		}
	}
	if len(fresh) < 2 {
		return nil, false
	}

	normalized := make(map[string]decimal.Decimal, len(fresh))
	exchanges := make([]string, 0, len(fresh))
	for exchange, s := range fresh {
		norm, err := rate.Normalize(s.Rate, s.IntervalHours, basis)
		if err != nil {
			continue
		}
		normalized[exchange] = norm
		exchanges = append(exchanges, exchange)
	}
	if len(exchanges) < 2 {
		return nil, false
	}
	sort.Strings(exchanges)

	pairs := make([]domain.FundingRatePair, 0, len(exchanges)*(len(exchanges)-1))
	for _, longEx := range exchanges {
		for _, shortEx := range exchanges {
			if longEx == shortEx {
				continue
			}
			spread := normalized[shortEx].Sub(normalized[longEx])
			pairs = append(pairs, domain.FundingRatePair{
				Symbol:    symbol,
				Samples:   fresh,
				LongSide:  longEx,
				ShortSide: shortEx,
				Spread:    spread,
				APY:       rate.AnnualizedReturn(spread, basis),
				UpdatedAt: now,
			})
		}
	}
	return pairs, true
}

// bestPair picks the widest-spread assignment for the symbol's headline view.
func bestPair(pairs []domain.FundingRatePair) domain.FundingRatePair {
	best := pairs[0]
	for _, p := range pairs[1:] {
		if p.Spread.GreaterThan(best.Spread) {
			best = p
		}
	}
	return best
}
