package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/q0821/fundingarb/internal/domain"
	"github.com/q0821/fundingarb/internal/notify"
	"github.com/q0821/fundingarb/internal/rate"
)

const nanosPerHour = int64(time.Hour)

// notifySink is the debounced notification surface the monitor needs. The
// detector package's Debouncer satisfies it.
type notifySink interface {
	Notify(ctx context.Context, key, event, title, message string) bool
}

// ExitMonitor watches rate updates and advises closing open positions whose
// funding edge has gone. It suggests, never closes: a one-shot exitSuggested
// event fires when the pair's APY turns negative or drops below the user's
// threshold while accumulated funding already covers the exit cost; a
// reversal emits exitCanceled and clears the flag.
type ExitMonitor struct {
	positions domain.PositionStore
	bus       domain.SignalBus
	debouncer notifySink
	threshold decimal.Decimal // user APY floor, percent
	costs     rate.CostModel
	logger    *slog.Logger
	now       func() time.Time
}

// NewExitMonitor wires an ExitMonitor. Threshold is the APY percentage below
// which a profit-lockable position is flagged; debouncer may be nil.
func NewExitMonitor(
	positions domain.PositionStore,
	bus domain.SignalBus,
	debouncer notifySink,
	threshold decimal.Decimal,
	costs rate.CostModel,
	logger *slog.Logger,
) *ExitMonitor {
	if costs.TotalCostRate().IsZero() {
		costs = rate.DefaultCostModel()
	}
	return &ExitMonitor{
		positions: positions,
		bus:       bus,
		debouncer: debouncer,
		threshold: threshold,
		costs:     costs,
		logger:    logger.With(slog.String("component", "exit_monitor")),
		now:       time.Now,
	}
}

// Run consumes rate updates until the context ends.
func (e *ExitMonitor) Run(ctx context.Context) error {
	updates, err := e.bus.Subscribe(ctx, domain.ChannelRateUpdated)
	if err != nil {
		return fmt.Errorf("exit monitor: subscribe rate updates: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-updates:
			if !ok {
				return fmt.Errorf("exit monitor: rate update channel closed")
			}
			var upd domain.RateUpdate
			if err := json.Unmarshal(payload, &upd); err != nil {
				continue
			}
			e.Evaluate(ctx, upd.Pair)
		}
	}
}

// Evaluate checks every open position on the pair's symbol. A failure on one
// position falls back to its cached funding figure and never blocks the rest.
func (e *ExitMonitor) Evaluate(ctx context.Context, pair domain.FundingRatePair) {
	open, err := e.positions.ListOpenBySymbol(ctx, pair.Symbol)
	if err != nil {
		e.logger.Error("list open positions",
			slog.String("symbol", pair.Symbol),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, pos := range open {
		e.evaluateOne(ctx, pos, pair)
	}
}

func (e *ExitMonitor) evaluateOne(ctx context.Context, pos domain.Position, pair domain.FundingRatePair) {
	apy := e.positionAPY(pos, pair)
	funding := e.fundingPnL(ctx, pos, pair)

	suggest, reason := e.decide(pos, apy, funding)
	switch {
	case suggest && !pos.ExitSuggested:
		now := e.now()
		if err := e.positions.SetExitSuggestion(ctx, pos.ID, true, reason, &now); err != nil {
			e.logger.Error("set exit suggestion",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		e.publish(ctx, domain.ChannelExitSuggested, pos, reason, apy, funding)
		if e.debouncer != nil {
			title := fmt.Sprintf("Exit suggested: %s", pos.Symbol)
			msg := fmt.Sprintf("%s: %s (APY %s%%, funding %s)",
				pos.Symbol, reason, apy.Round(2), funding.Round(4))
			e.debouncer.Notify(ctx, "position:"+pos.ID, notify.EventExitSuggested, title, msg)
		}
		e.logger.Info("exit suggested",
			slog.String("position_id", pos.ID),
			slog.String("reason", reason),
			slog.String("apy", apy.String()),
		)

	case !suggest && pos.ExitSuggested:
		if err := e.positions.SetExitSuggestion(ctx, pos.ID, false, "", nil); err != nil {
			e.logger.Error("clear exit suggestion",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		e.publish(ctx, domain.ChannelExitCanceled, pos, "conditions recovered", apy, funding)
		e.logger.Info("exit suggestion canceled", slog.String("position_id", pos.ID))
	}
}

// decide applies the advisory rules: negative APY always suggests; below the
// user threshold only when funding income already covers the exit cost.
func (e *ExitMonitor) decide(pos domain.Position, apy, funding decimal.Decimal) (bool, string) {
	if apy.IsNegative() {
		return true, "funding spread turned negative"
	}
	if e.threshold.IsPositive() && apy.LessThan(e.threshold) {
		exitCost := e.costs.EstimatedExitCost(pos.Notional())
		if funding.GreaterThanOrEqual(exitCost) {
			return true, "profit lockable: funding income covers exit cost"
		}
	}
	return false, ""
}

// positionAPY computes the pair's APY as seen from this position's legs. The
// published pair picks the globally best legs, which need not match the legs
// the position actually holds.
func (e *ExitMonitor) positionAPY(pos domain.Position, pair domain.FundingRatePair) decimal.Decimal {
	longSample, okLong := pair.Samples[pos.Long().Exchange]
	shortSample, okShort := pair.Samples[pos.Short().Exchange]
	if !okLong || !okShort || longSample.IntervalHours <= 0 || shortSample.IntervalHours <= 0 {
		return pair.APY
	}
	basis := longSample.IntervalHours
	if shortSample.IntervalHours < basis {
		basis = shortSample.IntervalHours
	}
	longRate, err := rate.Normalize(longSample.Rate, longSample.IntervalHours, basis)
	if err != nil {
		return pair.APY
	}
	shortRate, err := rate.Normalize(shortSample.Rate, shortSample.IntervalHours, basis)
	if err != nil {
		return pair.APY
	}
	return rate.AnnualizedReturn(shortRate.Sub(longRate), basis)
}

// fundingPnL estimates cumulative funding income since open from the current
// spread and elapsed settlement intervals. On estimation failure it falls
// back to the last cached figure; on success it refreshes the cache.
func (e *ExitMonitor) fundingPnL(ctx context.Context, pos domain.Position, pair domain.FundingRatePair) decimal.Decimal {
	cached := decimal.Zero
	if pos.CachedFundingPnL != nil {
		cached = *pos.CachedFundingPnL
	}

	shortSample, ok := pair.Samples[pos.Short().Exchange]
	if !ok || shortSample.IntervalHours <= 0 {
		return cached
	}
	longSample, ok := pair.Samples[pos.Long().Exchange]
	if !ok || longSample.IntervalHours <= 0 {
		return cached
	}
	basis := longSample.IntervalHours
	if shortSample.IntervalHours < basis {
		basis = shortSample.IntervalHours
	}
	longRate, err := rate.Normalize(longSample.Rate, longSample.IntervalHours, basis)
	if err != nil {
		return cached
	}
	shortRate, err := rate.Normalize(shortSample.Rate, shortSample.IntervalHours, basis)
	if err != nil {
		return cached
	}
	spread := shortRate.Sub(longRate)

	elapsed := e.now().Sub(pos.OpenedAt)
	if elapsed <= 0 {
		return cached
	}
	intervals := decimal.NewFromInt(int64(elapsed)).Div(decimal.NewFromInt(int64(basis) * nanosPerHour))
	pnl := pos.Notional().Mul(spread).Mul(intervals)

	if err := e.positions.SetCachedFundingPnL(ctx, pos.ID, pnl); err != nil {
		e.logger.Warn("cache funding pnl",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	return pnl
}

type exitEvent struct {
	PositionID string          `json:"positionId"`
	Symbol     string          `json:"symbol"`
	Reason     string          `json:"reason"`
	APY        decimal.Decimal `json:"apy"`
	FundingPnL decimal.Decimal `json:"fundingPnl"`
	Room       string          `json:"room"`
}

func (e *ExitMonitor) publish(ctx context.Context, channel string, pos domain.Position, reason string, apy, funding decimal.Decimal) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(exitEvent{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Reason:     reason,
		APY:        apy,
		FundingPnL: funding,
		Room:       domain.PositionRoom(pos.ID),
	})
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, channel, payload); err != nil {
		e.logger.Warn("publish exit event",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
