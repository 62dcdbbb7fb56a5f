package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/q0821/fundingarb/internal/domain"
	"github.com/q0821/fundingarb/internal/rate"
)

func openWithTriggers(t *testing.T, f *managerFixture, stop, take string) domain.Position {
	t.Helper()
	req := openRequest("1", 1)
	if stop != "" {
		v := dec(stop)
		req.StopLossPct = &v
	}
	if take != "" {
		v := dec(take)
		req.TakeProfitPct = &v
	}
	got, err := f.manager.Open(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	return got[0]
}

func TestConditionalMonitorStopLoss(t *testing.T) {
	f := newManagerFixture(t)
	mon := NewConditionalMonitor(f.manager, time.Hour, discardLogger())
	pos := openWithTriggers(t, f, "2", "")

	// Long entry 100, short entry 100. Long mark drops to 97 while the short
	// venue holds: price pnl = -3% of notional, past the 2% stop.
	f.long.price = dec("97")
	mon.Scan(context.Background())

	stored, _ := f.positions.GetByID(context.Background(), pos.ID)
	if stored.Status != domain.PositionClosed {
		t.Fatalf("status = %s, want closed by stop loss", stored.Status)
	}
}

func TestConditionalMonitorTakeProfit(t *testing.T) {
	f := newManagerFixture(t)
	mon := NewConditionalMonitor(f.manager, time.Hour, discardLogger())
	pos := openWithTriggers(t, f, "", "2")

	f.long.price = dec("103")
	mon.Scan(context.Background())

	stored, _ := f.positions.GetByID(context.Background(), pos.ID)
	if stored.Status != domain.PositionClosed {
		t.Fatalf("status = %s, want closed by take profit", stored.Status)
	}
}

func TestConditionalMonitorNoTriggerInsideBand(t *testing.T) {
	f := newManagerFixture(t)
	mon := NewConditionalMonitor(f.manager, time.Hour, discardLogger())
	pos := openWithTriggers(t, f, "5", "5")

	f.long.price = dec("101")
	mon.Scan(context.Background())

	stored, _ := f.positions.GetByID(context.Background(), pos.ID)
	if stored.Status != domain.PositionOpen {
		t.Fatalf("status = %s, want untouched open", stored.Status)
	}
}

func TestConditionalMonitorStopWaitsForScan(t *testing.T) {
	f := newManagerFixture(t)
	mon := NewConditionalMonitor(f.manager, 10*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		mon.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

// exitPair builds a rate pair matching the fixture's binance-long /
// bybit-short legs with the given per-interval rates on an 8h basis.
func exitPair(longRate, shortRate string) domain.FundingRatePair {
	long := dec(longRate)
	short := dec(shortRate)
	spread := short.Sub(long)
	return domain.FundingRatePair{
		Symbol: "BTCUSDT",
		Samples: map[string]domain.FundingRateSample{
			domain.ExchangeBinance: {Exchange: domain.ExchangeBinance, Rate: long, IntervalHours: 8},
			domain.ExchangeBybit:   {Exchange: domain.ExchangeBybit, Rate: short, IntervalHours: 8},
		},
		LongSide:  domain.ExchangeBinance,
		ShortSide: domain.ExchangeBybit,
		Spread:    spread,
		APY:       rate.AnnualizedReturn(spread, 8),
		UpdatedAt: time.Now(),
	}
}

func newExitMonitor(f *managerFixture, threshold string) *ExitMonitor {
	return NewExitMonitor(
		f.positions, nil, nil,
		dec(threshold), rate.DefaultCostModel(), discardLogger(),
	)
}

func TestExitMonitorSuggestsOnNegativeAPY(t *testing.T) {
	f := newManagerFixture(t)
	mon := newExitMonitor(f, "0")
	got, err := f.manager.Open(context.Background(), openRequest("1", 1))
	if err != nil {
		t.Fatal(err)
	}

	mon.Evaluate(context.Background(), exitPair("0.0008", "0.0001"))

	stored, _ := f.positions.GetByID(context.Background(), got[0].ID)
	if !stored.ExitSuggested {
		t.Fatal("expected exit suggestion on negative spread")
	}
	if stored.ExitReason == "" || stored.ExitSuggestedAt == nil {
		t.Fatalf("reason=%q at=%v", stored.ExitReason, stored.ExitSuggestedAt)
	}
}

func TestExitMonitorCancelsOnReversal(t *testing.T) {
	f := newManagerFixture(t)
	mon := newExitMonitor(f, "0")
	got, err := f.manager.Open(context.Background(), openRequest("1", 1))
	if err != nil {
		t.Fatal(err)
	}

	mon.Evaluate(context.Background(), exitPair("0.0008", "0.0001"))
	mon.Evaluate(context.Background(), exitPair("0.0001", "0.0008"))

	stored, _ := f.positions.GetByID(context.Background(), got[0].ID)
	if stored.ExitSuggested {
		t.Fatal("expected suggestion cleared after reversal")
	}
	if stored.ExitReason != "" {
		t.Fatalf("reason = %q, want cleared", stored.ExitReason)
	}
}

func TestExitMonitorProfitLockable(t *testing.T) {
	f := newManagerFixture(t)
	// Very high user threshold so any positive APY is "below threshold".
	mon := newExitMonitor(f, "100000")
	got, err := f.manager.Open(context.Background(), openRequest("1", 1))
	if err != nil {
		t.Fatal(err)
	}
	// Accumulated funding well above the exit cost of a 100-notional position.
	if err := f.positions.SetCachedFundingPnL(context.Background(), got[0].ID, dec("5")); err != nil {
		t.Fatal(err)
	}
	// Backdate the open so the funding estimate stays positive and large.
	pos, _ := f.positions.GetByID(context.Background(), got[0].ID)
	pos.OpenedAt = time.Now().Add(-240 * time.Hour)
	if err := f.positions.Update(context.Background(), pos); err != nil {
		t.Fatal(err)
	}

	mon.Evaluate(context.Background(), exitPair("0.0001", "0.01"))

	stored, _ := f.positions.GetByID(context.Background(), got[0].ID)
	if !stored.ExitSuggested {
		t.Fatal("expected profit-lockable suggestion")
	}
}

func TestExitMonitorFallsBackToCachedPnL(t *testing.T) {
	f := newManagerFixture(t)
	mon := newExitMonitor(f, "100000")
	got, err := f.manager.Open(context.Background(), openRequest("1", 1))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.positions.SetCachedFundingPnL(context.Background(), got[0].ID, dec("5")); err != nil {
		t.Fatal(err)
	}

	// Pair carries no sample for the short venue: live recompute is
	// impossible, the cached figure must carry the decision.
	pair := exitPair("0.0001", "0.01")
	delete(pair.Samples, domain.ExchangeBybit)
	pair.APY = decimal.NewFromInt(10) // below threshold, positive

	mon.Evaluate(context.Background(), pair)

	stored, _ := f.positions.GetByID(context.Background(), got[0].ID)
	if !stored.ExitSuggested {
		t.Fatal("expected suggestion from cached funding pnl")
	}
}
