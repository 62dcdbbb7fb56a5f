package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/q0821/fundingarb/internal/domain"
)

type fakeBus struct {
	published [][]byte
	channels  []string
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.channels = append(b.channels, channel)
	b.published = append(b.published, payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (b *fakeBus) StreamAppend(context.Context, string, []byte) error       { return nil }
func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func sample(exchange string, rateStr string, hours int) domain.FundingRateSample {
	return domain.FundingRateSample{
		Exchange:       exchange,
		Symbol:         "BTCUSDT",
		Rate:           decimal.RequireFromString(rateStr),
		IntervalHours:  hours,
		NextSettlement: time.Now().Add(time.Hour),
		RecordedAt:     time.Now(),
	}
}

func TestFeedRequiresTwoVenues(t *testing.T) {
	bus := &fakeBus{}
	f := New(nil, []string{"BTCUSDT"}, bus, discardLogger())

	f.Ingest(context.Background(), sample(domain.ExchangeBinance, "0.0001", 8))

	if len(bus.published) != 0 {
		t.Fatalf("expected no publish with a single venue, got %d", len(bus.published))
	}
	if _, ok := f.Pair("BTCUSDT"); ok {
		t.Fatal("expected no pair with a single venue")
	}
}

func TestFeedComputesPair(t *testing.T) {
	bus := &fakeBus{}
	f := New(nil, []string{"BTCUSDT"}, bus, discardLogger())
	ctx := context.Background()

	f.Ingest(ctx, sample(domain.ExchangeBinance, "0.0001", 8))
	f.Ingest(ctx, sample(domain.ExchangeBybit, "0.0008", 8))

	pair, ok := f.Pair("BTCUSDT")
	if !ok {
		t.Fatal("expected pair")
	}
	if pair.LongSide != domain.ExchangeBinance {
		t.Errorf("long side = %s, want binance", pair.LongSide)
	}
	if pair.ShortSide != domain.ExchangeBybit {
		t.Errorf("short side = %s, want bybit", pair.ShortSide)
	}
	if !pair.Spread.Equal(decimal.RequireFromString("0.0007")) {
		t.Errorf("spread = %s, want 0.0007", pair.Spread)
	}

	if len(bus.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(bus.published))
	}
	if bus.channels[0] != domain.ChannelRateUpdated {
		t.Errorf("channel = %s, want %s", bus.channels[0], domain.ChannelRateUpdated)
	}
	var update domain.RateUpdate
	if err := json.Unmarshal(bus.published[0], &update); err != nil {
		t.Fatalf("unmarshal published update: %v", err)
	}
	if update.Symbol != "BTCUSDT" {
		t.Errorf("update symbol = %s", update.Symbol)
	}
}

func TestFeedNormalizesMixedIntervals(t *testing.T) {
	bus := &fakeBus{}
	f := New(nil, []string{"BTCUSDT"}, bus, discardLogger())
	ctx := context.Background()

	// 0.0004 per 8h on binance vs 0.0004 per 4h on okx: okx is richer once
	// both sit on the common 4h basis.
	f.Ingest(ctx, sample(domain.ExchangeBinance, "0.0004", 8))
	f.Ingest(ctx, sample(domain.ExchangeOKX, "0.0004", 4))

	pair, ok := f.Pair("BTCUSDT")
	if !ok {
		t.Fatal("expected pair")
	}
	if pair.ShortSide != domain.ExchangeOKX {
		t.Errorf("short side = %s, want okx", pair.ShortSide)
	}
	// binance normalized to 4h: 0.0002; spread = 0.0004 - 0.0002.
	if !pair.Spread.Equal(decimal.RequireFromString("0.0002")) {
		t.Errorf("spread = %s, want 0.0002", pair.Spread)
	}
}

func TestFeedCoalescesLatestSample(t *testing.T) {
	bus := &fakeBus{}
	f := New(nil, []string{"BTCUSDT"}, bus, discardLogger())
	ctx := context.Background()

	f.Ingest(ctx, sample(domain.ExchangeBinance, "0.0001", 8))
	f.Ingest(ctx, sample(domain.ExchangeBybit, "0.0008", 8))
	f.Ingest(ctx, sample(domain.ExchangeBybit, "0.0002", 8))

	pair, _ := f.Pair("BTCUSDT")
	if !pair.Spread.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("spread = %s, want 0.0001 after latest sample wins", pair.Spread)
	}
}

func TestFeedDropsStaleSamples(t *testing.T) {
	now := time.Now()
	bySymbol := map[string]domain.FundingRateSample{
		domain.ExchangeBinance: {
			Exchange: domain.ExchangeBinance, Symbol: "BTCUSDT",
			Rate: decimal.RequireFromString("0.0001"), IntervalHours: 8,
			RecordedAt: now.Add(-staleSampleAge - time.Minute),
		},
		domain.ExchangeBybit: {
			Exchange: domain.ExchangeBybit, Symbol: "BTCUSDT",
			Rate: decimal.RequireFromString("0.0008"), IntervalHours: 8,
			RecordedAt: now,
		},
	}

	if _, viable := computePairs("BTCUSDT", bySymbol, now); viable {
		t.Fatal("expected no pairs when only one fresh venue remains")
	}
}

func TestFeedEmitsEveryOrderedPair(t *testing.T) {
	bus := &fakeBus{}
	f := New(nil, []string{"BTCUSDT"}, bus, discardLogger())
	ctx := context.Background()

	f.Ingest(ctx, sample(domain.ExchangeBinance, "0.0001", 8))
	f.Ingest(ctx, sample(domain.ExchangeBybit, "0.0009", 8))
	f.Ingest(ctx, sample(domain.ExchangeOKX, "0.0010", 8))

	var update domain.RateUpdate
	if err := json.Unmarshal(bus.published[len(bus.published)-1], &update); err != nil {
		t.Fatalf("unmarshal published update: %v", err)
	}

	// Three venues produce six ordered assignments.
	if len(update.Pairs) != 6 {
		t.Fatalf("pairs = %d, want 6", len(update.Pairs))
	}
	spreads := make(map[string]string, len(update.Pairs))
	for _, p := range update.Pairs {
		spreads[p.LongSide+"/"+p.ShortSide] = p.Spread.String()
	}
	// The runner-up assignment must keep flowing even though binance/okx is
	// now the widest.
	if got := spreads["binance/bybit"]; got != "0.0008" {
		t.Errorf("binance/bybit spread = %s, want 0.0008", got)
	}
	if got := spreads["binance/okx"]; got != "0.0009" {
		t.Errorf("binance/okx spread = %s, want 0.0009", got)
	}
	if got := spreads["okx/binance"]; got != "-0.0009" {
		t.Errorf("okx/binance spread = %s, want -0.0009", got)
	}

	if update.Pair.LongSide != domain.ExchangeBinance || update.Pair.ShortSide != domain.ExchangeOKX {
		t.Errorf("headline pair = %s/%s, want binance/okx",
			update.Pair.LongSide, update.Pair.ShortSide)
	}
	headline, _ := f.Pair("BTCUSDT")
	if headline.ShortSide != domain.ExchangeOKX {
		t.Errorf("presented pair short side = %s, want okx", headline.ShortSide)
	}
}

type recordingValidationStore struct {
	records []domain.RateValidationRecord
}

func (s *recordingValidationStore) Insert(_ context.Context, rec domain.RateValidationRecord) error {
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingValidationStore) ListMismatches(context.Context, domain.ListOpts) ([]domain.RateValidationRecord, error) {
	return nil, nil
}

func TestValidatorDetectsMismatch(t *testing.T) {
	store := &recordingValidationStore{}
	v := NewValidator(store, discardLogger())

	// Venue reports 8h but settles every 4h.
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		v.Observe(domain.FundingRateSample{
			Exchange:       domain.ExchangeBybit,
			Symbol:         "ETHUSDT",
			IntervalHours:  8,
			NextSettlement: base.Add(time.Duration(i) * 4 * time.Hour),
			RecordedAt:     base,
		})
	}

	v.Sweep(context.Background(), func(exchange, symbol string) (int, bool) {
		return 8, true
	})

	if len(store.records) != 1 {
		t.Fatalf("expected 1 validation record, got %d", len(store.records))
	}
	rec := store.records[0]
	if rec.Match {
		t.Error("expected mismatch")
	}
	if rec.DetectedInterval != 4 || rec.ReportedInterval != 8 {
		t.Errorf("detected=%d reported=%d", rec.DetectedInterval, rec.ReportedInterval)
	}
}
