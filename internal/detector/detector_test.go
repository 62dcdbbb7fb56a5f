package detector

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/q0821/fundingarb/internal/domain"
	"github.com/q0821/fundingarb/internal/notify"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// memOppStore mirrors the postgres store's UpsertActive/End semantics in
// memory: one active row per key, monotonic maxima, End gated on active.
type memOppStore struct {
	seq    int
	active map[string]*domain.Opportunity
	ended  []domain.Opportunity
	bumps  map[string]int
}

func newMemOppStore() *memOppStore {
	return &memOppStore{
		active: make(map[string]*domain.Opportunity),
		bumps:  make(map[string]int),
	}
}

func (s *memOppStore) UpsertActive(_ context.Context, opp domain.Opportunity) (domain.Opportunity, error) {
	key := opp.Key()
	if cur, ok := s.active[key]; ok {
		cur.CurrentSpread = opp.CurrentSpread
		cur.CurrentAPY = opp.CurrentAPY
		if opp.CurrentSpread.GreaterThan(cur.MaxSpread) {
			cur.MaxSpread = opp.CurrentSpread
			cur.MaxSpreadAt = opp.MaxSpreadAt
		}
		if opp.CurrentAPY.GreaterThan(cur.MaxAPY) {
			cur.MaxAPY = opp.CurrentAPY
		}
		return *cur, nil
	}
	s.seq++
	opp.ID = fmt.Sprintf("opp-%d", s.seq)
	s.active[key] = &opp
	return opp, nil
}

func (s *memOppStore) GetActive(_ context.Context, symbol, long, short string) (domain.Opportunity, error) {
	if cur, ok := s.active[domain.OpportunityKey(symbol, long, short)]; ok {
		return *cur, nil
	}
	return domain.Opportunity{}, domain.ErrNotFound
}

func (s *memOppStore) GetByID(_ context.Context, id string) (domain.Opportunity, error) {
	for _, cur := range s.active {
		if cur.ID == id {
			return *cur, nil
		}
	}
	return domain.Opportunity{}, domain.ErrNotFound
}

func (s *memOppStore) ListActive(context.Context) ([]domain.Opportunity, error) {
	out := make([]domain.Opportunity, 0, len(s.active))
	for _, cur := range s.active {
		out = append(out, *cur)
	}
	return out, nil
}

func (s *memOppStore) List(context.Context, domain.ListOpts) ([]domain.Opportunity, error) {
	return nil, nil
}

func (s *memOppStore) End(_ context.Context, id string, status domain.OpportunityStatus, endedAt time.Time) (domain.Opportunity, error) {
	for key, cur := range s.active {
		if cur.ID != id {
			continue
		}
		delete(s.active, key)
		cur.Status = status
		cur.EndedAt = &endedAt
		ms := endedAt.Sub(cur.DetectedAt).Milliseconds()
		cur.DurationMs = &ms
		s.ended = append(s.ended, *cur)
		return *cur, nil
	}
	return domain.Opportunity{}, domain.ErrNotFound
}

func (s *memOppStore) IncrementNotificationCount(_ context.Context, id string) error {
	s.bumps[id]++
	return nil
}

type memHistoryStore struct {
	rows []domain.OpportunityHistory
}

func (s *memHistoryStore) Insert(_ context.Context, h domain.OpportunityHistory) error {
	s.rows = append(s.rows, h)
	return nil
}

func (s *memHistoryStore) ListBySymbol(context.Context, string, domain.ListOpts) ([]domain.OpportunityHistory, error) {
	return nil, nil
}

func (s *memHistoryStore) ListBefore(context.Context, time.Time, int) ([]domain.OpportunityHistory, error) {
	return nil, nil
}

func (s *memHistoryStore) DeleteByIDs(context.Context, []string) (int64, error) { return 0, nil }

type memNotificationStore struct {
	rows []domain.NotificationRecord
}

func (s *memNotificationStore) Insert(_ context.Context, rec domain.NotificationRecord) error {
	s.rows = append(s.rows, rec)
	return nil
}

func (s *memNotificationStore) ListByKey(context.Context, string, domain.ListOpts) ([]domain.NotificationRecord, error) {
	return nil, nil
}

func (s *memNotificationStore) ListBefore(context.Context, time.Time, int) ([]domain.NotificationRecord, error) {
	return nil, nil
}

func (s *memNotificationStore) DeleteByIDs(context.Context, []string) (int64, error) {
	return 0, nil
}

type recordingSender struct {
	titles []string
}

func (r *recordingSender) Send(_ context.Context, msg notify.Message) error {
	r.titles = append(r.titles, msg.Title)
	return nil
}

func (r *recordingSender) Name() string { return "recording" }

type fixture struct {
	det      *Detector
	opps     *memOppStore
	history  *memHistoryStore
	notes    *memNotificationStore
	sender   *recordingSender
	debounce *Debouncer
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	opps := newMemOppStore()
	history := &memHistoryStore{}
	notes := &memNotificationStore{}
	sender := &recordingSender{}
	notifier := notify.NewNotifier([]notify.Sender{sender}, nil, discardLogger())
	debounce := NewDebouncer(time.Minute, notifier, notes, discardLogger())

	det := New(Config{}, opps, history, nil, debounce, discardLogger())

	f := &fixture{
		det:      det,
		opps:     opps,
		history:  history,
		notes:    notes,
		sender:   sender,
		debounce: debounce,
		clock:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	det.now = f.now
	debounce.now = f.now
	return f
}

func (f *fixture) now() time.Time { return f.clock }

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

// pairBetween builds an ordered pair whose spread yields roughly the given
// APY on an 8-hour basis. APY 800 on 8h needs spread ~= 800 / (100 * 8760/8).
func pairBetween(long, short, apy string) domain.FundingRatePair {
	spread := dec(apy).Div(decimal.NewFromInt(100 * 8760 / 8))
	base := dec("0.0001")
	return domain.FundingRatePair{
		Symbol: "BTCUSDT",
		Samples: map[string]domain.FundingRateSample{
			long:  {Exchange: long, Rate: base, IntervalHours: 8},
			short: {Exchange: short, Rate: base.Add(spread), IntervalHours: 8},
		},
		LongSide:  long,
		ShortSide: short,
		Spread:    spread,
		APY:       dec(apy),
	}
}

func pairWithAPY(apy string) domain.FundingRatePair {
	return pairBetween(domain.ExchangeBinance, domain.ExchangeBybit, apy)
}

func TestDetectorIgnoresBelowThreshold(t *testing.T) {
	f := newFixture(t)

	if err := f.det.Evaluate(context.Background(), pairWithAPY("500")); err != nil {
		t.Fatal(err)
	}
	if len(f.opps.active) != 0 {
		t.Fatal("expected no opportunity below threshold")
	}
	if len(f.sender.titles) != 0 {
		t.Fatal("expected no notification below threshold")
	}
}

func TestDetectorOpensAndNotifies(t *testing.T) {
	f := newFixture(t)

	if err := f.det.Evaluate(context.Background(), pairWithAPY("900")); err != nil {
		t.Fatal(err)
	}

	active, err := f.opps.GetActive(context.Background(), "BTCUSDT", domain.ExchangeBinance, domain.ExchangeBybit)
	if err != nil {
		t.Fatalf("expected active opportunity: %v", err)
	}
	if active.Status != domain.OpportunityActive {
		t.Fatalf("status = %s", active.Status)
	}
	if active.LongIntervalHours != 8 || active.ShortIntervalHours != 8 {
		t.Fatalf("intervals = %d/%d", active.LongIntervalHours, active.ShortIntervalHours)
	}
	if len(f.sender.titles) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(f.sender.titles))
	}
	if f.opps.bumps[active.ID] != 1 {
		t.Fatalf("notification count bump = %d", f.opps.bumps[active.ID])
	}
	if len(f.notes.rows) != 1 || f.notes.rows[0].Event != "opportunity_detected" {
		t.Fatalf("notification log = %+v", f.notes.rows)
	}
}

func TestDetectorKeepsActiveInHysteresisBand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.det.Evaluate(ctx, pairWithAPY("900")); err != nil {
		t.Fatal(err)
	}
	// 700 is below the 800 threshold but above the 600 expiry line.
	if err := f.det.Evaluate(ctx, pairWithAPY("700")); err != nil {
		t.Fatal(err)
	}

	active, err := f.opps.GetActive(ctx, "BTCUSDT", domain.ExchangeBinance, domain.ExchangeBybit)
	if err != nil {
		t.Fatalf("expected opportunity to stay active: %v", err)
	}
	if !active.CurrentAPY.Equal(dec("700")) {
		t.Fatalf("current APY = %s", active.CurrentAPY)
	}
	if !active.MaxAPY.Equal(dec("900")) {
		t.Fatalf("max APY = %s, want monotonic 900", active.MaxAPY)
	}
	if len(f.history.rows) != 0 {
		t.Fatal("expected no history while active")
	}
}

func TestDetectorEndsAndWritesHistoryOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.det.Evaluate(ctx, pairWithAPY("900")); err != nil {
		t.Fatal(err)
	}
	f.advance(2 * time.Minute)
	if err := f.det.Evaluate(ctx, pairWithAPY("1000")); err != nil {
		t.Fatal(err)
	}
	f.advance(2 * time.Minute)
	if err := f.det.Evaluate(ctx, pairWithAPY("100")); err != nil {
		t.Fatal(err)
	}

	if _, err := f.opps.GetActive(ctx, "BTCUSDT", domain.ExchangeBinance, domain.ExchangeBybit); err == nil {
		t.Fatal("expected opportunity ended")
	}
	if len(f.history.rows) != 1 {
		t.Fatalf("expected exactly one history row, got %d", len(f.history.rows))
	}
	h := f.history.rows[0]
	if h.EndReason != domain.EndReasonSpreadNarrowed {
		t.Fatalf("end reason = %s", h.EndReason)
	}
	if h.DurationMs != (4 * time.Minute).Milliseconds() {
		t.Fatalf("duration = %dms", h.DurationMs)
	}
	// Average over the two active-phase samples (900 and 1000 APY spreads).
	wantAvg := pairWithAPY("900").Spread.Add(pairWithAPY("1000").Spread).Div(decimal.NewFromInt(2))
	if !h.AvgSpread.Equal(wantAvg) {
		t.Fatalf("avg spread = %s, want %s", h.AvgSpread, wantAvg)
	}

	// A second sub-expiry update must not write more history.
	if err := f.det.Evaluate(ctx, pairWithAPY("100")); err != nil {
		t.Fatal(err)
	}
	if len(f.history.rows) != 1 {
		t.Fatalf("history written twice: %d rows", len(f.history.rows))
	}
}

func TestDetectorReopensAfterEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.det.Evaluate(ctx, pairWithAPY("900")); err != nil {
		t.Fatal(err)
	}
	if err := f.det.Evaluate(ctx, pairWithAPY("100")); err != nil {
		t.Fatal(err)
	}
	if err := f.det.Evaluate(ctx, pairWithAPY("850")); err != nil {
		t.Fatal(err)
	}

	active, err := f.opps.GetActive(ctx, "BTCUSDT", domain.ExchangeBinance, domain.ExchangeBybit)
	if err != nil {
		t.Fatalf("expected reopened opportunity: %v", err)
	}
	if !active.InitialAPY.Equal(dec("850")) {
		t.Fatalf("reopened initial APY = %s", active.InitialAPY)
	}
	if !active.MaxAPY.Equal(dec("850")) {
		t.Fatalf("reopened max APY = %s, want fresh 850 not carried 900", active.MaxAPY)
	}
}

func TestDetectorSweepsStalePairs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.det.Evaluate(ctx, pairWithAPY("900")); err != nil {
		t.Fatal(err)
	}

	// First sweep inside the window keeps it alive.
	f.advance(time.Minute)
	f.det.sweepStale(ctx)
	if len(f.opps.ended) != 0 {
		t.Fatal("swept too early")
	}

	f.advance(staleAfter)
	f.det.sweepStale(ctx)
	if len(f.opps.ended) != 1 {
		t.Fatalf("expected stale opportunity ended, got %d", len(f.opps.ended))
	}
	if len(f.history.rows) != 1 || f.history.rows[0].EndReason != domain.EndReasonSampleLost {
		t.Fatalf("history = %+v", f.history.rows)
	}
}

func TestDetectorTracksEveryOrderedPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.det.Evaluate(ctx, pairBetween(domain.ExchangeBinance, domain.ExchangeBybit, "850")); err != nil {
		t.Fatal(err)
	}
	if err := f.det.Evaluate(ctx, pairBetween(domain.ExchangeBinance, domain.ExchangeOKX, "950")); err != nil {
		t.Fatal(err)
	}

	if len(f.opps.active) != 2 {
		t.Fatalf("active = %d, want one opportunity per venue pair", len(f.opps.active))
	}
	for _, key := range []string{
		domain.OpportunityKey("BTCUSDT", domain.ExchangeBinance, domain.ExchangeBybit),
		domain.OpportunityKey("BTCUSDT", domain.ExchangeBinance, domain.ExchangeOKX),
	} {
		if _, ok := f.opps.active[key]; !ok {
			t.Errorf("no active opportunity for %s", key)
		}
	}
}

func TestDetectorEndsDisplacedPairOnNarrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// bybit starts as a qualifying short leg; okx then overtakes it while
	// the bybit spread collapses. The displaced pair must end as narrowed,
	// not linger until the stale sweep.
	if err := f.det.Evaluate(ctx, pairBetween(domain.ExchangeBinance, domain.ExchangeBybit, "900")); err != nil {
		t.Fatal(err)
	}
	if err := f.det.Evaluate(ctx, pairBetween(domain.ExchangeBinance, domain.ExchangeOKX, "950")); err != nil {
		t.Fatal(err)
	}
	f.advance(30 * time.Second)
	if err := f.det.Evaluate(ctx, pairBetween(domain.ExchangeBinance, domain.ExchangeBybit, "100")); err != nil {
		t.Fatal(err)
	}

	if len(f.history.rows) != 1 {
		t.Fatalf("history rows = %d, want 1", len(f.history.rows))
	}
	row := f.history.rows[0]
	if row.ShortExchange != domain.ExchangeBybit {
		t.Errorf("ended short = %s, want bybit", row.ShortExchange)
	}
	if row.EndReason != domain.EndReasonSpreadNarrowed {
		t.Errorf("end reason = %s, want %s", row.EndReason, domain.EndReasonSpreadNarrowed)
	}
	okxKey := domain.OpportunityKey("BTCUSDT", domain.ExchangeBinance, domain.ExchangeOKX)
	if _, ok := f.opps.active[okxKey]; !ok {
		t.Error("surviving pair must stay active")
	}
}

func TestDebouncerFoldsRepeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sent := f.debounce.Notify(ctx, "k", "opportunity_detected", "t", "m")
	if !sent {
		t.Fatal("first notify suppressed")
	}
	for i := 0; i < 3; i++ {
		if f.debounce.Notify(ctx, "k", "opportunity_detected", "t", "m") {
			t.Fatal("notify inside window not suppressed")
		}
	}
	if len(f.sender.titles) != 1 {
		t.Fatalf("sent %d, want 1", len(f.sender.titles))
	}

	f.advance(2 * time.Minute)
	if !f.debounce.Notify(ctx, "k", "opportunity_detected", "t", "m") {
		t.Fatal("notify after window suppressed")
	}
	last := f.notes.rows[len(f.notes.rows)-1]
	if !last.Suppressed || last.SuppressedCount != 3 {
		t.Fatalf("folded record = %+v", last)
	}
}

func TestDebouncerSeparatesEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if !f.debounce.Notify(ctx, "k", "opportunity_detected", "t", "m") {
		t.Fatal("detected suppressed")
	}
	if !f.debounce.Notify(ctx, "k", "opportunity_expired", "t", "m") {
		t.Fatal("expired suppressed by unrelated event")
	}
}

func TestDebouncerResetAndClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.debounce.Notify(ctx, "k1", "opportunity_detected", "t", "m")
	f.debounce.Notify(ctx, "k2", "opportunity_detected", "t", "m")

	f.debounce.Reset("k1")
	if !f.debounce.Notify(ctx, "k1", "opportunity_detected", "t", "m") {
		t.Fatal("notify after Reset suppressed")
	}
	if f.debounce.Notify(ctx, "k2", "opportunity_detected", "t", "m") {
		t.Fatal("Reset of k1 leaked into k2")
	}

	f.debounce.Clear()
	if !f.debounce.Notify(ctx, "k2", "opportunity_detected", "t", "m") {
		t.Fatal("notify after Clear suppressed")
	}
}
