package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/q0821/fundingarb/internal/domain"
	"github.com/q0821/fundingarb/internal/rate"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// fakeConnector scripts venue behavior per test: order failures by side, a
// fixed mark price, and a log of submitted orders.
type fakeConnector struct {
	name  string
	price decimal.Decimal

	mu         sync.Mutex
	orders     []domain.OrderRequest
	failOrders bool
	failAfter  int // when > 0, orders beyond this many filled fail
	nextID     int
}

var _ domain.VenueConnector = (*fakeConnector)(nil)

func newFakeConnector(name, price string) *fakeConnector {
	return &fakeConnector{name: name, price: dec(price)}
}

func (f *fakeConnector) Name() string                         { return f.name }
func (f *fakeConnector) Connect(context.Context) error        { return nil }
func (f *fakeConnector) Close() error                         { return nil }
func (f *fakeConnector) Events() <-chan domain.ConnectorEvent { return nil }

func (f *fakeConnector) GetFundingRate(context.Context, string) (domain.FundingRateSample, error) {
	return domain.FundingRateSample{}, domain.ErrNotFound
}

func (f *fakeConnector) GetFundingRates(context.Context, []string) (map[string]domain.FundingRateSample, error) {
	return nil, nil
}

func (f *fakeConnector) GetPrice(context.Context, string) (decimal.Decimal, error) {
	return f.price, nil
}

func (f *fakeConnector) GetSymbolInfo(context.Context, string) (domain.SymbolInfo, error) {
	return domain.SymbolInfo{}, nil
}

func (f *fakeConnector) GetBalance(context.Context, string) (domain.Balance, error) {
	return domain.Balance{}, nil
}

func (f *fakeConnector) GetPosition(context.Context, string) (*domain.VenuePosition, error) {
	return nil, nil
}

func (f *fakeConnector) GetPositions(context.Context) ([]domain.VenuePosition, error) {
	return nil, nil
}

func (f *fakeConnector) CreateOrder(_ context.Context, req domain.OrderRequest) (domain.VenueOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOrders || (f.failAfter > 0 && len(f.orders) >= f.failAfter) {
		return domain.VenueOrder{}, &domain.APIError{Exchange: f.name, Code: "rejected", Message: "scripted failure"}
	}
	f.orders = append(f.orders, req)
	f.nextID++
	return domain.VenueOrder{
		Exchange:   f.name,
		OrderID:    fmt.Sprintf("%s-%d", f.name, f.nextID),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Reduce:     req.Reduce,
		Size:       req.Size,
		FilledSize: req.Size,
		AvgPrice:   f.price,
		Status:     "filled",
		Fee:        dec("0.1"),
	}, nil
}

func (f *fakeConnector) CancelOrder(context.Context, string, string) error { return nil }

func (f *fakeConnector) GetOrder(context.Context, string, string) (domain.VenueOrder, error) {
	return domain.VenueOrder{}, domain.ErrNotFound
}

func (f *fakeConnector) SetLeverage(context.Context, string, int) error { return nil }
func (f *fakeConnector) SetPositionMode(context.Context, bool) error    { return nil }

func (f *fakeConnector) Subscribe(context.Context, domain.SubscriptionType, string) error {
	return nil
}

func (f *fakeConnector) Unsubscribe(domain.SubscriptionType, string) error { return nil }

// memPositionStore keeps positions in memory with the store's semantics.
type memPositionStore struct {
	mu   sync.Mutex
	rows map[string]domain.Position
}

var _ domain.PositionStore = (*memPositionStore)(nil)

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{rows: make(map[string]domain.Position)}
}

func (s *memPositionStore) Create(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[p.ID] = p
	return nil
}

func (s *memPositionStore) Update(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[p.ID]; !ok {
		return domain.ErrNotFound
	}
	s.rows[p.ID] = p
	return nil
}

func (s *memPositionStore) UpdateStatus(_ context.Context, id string, status domain.PositionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Status = status
	s.rows[id] = p
	return nil
}

func (s *memPositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memPositionStore) list(filter func(domain.Position) bool) []domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.rows {
		if filter(p) {
			out = append(out, p)
		}
	}
	return out
}

func (s *memPositionStore) ListOpen(_ context.Context, userID string) ([]domain.Position, error) {
	return s.list(func(p domain.Position) bool {
		return p.UserID == userID && p.Status == domain.PositionOpen
	}), nil
}

func (s *memPositionStore) ListOpenBySymbol(_ context.Context, symbol string) ([]domain.Position, error) {
	return s.list(func(p domain.Position) bool {
		return p.Symbol == symbol && p.Status == domain.PositionOpen
	}), nil
}

func (s *memPositionStore) ListByGroup(_ context.Context, groupID string) ([]domain.Position, error) {
	return s.list(func(p domain.Position) bool { return p.GroupID == groupID }), nil
}

func (s *memPositionStore) ListWithTriggers(context.Context) ([]domain.Position, error) {
	return s.list(func(p domain.Position) bool {
		return p.Status == domain.PositionOpen && (p.StopLossPct != nil || p.TakeProfitPct != nil)
	}), nil
}

func (s *memPositionStore) ListHistory(context.Context, string, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

func (s *memPositionStore) SetExitSuggestion(_ context.Context, id string, suggested bool, reason string, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.ExitSuggested = suggested
	p.ExitReason = reason
	p.ExitSuggestedAt = at
	s.rows[id] = p
	return nil
}

func (s *memPositionStore) SetCachedFundingPnL(_ context.Context, id string, pnl decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.CachedFundingPnL = &pnl
	s.rows[id] = p
	return nil
}

type memTradeStore struct {
	mu   sync.Mutex
	rows []domain.ClosedTrade
}

func (s *memTradeStore) Insert(_ context.Context, t domain.ClosedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, t)
	return nil
}

func (s *memTradeStore) ListByUser(context.Context, string, domain.ListOpts) ([]domain.ClosedTrade, error) {
	return nil, nil
}

func (s *memTradeStore) SumNetPnL(context.Context, string, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type memListCache struct {
	mu          sync.Mutex
	invalidated []string
}

func (c *memListCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (c *memListCache) Get(context.Context, string) ([]byte, error) {
	return nil, domain.ErrNotFound
}
func (c *memListCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, userID)
	return nil
}

type managerFixture struct {
	manager   *Manager
	positions *memPositionStore
	trades    *memTradeStore
	cache     *memListCache
	long      *fakeConnector
	short     *fakeConnector
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	long := newFakeConnector(domain.ExchangeBinance, "100")
	short := newFakeConnector(domain.ExchangeBybit, "100")
	positions := newMemPositionStore()
	trades := &memTradeStore{}
	cache := &memListCache{}
	manager := NewManager(
		positions, trades,
		map[string]domain.VenueConnector{long.name: long, short.name: short},
		nil, cache, rate.DefaultCostModel(), discardLogger(),
	)
	return &managerFixture{manager: manager, positions: positions, trades: trades, cache: cache, long: long, short: short}
}

func openRequest(size string, split int) OpenRequest {
	return OpenRequest{
		UserID:        "u1",
		Symbol:        "BTCUSDT",
		LongExchange:  domain.ExchangeBinance,
		ShortExchange: domain.ExchangeBybit,
		Size:          dec(size),
		Leverage:      3,
		SplitCount:    split,
	}
}

func TestOpenSingle(t *testing.T) {
	f := newManagerFixture(t)

	got, err := f.manager.Open(context.Background(), openRequest("1.5", 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("positions = %d", len(got))
	}
	pos := got[0]
	if pos.Status != domain.PositionOpen {
		t.Fatalf("status = %s", pos.Status)
	}
	if pos.GroupID != "" {
		t.Fatalf("single open got group %q", pos.GroupID)
	}
	if len(f.long.orders) != 1 || len(f.short.orders) != 1 {
		t.Fatalf("orders long=%d short=%d", len(f.long.orders), len(f.short.orders))
	}
	if f.long.orders[0].Side != domain.LegLong || f.short.orders[0].Side != domain.LegShort {
		t.Fatal("wrong leg sides")
	}
}

func TestOpenSplitSumsToTotal(t *testing.T) {
	f := newManagerFixture(t)

	got, err := f.manager.Open(context.Background(), openRequest("1", 3))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("positions = %d", len(got))
	}
	group := got[0].GroupID
	if group == "" {
		t.Fatal("split open missing group id")
	}
	var sum decimal.Decimal
	for _, pos := range got {
		if pos.GroupID != group {
			t.Fatal("group id differs between buckets")
		}
		sum = sum.Add(pos.Long().Size)
	}
	if !sum.Equal(dec("1")) {
		t.Fatalf("bucket sizes sum to %s, want 1", sum)
	}
}

func TestOpenPartialLegFailure(t *testing.T) {
	f := newManagerFixture(t)
	f.short.failOrders = true

	got, err := f.manager.Open(context.Background(), openRequest("1", 1))
	if err != nil {
		t.Fatal(err)
	}
	pos := got[0]
	if pos.Status != domain.PositionPartial {
		t.Fatalf("status = %s, want partial", pos.Status)
	}
	if pos.Long().Status != domain.LegFilled {
		t.Fatalf("long leg = %s", pos.Long().Status)
	}
	if pos.Short().Status != domain.LegFailedStatus || pos.Short().FailReason == "" {
		t.Fatalf("short leg = %s reason=%q", pos.Short().Status, pos.Short().FailReason)
	}
	// The failed leg is not retried.
	if len(f.long.orders) != 1 {
		t.Fatalf("long orders = %d", len(f.long.orders))
	}
}

func TestCloseSuccessWritesTrade(t *testing.T) {
	f := newManagerFixture(t)
	got, err := f.manager.Open(context.Background(), openRequest("1", 1))
	if err != nil {
		t.Fatal(err)
	}
	// Long venue rallied: long leg gains, short leg loses the same.
	f.long.price = dec("110")
	f.short.price = dec("110")

	res, err := f.manager.Close(context.Background(), got[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.CloseSuccess {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if len(f.trades.rows) != 1 {
		t.Fatalf("trades = %d", len(f.trades.rows))
	}
	trade := f.trades.rows[0]
	if !trade.PricePnL.Equal(dec("0")) {
		t.Fatalf("delta-neutral price pnl = %s, want 0", trade.PricePnL)
	}
	stored, _ := f.positions.GetByID(context.Background(), got[0].ID)
	if stored.Status != domain.PositionClosed || stored.ClosedAt == nil {
		t.Fatalf("stored = %s closedAt=%v", stored.Status, stored.ClosedAt)
	}
}

func TestClosePartialPreservesFailedLeg(t *testing.T) {
	f := newManagerFixture(t)
	got, err := f.manager.Open(context.Background(), openRequest("1", 1))
	if err != nil {
		t.Fatal(err)
	}
	f.short.failOrders = true

	res, err := f.manager.Close(context.Background(), got[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.ClosePartial {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.FailedLeg != domain.LegShort || res.FailReason == "" {
		t.Fatalf("failed leg = %s reason=%q", res.FailedLeg, res.FailReason)
	}
	stored, _ := f.positions.GetByID(context.Background(), got[0].ID)
	if stored.Status != domain.PositionPartial {
		t.Fatalf("stored status = %s", stored.Status)
	}
	if len(f.trades.rows) != 0 {
		t.Fatal("partial close must not record a trade")
	}
}

func TestCloseBothLegsFailStaysOpen(t *testing.T) {
	f := newManagerFixture(t)
	got, err := f.manager.Open(context.Background(), openRequest("1", 1))
	if err != nil {
		t.Fatal(err)
	}
	f.long.failOrders = true
	f.short.failOrders = true

	res, err := f.manager.Close(context.Background(), got[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.CloseFailure {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	stored, _ := f.positions.GetByID(context.Background(), got[0].ID)
	if stored.Status != domain.PositionOpen {
		t.Fatalf("stored status = %s, want open for retry", stored.Status)
	}
}

func TestBatchCloseOneLegFailure(t *testing.T) {
	f := newManagerFixture(t)
	got, err := f.manager.Open(context.Background(), openRequest("3", 3))
	if err != nil {
		t.Fatal(err)
	}
	groupID := got[0].GroupID

	// Two of the three short-leg close orders fill; the third is rejected,
	// leaving exactly one member partial.
	f.short.mu.Lock()
	f.short.failAfter = len(f.short.orders) + 2
	f.short.mu.Unlock()

	res, err := f.manager.BatchClose(context.Background(), groupID, nil)
	if err != nil {
		t.Fatal(err)
	}

	if res.ClosedCount != 2 || res.FailedCount != 1 {
		t.Fatalf("closed=%d failed=%d, want 2/1", res.ClosedCount, res.FailedCount)
	}
	if res.Outcome != domain.ClosePartial {
		t.Fatalf("outcome = %s, want partial", res.Outcome)
	}
	var partials int
	for _, r := range res.Results {
		if r.Outcome == domain.ClosePartial {
			partials++
			if r.FailedLeg != domain.LegShort || r.FailReason == "" {
				t.Fatalf("partial member = %+v", r)
			}
		}
	}
	if partials != 1 {
		t.Fatalf("partial members = %d, want 1", partials)
	}

	var closed, partial int
	for _, pos := range got {
		stored, err := f.positions.GetByID(context.Background(), pos.ID)
		if err != nil {
			t.Fatal(err)
		}
		switch stored.Status {
		case domain.PositionClosed:
			closed++
		case domain.PositionPartial:
			partial++
		default:
			t.Fatalf("member %s status = %s", pos.ID, stored.Status)
		}
	}
	if closed != 2 || partial != 1 {
		t.Fatalf("stored closed=%d partial=%d, want 2/1", closed, partial)
	}

	if len(f.cache.invalidated) == 0 || f.cache.invalidated[0] != "u1" {
		t.Fatalf("position list cache invalidations = %v", f.cache.invalidated)
	}
}

func TestCloseRejectsNonOpen(t *testing.T) {
	f := newManagerFixture(t)
	f.short.failOrders = true
	got, err := f.manager.Open(context.Background(), openRequest("1", 1))
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.manager.Close(context.Background(), got[0].ID)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestMarkClosedIsDatabaseOnly(t *testing.T) {
	f := newManagerFixture(t)
	f.short.failOrders = true
	got, err := f.manager.Open(context.Background(), openRequest("1", 1))
	if err != nil {
		t.Fatal(err)
	}
	ordersBefore := len(f.long.orders) + len(f.short.orders)

	pos, err := f.manager.MarkClosed(context.Background(), got[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if pos.Status != domain.PositionClosed {
		t.Fatalf("status = %s", pos.Status)
	}
	if len(f.long.orders)+len(f.short.orders) != ordersBefore {
		t.Fatal("mark-closed contacted a venue")
	}

	// Open positions are not eligible.
	f.short.failOrders = false
	open, err := f.manager.Open(context.Background(), openRequest("1", 1))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.manager.MarkClosed(context.Background(), open[0].ID); err == nil {
		t.Fatal("expected rejection for open position")
	}
}
