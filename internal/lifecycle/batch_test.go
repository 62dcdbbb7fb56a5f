package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/q0821/fundingarb/internal/domain"
)

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		published: make(map[string][][]byte),
		streamed:  make(map[string][][]byte),
	}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}

type fakeLocks struct {
	mu       sync.Mutex
	acquired []string
	held     map[string]bool
}

func newFakeLocks() *fakeLocks { return &fakeLocks{held: make(map[string]bool)} }

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	l.acquired = append(l.acquired, key)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held[key] = false
	}, nil
}

func openGroup(t *testing.T, f *managerFixture, split int) string {
	t.Helper()
	got, err := f.manager.Open(context.Background(), openRequest("3", split))
	if err != nil {
		t.Fatal(err)
	}
	return got[0].GroupID
}

func TestBatchCloseSuccess(t *testing.T) {
	f := newManagerFixture(t)
	bus := newFakeBus()
	f.manager.bus = bus
	locks := newFakeLocks()
	group := openGroup(t, f, 3)

	res, err := f.manager.BatchClose(context.Background(), group, locks)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.CloseSuccess {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.ClosedCount != 3 || res.FailedCount != 0 {
		t.Fatalf("counts = %d/%d", res.ClosedCount, res.FailedCount)
	}
	if len(locks.acquired) != 1 || locks.acquired[0] != "batch:close:"+group {
		t.Fatalf("lock keys = %v", locks.acquired)
	}
	if bus.count(domain.ChannelBatchProgress) != 3 {
		t.Fatalf("progress events = %d", bus.count(domain.ChannelBatchProgress))
	}
	if bus.count(domain.ChannelBatchPositionComplete) != 3 {
		t.Fatalf("per-position events = %d", bus.count(domain.ChannelBatchPositionComplete))
	}
	if bus.count(domain.ChannelBatchComplete) != 1 {
		t.Fatalf("complete events = %d", bus.count(domain.ChannelBatchComplete))
	}
	if len(bus.streamed["batch:close:stream:"+group]) == 0 {
		t.Fatal("expected stream replay entries")
	}
	if len(f.cache.invalidated) == 0 {
		t.Fatal("position list cache not invalidated")
	}
}

func TestBatchClosePartialClassification(t *testing.T) {
	f := newManagerFixture(t)
	locks := newFakeLocks()
	group := openGroup(t, f, 3)

	// Every short-leg close from here on fails: each member ends partial.
	f.short.failOrders = true

	res, err := f.manager.BatchClose(context.Background(), group, locks)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.CloseFailure {
		t.Fatalf("outcome = %s, want failure when nothing fully closed", res.Outcome)
	}
	if res.ClosedCount != 0 || res.FailedCount != 3 {
		t.Fatalf("counts = %d/%d", res.ClosedCount, res.FailedCount)
	}
	if len(res.Results) != 3 {
		t.Fatalf("results = %d", len(res.Results))
	}
	for _, r := range res.Results {
		if r.Outcome != domain.ClosePartial {
			t.Fatalf("member outcome = %s", r.Outcome)
		}
	}
}

func TestBatchCloseClassify(t *testing.T) {
	cases := []struct {
		closed, failed int
		want           domain.CloseOutcome
	}{
		{3, 0, domain.CloseSuccess},
		{2, 1, domain.ClosePartial},
		{0, 3, domain.CloseFailure},
		{0, 0, domain.CloseFailure},
	}
	for _, tc := range cases {
		r := domain.BatchCloseResult{ClosedCount: tc.closed, FailedCount: tc.failed}
		r.Classify()
		if r.Outcome != tc.want {
			t.Errorf("classify(%d,%d) = %s, want %s", tc.closed, tc.failed, r.Outcome, tc.want)
		}
	}
}

func TestBatchCloseEmptyGroup(t *testing.T) {
	f := newManagerFixture(t)
	bus := newFakeBus()
	f.manager.bus = bus

	res, err := f.manager.BatchClose(context.Background(), "no-such-group", newFakeLocks())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.CloseFailure {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if bus.count(domain.ChannelBatchFailed) != 1 {
		t.Fatalf("failed events = %d", bus.count(domain.ChannelBatchFailed))
	}
}

func TestBatchCloseLockContention(t *testing.T) {
	f := newManagerFixture(t)
	locks := newFakeLocks()
	group := openGroup(t, f, 2)

	if _, err := locks.Acquire(context.Background(), "batch:close:"+group, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := f.manager.BatchClose(context.Background(), group, locks); err == nil {
		t.Fatal("expected lock contention error")
	}
}

func TestGroupAggregation(t *testing.T) {
	f := newManagerFixture(t)
	group := openGroup(t, f, 2)

	g, err := f.manager.Group(context.Background(), group)
	if err != nil {
		t.Fatal(err)
	}
	if !g.TotalSize.Equal(dec("3")) {
		t.Fatalf("total size = %s", g.TotalSize)
	}
	if g.OpenCount != 2 {
		t.Fatalf("open count = %d", g.OpenCount)
	}
	if !g.AvgLongEntry.Equal(dec("100")) || !g.AvgShortEntry.Equal(dec("100")) {
		t.Fatalf("avg entries = %s/%s", g.AvgLongEntry, g.AvgShortEntry)
	}
}
