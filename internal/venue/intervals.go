package venue

import (
	"sync"
	"time"

	"github.com/q0821/fundingarb/internal/domain"
)

const (
	// intervalCacheTTL is how long a resolved interval stays fresh.
	intervalCacheTTL = 12 * time.Hour

	// defaultIntervalHours is the last-resort settlement interval.
	defaultIntervalHours = 8
)

// intervalEntry is an immutable snapshot of a resolved interval. Entries are
// replaced whole, never mutated, so concurrent reads only ever risk staleness.
type intervalEntry struct {
	hours     int
	source    domain.IntervalSource
	expiresAt time.Time
}

// IntervalCache is the process-wide cache of resolved settlement intervals,
// keyed by exchange and canonical symbol. All connectors share one instance.
type IntervalCache struct {
	mu      sync.RWMutex
	entries map[string]intervalEntry
	now     func() time.Time
}

// NewIntervalCache creates an empty IntervalCache.
func NewIntervalCache() *IntervalCache {
	return &IntervalCache{
		entries: make(map[string]intervalEntry),
		now:     time.Now,
	}
}

func intervalKey(exchange, symbol string) string {
	return exchange + ":" + symbol
}

// Get returns the cached interval and its source, if present and fresh.
func (c *IntervalCache) Get(exchange, symbol string) (int, domain.IntervalSource, bool) {
	c.mu.RLock()
	e, ok := c.entries[intervalKey(exchange, symbol)]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expiresAt) {
		return 0, "", false
	}
	return e.hours, e.source, true
}

// Put records a resolved interval with its source tag.
func (c *IntervalCache) Put(exchange, symbol string, hours int, source domain.IntervalSource) {
	c.mu.Lock()
	c.entries[intervalKey(exchange, symbol)] = intervalEntry{
		hours:     hours,
		source:    source,
		expiresAt: c.now().Add(intervalCacheTTL),
	}
	c.mu.Unlock()
}

// Resolve runs the ordered fallback chain for a settlement interval:
//
//  1. cache hit
//  2. venue metadata / settlement-history lookup (provided by the connector)
//  3. heuristic bucket from time-to-next-settlement
//  4. default 8h, cached as low confidence
//
// Every resolved value is written back to the cache with its source.
func (c *IntervalCache) Resolve(
	exchange, symbol string,
	lookup func() (int, domain.IntervalSource, bool),
	nextSettlement time.Time,
) (int, domain.IntervalSource) {
	if hours, source, ok := c.Get(exchange, symbol); ok {
		_ = source
		return hours, domain.IntervalSourceCache
	}

	if lookup != nil {
		if hours, source, ok := lookup(); ok && validInterval(hours) {
			c.Put(exchange, symbol, hours, source)
			return hours, source
		}
	}

	if !nextSettlement.IsZero() {
		if hours, ok := heuristicInterval(nextSettlement.Sub(c.now())); ok {
			c.Put(exchange, symbol, hours, domain.IntervalSourceHeuristic)
			return hours, domain.IntervalSourceHeuristic
		}
	}

	c.Put(exchange, symbol, defaultIntervalHours, domain.IntervalSourceDefault)
	return defaultIntervalHours, domain.IntervalSourceDefault
}

// heuristicInterval buckets the remaining time to the next settlement into
// one of the common intervals {1, 4, 8}.
func heuristicInterval(untilNext time.Duration) (int, bool) {
	switch {
	case untilNext <= 0:
		return 0, false
	case untilNext <= time.Hour:
		return 1, true
	case untilNext <= 4*time.Hour:
		return 4, true
	case untilNext <= 8*time.Hour:
		return 8, true
	default:
		return 0, false
	}
}

func validInterval(hours int) bool {
	for _, h := range domain.ValidIntervalHours {
		if h == hours {
			return true
		}
	}
	return false
}
