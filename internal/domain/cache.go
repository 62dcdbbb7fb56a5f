package domain

import (
	"context"
	"time"
)

// PositionListCache caches the rendered open-position list per user. Batch
// close invalidates it regardless of outcome.
type PositionListCache interface {
	Set(ctx context.Context, userID string, payload []byte, ttl time.Duration) error
	Get(ctx context.Context, userID string) ([]byte, error)
	Invalidate(ctx context.Context, userID string) error
}

// RateLimiter provides distributed rate limiting for the HTTP surface.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking (used to serialize batch closes
// per group across processes).
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams. It carries rate-updated
// events to the detector and exit monitor, and lifecycle progress events to
// the client-facing websocket hub.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
