package venue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/q0821/fundingarb/internal/domain"
)

// eventBufferSize bounds each connector's event channel. Consumers that fall
// behind lose events rather than block the connector's read loops.
const eventBufferSize = 256

// Base carries the state every connector shares: the event stream, the retry
// wrapper, the subscription supervisor, and the closed flag. Venue packages
// embed it and provide the REST/websocket specifics.
type Base struct {
	Exchange   string
	Logger     *slog.Logger
	Retrier    *Retrier
	Supervisor *Supervisor
	Intervals  *IntervalCache

	mu        sync.Mutex
	connected bool
	closed    bool
	events    chan domain.ConnectorEvent
}

// NewBase wires a Base for the named exchange. intervals is the process-wide
// interval cache shared by all connectors.
func NewBase(exchange string, intervals *IntervalCache, logger *slog.Logger) *Base {
	b := &Base{
		Exchange:  exchange,
		Logger:    logger.With(slog.String("component", "connector"), slog.String("exchange", exchange)),
		Intervals: intervals,
		events:    make(chan domain.ConnectorEvent, eventBufferSize),
	}
	b.Retrier = NewRetrier(defaultRetryAttempts, defaultRetryBackoff, b.Closed, b.Logger)
	b.Supervisor = NewSupervisor(exchange, b.Logger)
	return b
}

// Name returns the exchange identifier.
func (b *Base) Name() string { return b.Exchange }

// Events returns the connector's event stream.
func (b *Base) Events() <-chan domain.ConnectorEvent { return b.events }

// Closed reports whether Shutdown has run.
func (b *Base) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Connected reports whether MarkConnected has run since creation.
func (b *Base) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// MarkConnected flips the connector to connected and emits the connected
// event.
func (b *Base) MarkConnected() {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.Emit(domain.ConnectorEvent{Type: domain.EventConnected, Exchange: b.Exchange, At: time.Now()})
	b.Logger.Info("connector connected")
}

// Shutdown stops every subscription, marks the connector closed, and closes
// the event stream. Idempotent.
func (b *Base) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.connected = false
	b.mu.Unlock()

	b.Supervisor.StopAll()

	b.mu.Lock()
	close(b.events)
	b.mu.Unlock()
	b.Logger.Info("connector closed")
}

// Emit delivers an event to the stream without blocking. Events are dropped
// with a warning when the consumer falls behind, and silently after close.
func (b *Base) Emit(ev domain.ConnectorEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.events <- ev:
	default:
		b.Logger.Warn("event channel full, dropping event", slog.String("type", string(ev.Type)))
	}
}

// Call wraps an outbound request with the retry policy and a not-connected
// guard.
func (b *Base) Call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if b.Closed() {
		return domain.ErrClosed
	}
	return b.Retrier.Do(ctx, op, fn)
}

// Poll runs fn on a fixed cadence until ctx is cancelled, for venues without
// a push stream. A transport error ends the current watch iteration so the
// supervisor applies its own retry delay.
func Poll(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := fn(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
		}
	}
}
