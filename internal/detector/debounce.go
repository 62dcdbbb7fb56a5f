package detector

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/q0821/fundingarb/internal/domain"
	"github.com/q0821/fundingarb/internal/notify"
)

// defaultDebounceWindow is the minimum gap between notifications for the
// same key and event.
const defaultDebounceWindow = 5 * time.Minute

// Debouncer rate-limits per-key notifications. Events arriving inside the
// window are folded into the next delivered notification rather than sent;
// the delivered record carries how many were folded. Every delivery is also
// appended to the notification log.
type Debouncer struct {
	window   time.Duration
	notifier *notify.Notifier
	log      domain.NotificationStore
	logger   *slog.Logger

	mu         sync.Mutex
	lastSent   map[string]time.Time
	suppressed map[string]int
	now        func() time.Time
}

// NewDebouncer creates a Debouncer with the given window; window <= 0 uses
// the default.
func NewDebouncer(window time.Duration, notifier *notify.Notifier, log domain.NotificationStore, logger *slog.Logger) *Debouncer {
	if window <= 0 {
		window = defaultDebounceWindow
	}
	return &Debouncer{
		window:     window,
		notifier:   notifier,
		log:        log,
		logger:     logger.With(slog.String("component", "debouncer")),
		lastSent:   make(map[string]time.Time),
		suppressed: make(map[string]int),
		now:        time.Now,
	}
}

func debounceKey(key, event string) string {
	return key + "#" + event
}

// Notify delivers a notification unless one for the same key and event went
// out inside the window. It reports whether the notification was sent.
func (b *Debouncer) Notify(ctx context.Context, key, event, title, message string) bool {
	dk := debounceKey(key, event)
	now := b.now()

	b.mu.Lock()
	if last, ok := b.lastSent[dk]; ok && now.Sub(last) < b.window {
		b.suppressed[dk]++
		b.mu.Unlock()
		return false
	}
	folded := b.suppressed[dk]
	delete(b.suppressed, dk)
	b.lastSent[dk] = now
	b.mu.Unlock()

	if err := b.notifier.Notify(ctx, notify.Message{Event: event, Title: title, Body: message}); err != nil {
		b.logger.Warn("notification delivery failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}

	rec := domain.NotificationRecord{
		OpportunityKey:  key,
		Event:           event,
		Suppressed:      folded > 0,
		SuppressedCount: folded,
		Message:         message,
		SentAt:          now,
	}
	if err := b.log.Insert(ctx, rec); err != nil {
		b.logger.Error("append notification log", slog.String("error", err.Error()))
	}
	return true
}

// Reset forgets debounce state for every event under key, so the next
// notification for it fires immediately. Pending suppressed counts are
// discarded.
func (b *Debouncer) Reset(key string) {
	prefix := key + "#"
	b.mu.Lock()
	defer b.mu.Unlock()
	for dk := range b.lastSent {
		if strings.HasPrefix(dk, prefix) {
			delete(b.lastSent, dk)
			delete(b.suppressed, dk)
		}
	}
}

// Clear drops all debounce state.
func (b *Debouncer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSent = make(map[string]time.Time)
	b.suppressed = make(map[string]int)
}
