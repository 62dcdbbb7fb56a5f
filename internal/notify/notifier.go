// Package notify delivers operator alerts for the funding-rate arbitrage
// engine over Telegram and Discord. Producers tag every alert with one of the
// event names below; the [notify] events list in the config decides which of
// them actually reach a channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Event names alerts are tagged with. These are the values accepted in the
// config's [notify] events list.
const (
	EventOpportunityDetected = "opportunity_detected"
	EventOpportunityExpired  = "opportunity_expired"
	EventExitSuggested       = "exit_suggested"
)

// Message is one operator alert. Event routes it through the configured
// filter; Title and Body are rendered per channel (bold title, plain body).
type Message struct {
	Event string
	Title string
	Body  string
}

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	// Name identifies the channel in logs and joined errors ("telegram").
	Name() string
}

// Notifier fans alerts out to every configured channel, filtered by event
// name.
type Notifier struct {
	senders []Sender
	allowed map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders. Only events
// named in the events list pass the filter; an empty list allows everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers one alert to every sender when its event is enabled.
// Per-sender failures are joined; one channel failing does not stop the
// others.
func (n *Notifier) Notify(ctx context.Context, msg Message) error {
	if len(n.allowed) > 0 && !n.allowed[msg.Event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", msg.Event),
		)
		return nil
	}
	if len(n.senders) == 0 {
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", msg.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("event", msg.Event),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}
