package notify

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

type stubSender struct {
	name string
	err  error
	got  []Message
}

func (s *stubSender) Send(_ context.Context, msg Message) error {
	s.got = append(s.got, msg)
	return s.err
}

func (s *stubSender) Name() string { return s.name }

func TestNotifierFiltersByEvent(t *testing.T) {
	tg := &stubSender{name: "telegram"}
	n := NewNotifier([]Sender{tg}, []string{EventOpportunityDetected}, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	if err := n.Notify(ctx, Message{Event: EventOpportunityDetected, Title: "Opportunity: BTCUSDT"}); err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(ctx, Message{Event: EventExitSuggested, Title: "Exit suggested: BTCUSDT"}); err != nil {
		t.Fatal(err)
	}

	if len(tg.got) != 1 || tg.got[0].Event != EventOpportunityDetected {
		t.Fatalf("delivered = %+v", tg.got)
	}
}

func TestNotifierEmptyFilterAllowsEverything(t *testing.T) {
	tg := &stubSender{name: "telegram"}
	n := NewNotifier([]Sender{tg}, nil, slog.New(slog.DiscardHandler))

	if err := n.Notify(context.Background(), Message{Event: EventExitSuggested}); err != nil {
		t.Fatal(err)
	}
	if len(tg.got) != 1 {
		t.Fatalf("delivered = %d", len(tg.got))
	}
}

func TestNotifierDeliversPastFailedSender(t *testing.T) {
	boom := errors.New("webhook down")
	dc := &stubSender{name: "discord", err: boom}
	tg := &stubSender{name: "telegram"}
	n := NewNotifier([]Sender{dc, tg}, nil, slog.New(slog.DiscardHandler))

	err := n.Notify(context.Background(), Message{Event: EventOpportunityExpired, Title: "t"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped sender failure", err)
	}
	if len(tg.got) != 1 {
		t.Fatal("healthy sender skipped after a failing one")
	}
}
