package venue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/q0821/fundingarb/internal/domain"
)

// retryDelay is the fixed wait after a transport failure before the watch
// task tries again.
const retryDelay = 5 * time.Second

// SubscriptionState is the explicit lifecycle of one watch task.
type SubscriptionState int

const (
	SubRunning SubscriptionState = iota
	SubStopping
	SubStopped
)

// WatchFunc performs one iteration of a subscription: await the next push
// message, or poll the REST equivalent. It returns when it has handled one
// message (or one poll); transport errors are returned for the supervisor to
// log and back off on.
type WatchFunc func(ctx context.Context) error

// subscription is one supervised watch task with its own cancel handle.
type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state SubscriptionState
}

func (s *subscription) setState(st SubscriptionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *subscription) getState() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Supervisor owns every subscription of one connector, keyed by type and
// symbol. Repeated subscribe/unsubscribe cycles cannot leak tasks: each key
// holds at most one task, and unsubscribing waits for the old task to stop.
type Supervisor struct {
	exchange string
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewSupervisor creates an empty Supervisor for the named exchange.
func NewSupervisor(exchange string, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		exchange: exchange,
		logger:   logger.With(slog.String("component", "sub_supervisor"), slog.String("exchange", exchange)),
		subs:     make(map[string]*subscription),
	}
}

func subKey(typ domain.SubscriptionType, symbol string) string {
	return string(typ) + ":" + symbol
}

// Start launches a watch task for the given key. It returns
// domain.ErrAlreadyExists when a task is already running for that key.
func (s *Supervisor) Start(ctx context.Context, typ domain.SubscriptionType, symbol string, watch WatchFunc) error {
	key := subKey(typ, symbol)

	s.mu.Lock()
	if existing, ok := s.subs[key]; ok && existing.getState() != SubStopped {
		s.mu.Unlock()
		return domain.ErrAlreadyExists
	}

	taskCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		cancel: cancel,
		done:   make(chan struct{}),
		state:  SubRunning,
	}
	s.subs[key] = sub
	s.mu.Unlock()

	go s.run(taskCtx, sub, key, watch)
	return nil
}

// run is the watch loop. On each transport failure it logs, waits a fixed
// delay, and retries until the subscription is stopped.
func (s *Supervisor) run(ctx context.Context, sub *subscription, key string, watch WatchFunc) {
	defer func() {
		sub.setState(SubStopped)
		close(sub.done)
	}()

	s.logger.Info("subscription started", slog.String("key", key))
	defer s.logger.Info("subscription stopped", slog.String("key", key))

	for {
		if ctx.Err() != nil {
			return
		}

		err := watch(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("subscription transport error, will retry",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

// Stop cancels the watch task for the given key and waits for it to finish.
// Stopping an unknown key is a no-op.
func (s *Supervisor) Stop(typ domain.SubscriptionType, symbol string) {
	key := subKey(typ, symbol)

	s.mu.Lock()
	sub, ok := s.subs[key]
	if ok {
		delete(s.subs, key)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	sub.setState(SubStopping)
	sub.cancel()
	<-sub.done
}

// StopAll tears down every subscription. Used on connector close.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for k, sub := range s.subs {
		subs = append(subs, sub)
		delete(s.subs, k)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.setState(SubStopping)
		sub.cancel()
		<-sub.done
	}
}

// State reports the state of the watch task for the given key.
func (s *Supervisor) State(typ domain.SubscriptionType, symbol string) (SubscriptionState, bool) {
	s.mu.Lock()
	sub, ok := s.subs[subKey(typ, symbol)]
	s.mu.Unlock()
	if !ok {
		return SubStopped, false
	}
	return sub.getState(), true
}

// Active returns the number of running subscriptions.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if sub.getState() == SubRunning {
			n++
		}
	}
	return n
}
