package venue

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/q0821/fundingarb/internal/domain"
)

// wsHandshakeTimeout bounds the websocket dial.
const wsHandshakeTimeout = 10 * time.Second

// WSStream describes one venue websocket stream: where to dial, what to send
// after the dial, how to keep the connection alive, and how to handle each
// frame. Watch runs one connection's lifetime and returns when it breaks, so
// it plugs directly into the subscription supervisor as a WatchFunc.
type WSStream struct {
	URL string

	// Subscribe is an optional JSON frame sent right after the dial. Venues
	// with per-stream URLs leave it nil.
	Subscribe any

	// Ping is an optional keepalive frame writer. Invoked every PingInterval.
	Ping         func(conn *websocket.Conn) error
	PingInterval time.Duration

	// Handle processes one raw frame. A returned error tears the connection
	// down.
	Handle func(msg []byte) error
}

// Watch dials the stream and reads frames until the connection breaks or ctx
// is cancelled. Transport failures come back as ConnectionError so the
// supervisor retries.
func (s *WSStream) Watch(ctx context.Context, exchange string, logger *slog.Logger) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return &domain.ConnectionError{Exchange: exchange, Err: err}
	}
	defer conn.Close()

	if s.Subscribe != nil {
		if err := conn.WriteJSON(s.Subscribe); err != nil {
			return &domain.ConnectionError{Exchange: exchange, Err: err}
		}
	}

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if s.Ping != nil && s.PingInterval > 0 {
		go func() {
			ticker := time.NewTicker(s.PingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.Ping(conn); err != nil {
						logger.Warn("keepalive write failed", slog.String("error", err.Error()))
						conn.Close()
						return
					}
				}
			}
		}()
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &domain.ConnectionError{Exchange: exchange, Err: err}
		}
		if err := s.Handle(msg); err != nil {
			return err
		}
	}
}
