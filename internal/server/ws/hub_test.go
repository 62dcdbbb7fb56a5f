package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/q0821/fundingarb/internal/domain"
)

type memBus struct {
	mu      sync.Mutex
	subs    map[string][]chan []byte
	streams map[string][]domain.StreamMessage
}

func newMemBus() *memBus {
	return &memBus{
		subs:    make(map[string][]chan []byte),
		streams: make(map[string][]domain.StreamMessage),
	}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	return ch, nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream] = append(b.streams[stream], domain.StreamMessage{
		ID:      "1-0",
		Payload: payload,
	})
	return nil
}

func (b *memBus) StreamRead(_ context.Context, stream, _ string, _ int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[stream], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestClient(h *Hub) *client {
	c := &client{
		hub:   h,
		send:  make(chan []byte, sendBufferSize),
		done:  make(chan struct{}),
		subs:  make(map[string]bool),
		rooms: make(map[string]bool),
	}
	for _, ch := range defaultChannels {
		c.subs[ch] = true
	}
	return c
}

func TestReplaySurvivesDisconnectedClient(t *testing.T) {
	bus := newMemBus()
	hub := NewHub(bus, discardLogger())

	payload, _ := json.Marshal(map[string]any{
		"room":     "group:g1",
		"group_id": "g1",
	})
	if err := bus.StreamAppend(context.Background(), "batch:close:stream:g1", payload); err != nil {
		t.Fatal(err)
	}

	c := newTestClient(hub)
	// The client dropped before the replay goroutine got scheduled.
	close(c.done)

	c.replayBatchStream("g1")

	select {
	case frame := <-c.send:
		t.Fatalf("replay delivered %s to a disconnected client", frame)
	default:
	}
}

func TestReplayDeliversStream(t *testing.T) {
	bus := newMemBus()
	hub := NewHub(bus, discardLogger())

	payload, _ := json.Marshal(map[string]any{"room": "group:g2", "current": 1})
	if err := bus.StreamAppend(context.Background(), "batch:close:stream:g2", payload); err != nil {
		t.Fatal(err)
	}

	c := newTestClient(hub)
	c.replayBatchStream("g2")

	select {
	case frame := <-c.send:
		var got struct {
			Type string          `json:"type"`
			ID   string          `json:"id"`
			Raw  json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(frame, &got); err != nil {
			t.Fatal(err)
		}
		if got.Type != "batch:close:replay" || got.ID != "1-0" {
			t.Fatalf("frame = %+v", got)
		}
	default:
		t.Fatal("no replay frame delivered")
	}
}

func TestHubRoutesRoomScopedEvents(t *testing.T) {
	bus := newMemBus()
	hub := NewHub(bus, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(runDone)
	}()

	member := newTestClient(hub)
	member.rooms["group:g3"] = true
	outsider := newTestClient(hub)
	hub.register <- member
	hub.register <- outsider

	// Wait for the hub's background subscription before publishing.
	for i := 0; i < 200; i++ {
		bus.mu.Lock()
		n := len(bus.subs[domain.ChannelBatchProgress])
		bus.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	payload, _ := json.Marshal(map[string]any{"room": "group:g3", "current": 2, "total": 3})
	if err := bus.Publish(ctx, domain.ChannelBatchProgress, payload); err != nil {
		t.Fatal(err)
	}

	select {
	case frame := <-member.send:
		var got struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(frame, &got); err != nil {
			t.Fatal(err)
		}
		if got.Type != domain.ChannelBatchProgress {
			t.Fatalf("type = %q", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("room member got no event")
	}

	select {
	case frame := <-outsider.send:
		t.Fatalf("non-member got room event %s", frame)
	case <-time.After(50 * time.Millisecond):
	}

	hub.unregister <- member
	select {
	case <-member.done:
	case <-time.After(time.Second):
		t.Fatal("unregister did not signal done")
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	select {
	case <-outsider.done:
	default:
		t.Fatal("shutdown did not signal remaining client")
	}
}
