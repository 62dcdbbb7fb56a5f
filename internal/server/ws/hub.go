package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/q0821/fundingarb/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// defaultChannels are the Redis pub/sub channels that the hub subscribes to.
var defaultChannels = []string{
	domain.ChannelRateUpdated,
	domain.ChannelCloseProgress,
	domain.ChannelCloseSuccess,
	domain.ChannelCloseFailed,
	domain.ChannelClosePartial,
	domain.ChannelBatchProgress,
	domain.ChannelBatchPositionComplete,
	domain.ChannelBatchComplete,
	domain.ChannelBatchFailed,
	domain.ChannelExitSuggested,
	domain.ChannelExitCanceled,
}

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins. In production, restrict this to known origins.
		return true
	},
}

// client represents a single WebSocket connection. send is never closed;
// the hub signals shutdown by closing done, so goroutines that outlive
// unregistration (stream replay, the write pump) can still select on send
// safely.
type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
	subs  map[string]bool // subscribed channels
	rooms map[string]bool // joined rooms (position:<id>, group:<id>)
	mu    sync.RWMutex
}

// subscribeMsg is the JSON message a client sends to manage its channel
// subscriptions and room membership.
//
//	{"action":"subscribe","channels":["position:close:*"]}
//	{"join":["group:7f3a..."],"leave":["position:42"]}
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
	Join     []string `json:"join"`
	Leave    []string `json:"leave"`
}

// Hub manages a set of connected WebSocket clients and fans the Redis signal
// bus out to them. Room-scoped events (position and batch close progress,
// exit suggestions) only reach clients that joined the matching room; the
// funding-rate feed is global.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	mu         sync.RWMutex
	logger     *slog.Logger
	startedAt  time.Time
}

// broadcastMsg carries a message along with its source channel so the hub
// can route it only to clients subscribed to that channel.
type broadcastMsg struct {
	channel string
	data    []byte
}

// roomEnvelope extracts the optional room field that position, batch and exit
// events carry in their payloads.
type roomEnvelope struct {
	Room string `json:"room"`
}

// NewHub creates a new WebSocket hub that bridges a Redis SignalBus to
// connected WebSocket clients.
func NewHub(bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		logger:     logger,
		startedAt:  time.Now().UTC(),
	}
}

// Run starts the hub's main event loop. It should be called in a goroutine.
// It handles client registration, unregistration, and message broadcasting.
// The loop exits when the provided context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	// Start background subscriptions to Redis channels.
	for _, ch := range defaultChannels {
		go h.subscribeToChannel(ctx, ch)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.done)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected",
				slog.Int("total_clients", h.clientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.done)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected",
				slog.Int("total_clients", h.clientCount()),
			)

		case msg := <-h.broadcast:
			frame, room := envelope(msg)
			h.mu.RLock()
			for c := range h.clients {
				if !c.wantsMessage(msg.channel, room) {
					continue
				}
				select {
				case c.send <- frame:
				default:
					// Client's send buffer is full; drop the message.
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// envelope wraps a bus payload in a typed frame and extracts the event's
// room, if any.
func envelope(msg broadcastMsg) ([]byte, string) {
	var re roomEnvelope
	_ = json.Unmarshal(msg.data, &re)

	frame, err := json.Marshal(map[string]any{
		"type":    msg.channel,
		"payload": json.RawMessage(msg.data),
	})
	if err != nil {
		// Payload was not valid JSON; forward it raw.
		return msg.data, re.Room
	}
	return frame, re.Room
}

// subscribeToChannel subscribes to a single Redis pub/sub channel and
// forwards received messages to the hub's broadcast channel.
func (h *Hub) subscribeToChannel(ctx context.Context, channel string) {
	msgCh, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to channel",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}

	h.logger.Info("ws: subscribed to channel", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: channel subscription closed",
					slog.String("channel", channel),
				)
				return
			}
			h.broadcast <- broadcastMsg{
				channel: channel,
				data:    data,
			}
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		done:  make(chan struct{}),
		subs:  make(map[string]bool),
		rooms: make(map[string]bool),
	}

	// Subscribe to all default channels initially. Room-scoped events still
	// require an explicit join.
	for _, ch := range defaultChannels {
		c.subs[ch] = true
	}

	h.register <- c
	c.sendInitialStatus()

	// Start read and write pumps in separate goroutines.
	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump reads messages from the WebSocket connection. It handles
// subscription management requests (JSON text frames) from the client.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var sub subscribeMsg
		if jsonErr := json.Unmarshal(message, &sub); jsonErr == nil &&
			(sub.Action != "" || len(sub.Channels) > 0 || len(sub.Join) > 0 || len(sub.Leave) > 0) {
			c.handleSubscription(sub)
		}
	}
}

// handleSubscription processes subscribe/unsubscribe and room join/leave
// requests from the client. Joining a group room replays the group's batch
// close stream so a reconnecting client sees progress it missed.
func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}

	joined := make([]string, 0, len(msg.Join))
	for _, room := range msg.Join {
		if !c.rooms[room] {
			c.rooms[room] = true
			joined = append(joined, room)
		}
	}
	for _, room := range msg.Leave {
		delete(c.rooms, room)
	}
	c.mu.Unlock()

	for _, room := range joined {
		if groupID, ok := strings.CutPrefix(room, "group:"); ok {
			go c.replayBatchStream(groupID)
		}
	}
}

// replayBatchStream pushes the persisted batch-close event stream for a group
// to the client, so clients that reconnect mid-batch can catch up.
func (c *client) replayBatchStream(groupID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entries, err := c.hub.bus.StreamRead(ctx, "batch:close:stream:"+groupID, "0", 1000)
	if err != nil {
		c.hub.logger.Warn("ws: batch stream replay failed",
			slog.String("group_id", groupID),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, entry := range entries {
		frame, err := json.Marshal(map[string]any{
			"type":    "batch:close:replay",
			"id":      entry.ID,
			"payload": json.RawMessage(entry.Payload),
		})
		if err != nil {
			continue
		}
		select {
		case <-c.done:
			// Client disconnected mid-replay.
			return
		default:
		}
		select {
		case c.send <- frame:
		default:
			// Buffer full; the live feed takes precedence over replay.
			return
		}
	}
}

// sendInitialStatus pushes a small JSON envelope so clients can immediately
// mark the connection as healthy even when no funding events are flowing yet.
func (c *client) sendInitialStatus() {
	uptime := int64(time.Since(c.hub.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}

	msg, err := json.Marshal(map[string]any{
		"type": "status",
		"payload": map[string]any{
			"ws_connected":   true,
			"uptime_seconds": uptime,
		},
	})
	if err != nil {
		return
	}

	select {
	case c.send <- msg:
	default:
	}
}

// wantsMessage reports whether the client should receive a message published
// on channel. Room-scoped events additionally require membership in the
// event's room.
func (c *client) wantsMessage(channel, room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.subscribed(channel) {
		return false
	}
	if room == "" {
		return true
	}
	return c.rooms[room]
}

// subscribed checks channel subscription, honoring trailing-* wildcards so
// "position:close:*" matches every close event. Callers hold c.mu.
func (c *client) subscribed(channel string) bool {
	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if len(sub) > 0 && sub[len(sub)-1] == '*' {
			prefix := sub[:len(sub)-1]
			if strings.HasPrefix(channel, prefix) {
				return true
			}
		}
	}
	return false
}

// writePump pumps messages from the hub to the WebSocket connection. It sends
// JSON text frames for data messages and periodic ping frames for keepalive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
