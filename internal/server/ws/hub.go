// Package ws pushes engine events to WebSocket clients. The hub tails the
// durable event stream and fans each entry out to the clients subscribed to
// its event type.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribeMsg is what a client sends to choose event types. An empty
// subscription set receives everything.
type subscribeMsg struct {
	Subscribe   []string `json:"subscribe"`
	Unsubscribe []string `json:"unsubscribe"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	subs map[domain.EventType]bool
}

// Hub manages connected clients.
type Hub struct {
	bus    domain.EventBus
	stream string
	poll   time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub creates a hub that tails stream on bus every poll interval.
func NewHub(bus domain.EventBus, stream string, poll time.Duration, logger *slog.Logger) *Hub {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Hub{
		bus:     bus,
		stream:  stream,
		poll:    poll,
		logger:  logger.With(slog.String("component", "ws_hub")),
		clients: make(map[*client]bool),
	}
}

// Run tails the stream from "now" until ctx is cancelled, then closes every
// client.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()
	defer h.closeAll()

	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if lastID == "$" {
			// Anchor on the newest entry so connecting clients only see live
			// events. An empty stream starts from the beginning.
			lastID = h.anchor(ctx)
			continue
		}

		msgs, err := h.bus.StreamRead(ctx, h.stream, lastID, 100)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.WarnContext(ctx, "stream read failed", slog.String("error", err.Error()))
			}
			continue
		}
		for _, m := range msgs {
			lastID = m.ID
			h.Broadcast(m.Payload)
		}
	}
}

func (h *Hub) anchor(ctx context.Context) string {
	last := "0"
	for {
		msgs, err := h.bus.StreamRead(ctx, h.stream, last, 1000)
		if err != nil || len(msgs) == 0 {
			return last
		}
		last = msgs[len(msgs)-1].ID
	}
}

// Broadcast sends an encoded domain.Event to every subscribed client. Slow
// clients lose the message rather than stall the hub.
func (h *Hub) Broadcast(payload []byte) {
	var head struct {
		Type domain.EventType `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		h.logger.Warn("dropping undecodable event", slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(head.Type) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("dropping message for slow client")
		}
	}
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[domain.EventType]bool),
	}

	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected", slog.Int("total_clients", n))

	go c.writePump()
	go c.readPump()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client disconnected", slog.Int("total_clients", n))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (c *client) wants(t domain.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs) == 0 || c.subs[t]
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) != nil {
			continue
		}
		c.mu.Lock()
		for _, t := range sub.Subscribe {
			c.subs[domain.EventType(t)] = true
		}
		for _, t := range sub.Unsubscribe {
			delete(c.subs, domain.EventType(t))
		}
		c.mu.Unlock()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
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
