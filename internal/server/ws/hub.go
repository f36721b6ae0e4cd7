// Package ws pushes live trades to local WebSocket subscribers.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// sendBufferSize is the per-client queue. A client whose queue is full
	// is disconnected.
	sendBufferSize = 256

	// broadcastBuffer is the queue between Publish and the hub loop.
	broadcastBuffer = 1024
)

// allMarkets is the default subscription every client starts with.
const allMarkets = "*"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

// subscribeMsg narrows or widens the markets a client receives, e.g.
// {"action":"subscribe","markets":["0xabc"]}. Subscribing to specific markets
// drops the default "*".
type subscribeMsg struct {
	Action  string   `json:"action"`
	Markets []string `json:"markets"`
}

type broadcastMsg struct {
	market string
	data   []byte
}

// Hub fans trades out to every connected client. There is no replay: a client
// sees only trades published after it connected.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger

	dropped  int64
	evicted  int64
	statsMu  sync.Mutex
	sentMsgs int64
}

// NewHub creates a Hub. Run must be running for clients to be served.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, broadcastBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "ws")),
	}
}

// Publish queues t for every subscribed client. It never blocks; when the hub
// queue is full the trade is dropped for all clients and counted.
func (h *Hub) Publish(t domain.Trade) {
	data, err := json.Marshal(t)
	if err != nil {
		h.logger.Warn("ws: encode trade failed", slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- broadcastMsg{market: t.ConditionID, data: data}:
	default:
		h.statsMu.Lock()
		h.dropped++
		h.statsMu.Unlock()
	}
}

// Run is the hub event loop. It returns nil once ctx is cancelled, after
// closing every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", h.ClientCount()))

		case c := <-h.unregister:
			h.remove(c)
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", h.ClientCount()))

		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// fanOut delivers msg to each subscribed client; a client that cannot take it
// is removed so it never holds up the others.
func (h *Hub) fanOut(msg broadcastMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var sent, evicted int64
	for c := range h.clients {
		if !c.isSubscribed(msg.market) {
			continue
		}
		select {
		case c.send <- msg.data:
			sent++
		default:
			delete(h.clients, c)
			close(c.send)
			evicted++
		}
	}
	if evicted > 0 {
		h.logger.Warn("ws: removed slow clients", slog.Int64("count", evicted))
	}

	h.statsMu.Lock()
	h.sentMsgs += sent
	h.evicted += evicted
	h.statsMu.Unlock()
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: map[string]bool{allMarkets: true},
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats reports delivery counters.
type Stats struct {
	Clients int   `json:"clients"`
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
	Evicted int64 `json:"evicted"`
}

// Stats returns a snapshot of the delivery counters.
func (h *Hub) Stats() Stats {
	n := h.ClientCount()
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return Stats{Clients: n, Sent: h.sentMsgs, Dropped: h.dropped, Evicted: h.evicted}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
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
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		if len(msg.Markets) > 0 {
			delete(c.subs, allMarkets)
		}
		for _, m := range msg.Markets {
			c.subs[strings.ToLower(m)] = true
		}
	case "unsubscribe":
		for _, m := range msg.Markets {
			delete(c.subs, strings.ToLower(m))
		}
	}
}

func (c *client) isSubscribed(market string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[allMarkets] || c.subs[strings.ToLower(market)]
}

// writePump sends queued trades as text frames plus periodic pings.
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
