package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/tradehook/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10 // must stay below pongWait

	// Clients only send small filter messages.
	maxMessageSize = 4096
	sendBufferSize = 256

	// Replay must fit the send buffer next to the hello message.
	maxReplay = sendBufferSize / 2
)

// The endpoint sits behind API-key auth, so any origin may upgrade.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// client is one connected dashboard.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.RWMutex
	accounts map[string]bool // empty means every account
}

// filterMsg is the JSON message a client sends to narrow or widen the
// accounts it receives events for.
//
//	{"action":"subscribe","accounts":["main"]}
//	{"action":"unsubscribe","accounts":["main"]}
type filterMsg struct {
	Action   string   `json:"action"`
	Accounts []string `json:"accounts"`
}

// envelope is what clients receive. Replayed events carry their stream ID so
// a client can reconnect with ?since=<id>.
type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Hub relays position events from the signal bus to connected WebSocket
// clients.
type Hub struct {
	bus         domain.SignalBus
	channel     string
	stream      string
	replayLimit int
	logger      *slog.Logger
	mode        string
	startedAt   time.Time

	mu      sync.RWMutex
	clients map[*client]bool

	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}
}

type broadcastMsg struct {
	account string
	data    []byte
}

// Config captures runtime metadata sent to clients on connect.
type Config struct {
	// Channel is the bus channel carrying position events.
	Channel string
	// Stream is the durable mirror of Channel used for replay on connect.
	// Empty disables replay.
	Stream string
	// ReplayLimit caps replayed events per connection.
	ReplayLimit int
	Mode        string
	StartedAt   time.Time
}

// NewHub creates a hub bridging bus to WebSocket clients.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	if cfg.ReplayLimit <= 0 || cfg.ReplayLimit > maxReplay {
		cfg.ReplayLimit = maxReplay
	}
	return &Hub{
		bus:         bus,
		channel:     cfg.Channel,
		stream:      cfg.Stream,
		replayLimit: cfg.ReplayLimit,
		logger:      logger.With(slog.String("component", "ws")),
		mode:        cfg.Mode,
		startedAt:   cfg.StartedAt,
		clients:     make(map[*client]bool),
		broadcast:   make(chan broadcastMsg, 256),
		register:    make(chan *client),
		unregister:  make(chan *client),
		done:        make(chan struct{}),
	}
}

// Run subscribes to the event channel and serves clients until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	msgCh, err := h.bus.Subscribe(ctx, h.channel)
	if err != nil {
		h.logger.ErrorContext(ctx, "subscribe failed",
			slog.String("channel", h.channel),
			slog.String("error", err.Error()),
		)
		return err
	}
	go h.relay(ctx, msgCh)

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
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.account) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) relay(ctx context.Context, msgCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("event subscription closed", slog.String("channel", h.channel))
				return
			}
			var ev struct {
				AccountID string `json:"account_id"`
			}
			if err := json.Unmarshal(data, &ev); err != nil {
				h.logger.Warn("skipping malformed event", slog.String("error", err.Error()))
				continue
			}
			out, err := json.Marshal(envelope{Type: "position", Payload: data})
			if err != nil {
				continue
			}
			select {
			case h.broadcast <- broadcastMsg{account: ev.AccountID, data: out}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection. With
// ?since=<stream id> ("0" for the oldest retained) the client first receives
// the stored events after that id.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		accounts: make(map[string]bool),
	}
	c.sendHello()
	if since := r.URL.Query().Get("since"); since != "" {
		h.replay(r.Context(), c, since)
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// replay queues stream entries after since ahead of live events. Events
// published between the read and registration are not replayed.
func (h *Hub) replay(ctx context.Context, c *client, since string) {
	if h.stream == "" {
		return
	}
	msgs, err := h.bus.StreamRead(ctx, h.stream, since, h.replayLimit)
	if err != nil {
		h.logger.Warn("replay failed",
			slog.String("since", since),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, m := range msgs {
		out, err := json.Marshal(envelope{Type: "position", ID: m.ID, Payload: m.Payload})
		if err != nil {
			continue
		}
		select {
		case c.send <- out:
		default:
			h.logger.Warn("replay truncated", slog.String("last_id", m.ID))
			return
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
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
				c.hub.logger.Warn("unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var msg filterMsg
		if err := json.Unmarshal(message, &msg); err == nil && msg.Action != "" {
			c.applyFilter(msg)
		}
	}
}

func (c *client) applyFilter(msg filterMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, a := range msg.Accounts {
			c.accounts[a] = true
		}
	case "unsubscribe":
		for _, a := range msg.Accounts {
			delete(c.accounts, a)
		}
	}
}

func (c *client) wants(account string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.accounts) == 0 || c.accounts[account]
}

// sendHello lets clients mark the connection healthy before any event flows.
func (c *client) sendHello() {
	payload, err := json.Marshal(map[string]any{
		"mode":           c.hub.mode,
		"channel":        c.hub.channel,
		"uptime_seconds": max(0, int64(time.Since(c.hub.startedAt).Seconds())),
	})
	if err != nil {
		return
	}
	msg, err := json.Marshal(envelope{Type: "hello", Payload: payload})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
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
