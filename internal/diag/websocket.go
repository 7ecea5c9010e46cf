package diag

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rtcguard/internal/events"
)

const (
	// Websocket settings
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 // clients only send pongs
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// The server binds loopback by default; origin checks add nothing
		// for a local diagnostics feed.
		return true
	},
}

// wsHub tracks websocket clients and owns their lifecycle.
type wsHub struct {
	bus    *events.Bus
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*wsClient

	register   chan *wsClient
	unregister chan *wsClient
	stopOnce   sync.Once
	stopCh     chan struct{}
	done       chan struct{}
}

// wsClient is one feed subscriber.
type wsClient struct {
	hub    *wsHub
	conn   *websocket.Conn
	send   chan []byte
	events <-chan events.Event
	stopCh chan struct{}
}

func newWSHub(bus *events.Bus, logger *zap.Logger) *wsHub {
	h := &wsHub{
		bus:        bus,
		logger:     logger,
		clients:    make(map[*websocket.Conn]*wsClient),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *wsHub) run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conn] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Websocket client registered", zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.conn]; ok {
				delete(h.clients, client.conn)
				if h.bus != nil {
					h.bus.UnsubscribeAll(client.events)
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Websocket client unregistered", zap.Int("total_clients", total))

		case <-h.stopCh:
			// Closing the connections unwinds each client's pumps; the
			// event pump owns closing its send channel.
			h.mu.Lock()
			for conn, client := range h.clients {
				if h.bus != nil {
					h.bus.UnsubscribeAll(client.events)
				}
				_ = conn.Close()
			}
			h.clients = make(map[*websocket.Conn]*wsClient)
			h.mu.Unlock()
			return
		}
	}
}

func (h *wsHub) stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.done
}

func (h *wsHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWS upgrades the request and feeds every bus event to the client as
// a JSON frame.
func (h *wsHub) handleWS(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		http.Error(w, "event feed unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}

	client := &wsClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		events: h.bus.SubscribeAll(),
		stopCh: make(chan struct{}),
	}

	select {
	case h.register <- client:
	case <-h.done:
		h.bus.UnsubscribeAll(client.events)
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
	go client.eventPump()
}

// readPump consumes client frames to service pongs and detect disconnects.
func (c *wsClient) readPump() {
	defer func() {
		close(c.stopCh)
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("Websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// eventPump forwards bus events to the client, dropping when it can't keep
// up rather than stalling the feed. It owns the send channel; closing it
// tells the write pump to finish.
func (c *wsClient) eventPump() {
	defer close(c.send)
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				c.hub.logger.Warn("Failed to marshal event", zap.Error(err))
				continue
			}
			select {
			case c.send <- data:
			default:
				c.hub.logger.Warn("Websocket send buffer full, dropping event",
					zap.String("event_type", string(ev.Type)))
			}

		case <-c.stopCh:
			return
		}
	}
}
