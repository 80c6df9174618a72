// Package realtime streams contract lifecycle events to connected
// dashboards over WebSocket, so site managers see funding, releases and
// disputes without polling.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sitepay/escrowd/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 1000

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// Client represents one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub manages all WebSocket connections and fans broadcast payloads out to
// every client. Slow clients are dropped rather than blocking the hub.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race

	totalEvents atomic.Int64
	closeOnce   sync.Once
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. Call in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer h.closeOnce.Do(func() { close(h.done) })

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down")
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			metrics.ActiveWebSocketClients.Set(0)
			return

		case client := <-h.register:
			if len(h.clients) >= MaxClients {
				h.logger.Warn("rejecting websocket client, hub at capacity")
				close(client.send)
				continue
			}
			h.clients[client] = true
			metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
			}

		case payload := <-h.broadcast:
			h.totalEvents.Add(1)
			for client := range h.clients {
				select {
				case client.send <- payload:
				default:
					// Slow consumer: drop it
					delete(h.clients, client)
					close(client.send)
				}
			}
			metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
		}
	}
}

// Broadcast queues v (JSON-encoded) for delivery to all clients. It never
// blocks: if the hub's buffer is full the payload is dropped.
func (h *Hub) Broadcast(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("failed to encode realtime payload", "error", err)
		return
	}
	select {
	case h.broadcast <- payload:
	case <-h.done:
	default:
		h.logger.Warn("realtime broadcast buffer full, dropping event")
	}
}

// TotalEvents returns the number of events broadcast since start.
func (h *Hub) TotalEvents() int64 {
	return h.totalEvents.Load()
}

// ServeWS upgrades an HTTP request to a WebSocket subscription.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "realtime hub not running", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, 64)}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		// Clients are read-only subscribers; we read just to observe close.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
