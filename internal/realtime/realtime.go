// Package realtime streams invoice resolutions over WebSocket.
//
// Presentation layers subscribe here instead of polling invoice status;
// the reconciliation coordinator's resolved hook feeds the hub, so a
// connected client sees each terminal transition exactly once.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/veriflow-pay/veriflow/internal/invoice"
	"github.com/veriflow-pay/veriflow/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Update is one message pushed to subscribers.
type Update struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Invoice   any       `json:"invoice"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans invoice updates out to connected clients.
type Hub struct {
	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	logger     *slog.Logger
}

// NewHub creates a hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		logger:     logger,
	}
}

// Run processes hub events until the context is cancelled. Call in a
// goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				_ = c.conn.Close()
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow consumer: drop it rather than stall the hub.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// InvoiceResolved pushes a terminal invoice transition to all clients.
// Shaped to plug straight into reconcile.Service.OnInvoiceResolved.
func (h *Hub) InvoiceResolved(inv *invoice.Invoice) {
	msg, err := json.Marshal(Update{
		Type:      "invoice." + string(inv.Status),
		Timestamp: time.Now(),
		Invoice:   inv,
	})
	if err != nil {
		h.logger.Error("realtime marshal failed", "invoice", inv.ID, "error", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("realtime broadcast buffer full, dropping update", "invoice", inv.ID)
	}
}

// ServeWS handles GET /ws, upgrading the connection and registering the
// client with the hub.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{conn: conn, send: make(chan []byte, 16)}
	h.register <- cl

	go cl.writePump()
	go cl.readPump(h)
}

func (c *client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readPump discards inbound frames; its job is detecting disconnects.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
