// Package notify pushes QR images and status text to waiting dashboard
// clients over websockets. The channel is best-effort: a slow or absent
// client never affects the authentication flow feeding it.
package notify

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message is one frame pushed to a client.
type Message struct {
	Type string `json:"type"` // "qr" or "status"
	Data string `json:"data"`
}

const (
	writeWait  = 5 * time.Second
	sendBuffer = 8
)

type client struct {
	conn *websocket.Conn
	send chan Message
}

// Hub tracks connected clients by their self-chosen connection id.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	upgrader websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard runs on a different origin in dev.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and registers it under the client's
// connectionId query parameter. A reconnect with the same id replaces the
// previous connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := r.URL.Query().Get("connectionId")
	if connID == "" {
		http.Error(w, `{"error":"connectionId query parameter is required"}`, http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("⚠️ ws: upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan Message, sendBuffer)}

	h.mu.Lock()
	if old, ok := h.clients[connID]; ok {
		close(old.send)
	}
	h.clients[connID] = c
	h.mu.Unlock()

	go h.writePump(connID, c)
	go h.readPump(connID, c)
}

// SendQRImage pushes a base64 PNG frame. Non-blocking: the frame is
// dropped when the client's buffer is full or the client is gone.
func (h *Hub) SendQRImage(connID, pngBase64 string) {
	h.push(connID, Message{Type: "qr", Data: pngBase64})
}

// SendStatus pushes a human-readable status line, same delivery contract
// as SendQRImage.
func (h *Hub) SendStatus(connID, message string) {
	h.push(connID, Message{Type: "status", Data: message})
}

func (h *Hub) push(connID string, msg Message) {
	if connID == "" {
		return
	}

	// The send stays under the read lock: send channels are only closed
	// under the write lock, so a frame can never hit a closed channel.
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[connID]
	if !ok {
		return
	}

	select {
	case c.send <- msg:
	default:
		// Backpressure: drop rather than stall the auth flow.
	}
}

func (h *Hub) writePump(connID string, c *client) {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		buf, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
			return
		}
	}
}

// readPump drains the connection so pings are answered and unregisters the
// client when it goes away.
func (h *Hub) readPump(connID string, c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	if cur, ok := h.clients[connID]; ok && cur == c {
		delete(h.clients, connID)
		close(c.send)
	}
	h.mu.Unlock()
}
