package api

import (
	"log"
	"sync"
	"time"

	"github.com/andi/reportflow/backend/models"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// ClientMessage represents a message from client to server
type ClientMessage struct {
	Action string `json:"action"` // "ping"
}

// ServerMessage represents a message from server to client
type ServerMessage struct {
	Type   string                   `json:"type"` // "record", "pong"
	Record *models.ProcessingRecord `json:"record,omitempty"`
	Time   string                   `json:"time"`
}

// Client represents a connected WebSocket client
type Client struct {
	conn *websocket.Conn
	send chan ServerMessage
	done chan struct{} // closed when the hub drops the client
}

// WebSocketHub fans record transitions out to every connected client
type WebSocketHub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub() *WebSocketHub {
	hub := &WebSocketHub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopCh:     make(chan struct{}),
	}

	go hub.run()
	return hub
}

// run handles the main event loop
func (h *WebSocketHub) run() {
	for {
		select {
		case <-h.stopCh:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.done)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("[WebSocket] Client registered")

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// removeClient drops a client and stops its write pump
func (h *WebSocketHub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.done)
}

// RecordChanged broadcasts a record transition. It never blocks the pipeline:
// clients whose buffer is full miss the message.
func (h *WebSocketHub) RecordChanged(record models.ProcessingRecord) {
	msg := ServerMessage{
		Type:   "record",
		Record: &record,
		Time:   time.Now().Format(time.RFC3339),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			log.Printf("[WebSocket] Warning: client send channel full, dropping update for %s", record.FileName)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop stops the WebSocket hub and closes every client
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(c *fiber.Ctx) error {
	return websocket.New(func(conn *websocket.Conn) {
		defer conn.Close()

		client := &Client{
			conn: conn,
			send: make(chan ServerMessage, 64),
			done: make(chan struct{}),
		}

		select {
		case s.hub.register <- client:
		case <-s.hub.stopCh:
			return
		}

		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			client.writePump(s.hub.stopCh)
		}()

		// Read pump (blocking)
		client.readPump()

		select {
		case s.hub.unregister <- client:
		case <-s.hub.stopCh:
		}
		// The connection is released when this handler returns
		<-writerDone
	})(c)
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump() {
	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WebSocket] Read error: %v", err)
			}
			return
		}

		if msg.Action == "ping" {
			pong := ServerMessage{Type: "pong", Time: time.Now().Format(time.RFC3339)}
			select {
			case c.send <- pong:
			default:
			}
		}
	}
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump(stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-stop:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Printf("[WebSocket] Write error: %v", err)
				return
			}

		case <-ticker.C:
			// Keep the connection alive
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
