// WebSocket event feed: broadcasts queue snapshots to local observers.
package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/calebhs/offgrid/internal/logging"
	"github.com/calebhs/offgrid/internal/models"
	"github.com/calebhs/offgrid/internal/notify"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The feed is for on-device observers only.
		host := r.Host
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		return host == "localhost" || host == "127.0.0.1"
	},
}

const (
	eventQueueSnapshot = "queue.snapshot"
	eventSyncStarted   = "sync.started"
	eventSyncCompleted = "sync.completed"
	eventSyncFailed    = "sync.failed"
	eventSyncPaused    = "sync.paused"
)

// wsEnvelope wraps every feed message.
type wsEnvelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// wsClient is one observer connection.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *wsHub
}

// wsHub fans queue events out to connected observers.
type wsHub struct {
	mu         sync.RWMutex
	clients    map[string]*wsClient
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
}

func newWSHub() *wsHub {
	hub := &wsHub{
		clients:    make(map[string]*wsClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
	go hub.run()
	return hub
}

func (h *wsHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("event feed client connected", map[string]interface{}{
				"client": client.id, "total": total,
			})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("event feed client disconnected", map[string]interface{}{
				"client": client.id, "total": total,
			})

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer; drop the connection rather than block.
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// emit serializes and queues an event for all observers.
func (h *wsHub) emit(eventType string, data interface{}) {
	body, err := json.Marshal(wsEnvelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		logging.Error("failed to encode feed event", err)
		return
	}
	h.broadcast <- body
}

// BroadcastSnapshot publishes a queue snapshot, plus a discrete lifecycle
// event when the session just reached a terminal state.
func (h *wsHub) BroadcastSnapshot(s notify.QueueSnapshot) {
	h.emit(eventQueueSnapshot, s)

	switch s.Session.Status {
	case models.SessionConnecting:
		h.emit(eventSyncStarted, s.Session)
	case models.SessionCompleted:
		h.emit(eventSyncCompleted, s.Session)
	case models.SessionFailed:
		h.emit(eventSyncFailed, s.Session)
	case models.SessionPaused:
		h.emit(eventSyncPaused, s.Session)
	}
}

// readPump discards inbound frames, honoring pings and close handshakes.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("event feed read error", map[string]interface{}{
					"client": c.id, "error": err.Error(),
				})
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket upgrades an HTTP request into a feed connection.
func handleWebSocket(hub *wsHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error("failed to upgrade event feed connection", err)
			return
		}

		client := &wsClient{
			id:   time.Now().Format("20060102150405.000") + "-" + r.RemoteAddr,
			conn: conn,
			send: make(chan []byte, 256),
			hub:  hub,
		}
		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}
