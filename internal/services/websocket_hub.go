package services

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/fabienpiette/tunevault/internal/models"
)

// WebSocketHub forwards progress events to the WebSocket connections of the
// user who owns them.
type WebSocketHub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	stopChan chan struct{}
	stopOnce sync.Once

	logger *logrus.Logger
	mu     sync.RWMutex
}

// Client represents a WebSocket client connection
type Client struct {
	conn *websocket.Conn
	send chan []byte

	userID   int64
	clientID string

	hub      *WebSocketHub
	lastSeen atomic.Int64
}

// WebSocketMessage represents a message sent over WebSocket
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

const messageTypeConnected = "connected"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub(logger *logrus.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopChan:   make(chan struct{}),
		logger:     logger,
	}
}

// Run serves registrations and forwards events until Stop is called or the
// event channel closes.
func (h *WebSocketHub) Run(events <-chan *models.ProgressEvent) {
	h.logger.Info("Starting WebSocket hub")

	go h.cleanupRoutine()

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()

		case event, ok := <-events:
			if !ok {
				h.logger.Info("Progress stream closed, WebSocket hub stopping")
				return
			}
			h.SendEvent(event)

		case <-h.stopChan:
			h.logger.Info("WebSocket hub stopping")
			return
		}
	}
}

// Stop stops the WebSocket hub and closes every connection
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)

		h.mu.Lock()
		defer h.mu.Unlock()
		for client := range h.clients {
			h.removeLocked(client)
			client.conn.Close()
		}
	})
}

// HandleWebSocket upgrades the request and attaches the connection to a user
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID int64, clientID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		conn:     conn,
		send:     make(chan []byte, 256),
		userID:   userID,
		clientID: clientID,
		hub:      h,
	}
	client.touch()

	select {
	case h.register <- client:
	case <-h.stopChan:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// SendEvent delivers a progress event to the connections of its user
func (h *WebSocketHub) SendEvent(event *models.ProgressEvent) {
	h.sendToUser(&WebSocketMessage{
		Type:      string(event.Type),
		Data:      event,
		Timestamp: event.Timestamp,
	}, event.UserID)
}

func (h *WebSocketHub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true
	h.logger.Infof("WebSocket client connected: user=%d, client=%s", client.userID, client.clientID)

	welcome := &WebSocketMessage{
		Type:      messageTypeConnected,
		Data:      map[string]interface{}{"client_id": client.clientID},
		Timestamp: time.Now(),
	}
	if data, err := json.Marshal(welcome); err == nil {
		h.deliverLocked(client, data)
	}
}

// removeLocked drops a client and closes its send channel. The caller holds mu.
func (h *WebSocketHub) removeLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.logger.Infof("WebSocket client disconnected: user=%d, client=%s", client.userID, client.clientID)
}

// deliverLocked queues a message, dropping clients whose buffer is full
func (h *WebSocketHub) deliverLocked(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		h.logger.Warnf("WebSocket client %s is not keeping up, disconnecting", client.clientID)
		h.removeLocked(client)
	}
}

func (h *WebSocketHub) sendToUser(message *WebSocketMessage, userID int64) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if client.userID == userID {
			h.deliverLocked(client, data)
		}
	}
}

func (h *WebSocketHub) cleanupRoutine() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.cleanupInactiveClients()
		case <-h.stopChan:
			return
		}
	}
}

// cleanupInactiveClients removes clients that haven't pinged recently
func (h *WebSocketHub) cleanupInactiveClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-5 * time.Minute).UnixNano()
	for client := range h.clients {
		if client.lastSeen.Load() < cutoff {
			h.logger.Infof("Cleaning up inactive WebSocket client: user=%d, client=%s", client.userID, client.clientID)
			h.removeLocked(client)
			client.conn.Close()
		}
	}
}

// GetClientCount returns the number of connected clients
func (h *WebSocketHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetUserClientCount returns the number of clients for a specific user
func (h *WebSocketHub) GetUserClientCount(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for client := range h.clients {
		if client.userID == userID {
			count++
		}
	}
	return count
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
)

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopChan:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Errorf("WebSocket error: %v", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
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

// handleMessage handles incoming messages from the client. Only keepalives
// are understood; the stream is otherwise one-way.
func (c *Client) handleMessage(message []byte) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		c.hub.logger.Warnf("Invalid WebSocket message from client %s: %v", c.clientID, err)
		return
	}
	if msg.Type == "ping" {
		c.touch()
	}
}
