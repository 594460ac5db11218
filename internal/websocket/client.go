package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origins are enforced by the CORS middleware in front of /ws
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is a middleman between the websocket connection and the hub
type Client struct {
	ID          string    `json:"id"`
	UserAgent   string    `json:"user_agent"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`

	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *logrus.Logger

	mu     sync.RWMutex
	topics map[string]bool
}

// HandleWebSocket upgrades the request and attaches the connection to the hub
func HandleWebSocket(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		UserAgent:   r.Header.Get("User-Agent"),
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, hub.cfg.SendBuffer),
		hub:         hub,
		logger:      hub.logger,
		topics:      make(map[string]bool),
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// HandleWebSocketGin is a Gin-compatible wrapper for HandleWebSocket
func HandleWebSocketGin(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		HandleWebSocket(hub, c.Writer, c.Request)
	}
}

func (c *Client) timeouts() (write, pong, ping time.Duration, maxSize int64) {
	cfg := c.hub.cfg
	write, pong, ping, maxSize = cfg.WriteTimeout, cfg.PongTimeout, cfg.PingInterval, cfg.MaxMessageSize
	if write <= 0 {
		write = 10 * time.Second
	}
	if pong <= 0 {
		pong = 60 * time.Second
	}
	// pings must go out before the peer's pong deadline passes
	if ping <= 0 || ping >= pong {
		ping = (pong * 9) / 10
	}
	if maxSize <= 0 {
		maxSize = 4096
	}
	return
}

// readPump pumps messages from the websocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	_, pongWait, _, maxSize := c.timeouts()
	c.conn.SetReadLimit(maxSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Warn("WebSocket connection error")
			}
			break
		}

		c.hub.mu.Lock()
		c.hub.stats.MessagesReceived++
		c.hub.mu.Unlock()
		c.handleMessage(message)
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	writeWait, _, pingPeriod, _ := c.timeouts()
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
				// The hub closed the channel
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

// trySend never blocks; false means the client's buffer is full.
// Only the hub goroutine or a holder of hub.mu may call it: send is closed under both.
func (c *Client) trySend(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// handleMessage processes incoming messages from the client
func (c *Client) handleMessage(message []byte) {
	var msg Message
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.WithError(err).Debug("Failed to unmarshal WebSocket message")
		c.reply(errorMessage("invalid message"))
		return
	}

	switch msg.Type {
	case MessageTypeSubscribe:
		c.Subscribe(topicsFrom(msg.Data)...)
		c.reply(c.subscriptionMessage())
	case MessageTypeUnsubscribe:
		c.Unsubscribe(topicsFrom(msg.Data)...)
		c.reply(c.subscriptionMessage())
	case MessageTypeConnectivity:
		c.hub.reportConnectivity(c, msg.Data)
	case MessageTypePing:
		c.reply(Message{Type: MessageTypePong, Data: map[string]interface{}{}})
	default:
		c.logger.WithField("message_type", msg.Type).Debug("Unknown WebSocket message type")
		c.reply(errorMessage("unknown message type " + msg.Type))
	}
}

func (c *Client) reply(msg Message) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.hub.clients[c] {
		c.trySend(msg.ToJSON())
	}
}

func topicsFrom(data map[string]interface{}) []string {
	raw, _ := data["topics"].([]interface{})
	topics := make([]string, 0, len(raw))
	for _, t := range raw {
		if s, ok := t.(string); ok && s != "" {
			topics = append(topics, s)
		}
	}
	return topics
}

// Subscribe limits delivery to the given topics
func (c *Client) Subscribe(topics ...string) {
	c.mu.Lock()
	for _, t := range topics {
		c.topics[t] = true
	}
	c.mu.Unlock()
	c.logger.WithFields(logrus.Fields{
		"client_id": c.ID,
		"topics":    topics,
	}).Debug("Client subscribed")
}

func (c *Client) Unsubscribe(topics ...string) {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.topics, t)
	}
	c.mu.Unlock()
}

// Wants reports whether a message on topic should reach this client
func (c *Client) Wants(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.topics) == 0 || topic == "" {
		return true
	}
	return c.topics[topic]
}

// Topics returns the subscribed topics
func (c *Client) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

func (c *Client) subscriptionMessage() Message {
	return Message{
		Type: MessageTypeSubscription,
		Data: map[string]interface{}{"topics": c.Topics()},
	}
}
