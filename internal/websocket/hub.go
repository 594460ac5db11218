package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/connectivity"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/events"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/metrics"
)

// ConnectivityReporter receives online state and network details reported by tabs
type ConnectivityReporter interface {
	SetOnline(online bool)
	UpdateNetworkInfo(info connectivity.NetworkInfo)
}

type outbound struct {
	topic string
	data  []byte
}

// Hub maintains the set of active clients and broadcasts engine events to them
type Hub struct {
	clients map[*Client]bool

	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client

	cfg      config.WebSocketConfig
	recorder metrics.Recorder
	reporter ConnectivityReporter
	logger   *logrus.Logger

	mu    sync.RWMutex
	stats HubStats
	done  chan struct{}
}

// HubStats contains hub statistics
type HubStats struct {
	ConnectedClients int       `json:"connected_clients"`
	TotalConnections int64     `json:"total_connections"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesReceived int64     `json:"messages_received"`
	MessagesDropped  int64     `json:"messages_dropped"`
	LastActivity     time.Time `json:"last_activity"`
}

// NewHub creates a new WebSocket hub
func NewHub(cfg config.WebSocketConfig, recorder metrics.Recorder, logger *logrus.Logger) *Hub {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		cfg:        cfg,
		recorder:   recorder,
		logger:     logger,
		stats:      HubStats{LastActivity: time.Now()},
		done:       make(chan struct{}),
	}
}

// SetConnectivityReporter routes tab connectivity reports, usually to the connectivity monitor
func (h *Hub) SetConnectivityReporter(r ConnectivityReporter) {
	h.mu.Lock()
	h.reporter = r
	h.mu.Unlock()
}

// Run handles client registration and broadcasting until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer close(h.done)

	heartbeat := h.cfg.PingInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("WebSocket hub stopped")
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-ticker.C:
			h.sendHeartbeat()
		}
	}
}

// Done is closed once Run returns
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.stats.TotalConnections++
	h.stats.ConnectedClients = len(h.clients)
	h.stats.LastActivity = time.Now()
	count := len(h.clients)
	h.mu.Unlock()

	h.recorder.SetWebSocketClients(count)
	h.logger.WithFields(logrus.Fields{
		"client_id":         client.ID,
		"remote_addr":       client.RemoteAddr,
		"connected_clients": count,
	}).Info("WebSocket client connected")

	welcome := Message{
		Type: MessageTypeConnection,
		Data: map[string]interface{}{
			"status":    "connected",
			"client_id": client.ID,
		},
	}
	client.trySend(welcome.ToJSON())
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
		h.stats.ConnectedClients = len(h.clients)
		h.stats.LastActivity = time.Now()
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.recorder.SetWebSocketClients(count)
		h.logger.WithFields(logrus.Fields{
			"client_id":         client.ID,
			"connected_clients": count,
		}).Info("WebSocket client disconnected")
	}
}

// deliver runs on the hub goroutine; slow clients are dropped rather than blocking the rest
func (h *Hub) deliver(msg outbound) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.Wants(msg.topic) {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	var slow []*Client
	for _, client := range targets {
		if !client.trySend(msg.data) {
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		h.logger.WithField("client_id", client.ID).Warn("WebSocket client too slow, disconnecting")
		h.unregisterClient(client)
	}

	h.mu.Lock()
	h.stats.MessagesSent += int64(len(targets) - len(slow))
	h.stats.LastActivity = time.Now()
	h.mu.Unlock()
}

func (h *Hub) sendHeartbeat() {
	h.Broadcast(Message{
		Type: MessageTypeHeartbeat,
		Data: map[string]interface{}{
			"clients": h.GetClientCount(),
		},
	})
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	h.stats.ConnectedClients = 0
}

// Broadcast queues a message for every client subscribed to its topic
func (h *Hub) Broadcast(message Message) {
	select {
	case h.broadcast <- outbound{topic: message.Topic, data: message.ToJSON()}:
	default:
		h.mu.Lock()
		h.stats.MessagesDropped++
		h.mu.Unlock()
		h.logger.WithField("type", message.Type).Warn("Broadcast channel is full, message dropped")
	}
}

// BridgeEvents forwards every bus event to subscribed tabs; the returned func detaches it
func (h *Hub) BridgeEvents(bus *events.Bus) func() {
	return bus.SubscribeAll(func(ev events.Event) {
		h.Broadcast(EventMessage(ev))
	})
}

func (h *Hub) reportConnectivity(client *Client, data map[string]interface{}) {
	h.mu.RLock()
	reporter := h.reporter
	h.mu.RUnlock()
	if reporter == nil {
		return
	}

	if info, ok := networkInfoFrom(data); ok {
		reporter.UpdateNetworkInfo(info)
	}
	if online, ok := data["online"].(bool); ok {
		h.logger.WithFields(logrus.Fields{
			"client_id": client.ID,
			"online":    online,
		}).Debug("Tab reported connectivity")
		reporter.SetOnline(online)
	}
}

// networkInfoFrom reads the Network Information API fields a tab reports
func networkInfoFrom(data map[string]interface{}) (connectivity.NetworkInfo, bool) {
	var info connectivity.NetworkInfo
	found := false
	if v, ok := data["effective_type"].(string); ok {
		info.EffectiveType = v
		found = true
	}
	if v, ok := data["downlink"].(float64); ok {
		info.DownlinkMbps = v
		found = true
	}
	if v, ok := data["rtt"].(float64); ok {
		info.RTT = time.Duration(v) * time.Millisecond
		found = true
	}
	if v, ok := data["save_data"].(bool); ok {
		info.SaveData = v
		found = true
	}
	return info, found
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := h.stats
	stats.ConnectedClients = len(h.clients)
	return stats
}

// GetClientCount returns the current number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
