package websocket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/frostdev-ops/pma-cache-engine/internal/core/events"
)

// Message types for WebSocket communication
const (
	MessageTypeConnection   = "connection"
	MessageTypeHeartbeat    = "heartbeat"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
	MessageTypeSubscribe    = "subscribe"
	MessageTypeUnsubscribe  = "unsubscribe"
	MessageTypeSubscription = "subscription_update"
	MessageTypeConnectivity = "connectivity"
	MessageTypeEvent        = "event"
	MessageTypeError        = "error"
)

// Topics tabs can subscribe to; a client without subscriptions receives everything
const (
	TopicConnectivity = "connectivity"
	TopicInvalidation = "invalidation"
	TopicQueue        = "queue"
	TopicSync         = "sync"
	TopicWarming      = "warming"
	TopicPopularity   = "popularity"
	TopicSystem       = "system"
)

// Message represents a WebSocket message
type Message struct {
	Type      string                 `json:"type"`
	Topic     string                 `json:"topic,omitempty"`
	Event     string                 `json:"event,omitempty"`
	Data      map[string]interface{} `json:"data"`
	Payload   interface{}            `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ToJSON converts the message to JSON bytes
func (m Message) ToJSON() []byte {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	data, _ := json.Marshal(m)
	return data
}

// UnmarshalJSON accepts timestamps as RFC3339 strings or unix seconds/milliseconds,
// since tabs send Date.now()
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		Timestamp json.RawMessage `json:"timestamp"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	m.Timestamp = parseTimestamp(aux.Timestamp)
	return nil
}

func parseTimestamp(raw json.RawMessage) time.Time {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return time.Now().UTC()
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		// 1e11 seconds is year 5138, so anything larger is milliseconds
		if n > 1e11 {
			return time.Unix(0, n*int64(time.Millisecond)).UTC()
		}
		return time.Unix(n, 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

// TopicFor maps a bus event to the topic tabs subscribe to
func TopicFor(t events.Type) string {
	switch t {
	case events.Online, events.Offline, events.NetworkChanged:
		return TopicConnectivity
	case events.InvalidationComplete, events.RuleAdded, events.VersionChanged:
		return TopicInvalidation
	case events.RequestQueued, events.RequestCompleted, events.RequestFailed, events.RequestRetrying, events.QueueProcessed:
		return TopicQueue
	case events.OperationAdded, events.OperationCompleted, events.OperationFailed,
		events.ConflictDetected, events.ConflictResolved, events.RemoteData, events.SyncComplete:
		return TopicSync
	case events.TaskAdded, events.TaskStarted, events.TaskCompleted, events.TaskFailed,
		events.TaskSkipped, events.ResourceHint, events.CycleComplete:
		return TopicWarming
	case events.TrendingDetected:
		return TopicPopularity
	default:
		return TopicSystem
	}
}

// EventMessage wraps a bus event for broadcast
func EventMessage(ev events.Event) Message {
	return Message{
		Type:      MessageTypeEvent,
		Topic:     TopicFor(ev.Type),
		Event:     string(ev.Type),
		Data:      map[string]interface{}{"source": ev.Source},
		Payload:   ev.Data,
		Timestamp: ev.Timestamp.UTC(),
	}
}

// SystemStatusMessage creates a message for system status updates
func SystemStatusMessage(status string, details map[string]interface{}) Message {
	return Message{
		Type:  TopicSystem,
		Topic: TopicSystem,
		Data: map[string]interface{}{
			"status":  status,
			"details": details,
		},
	}
}

func errorMessage(msg string) Message {
	return Message{
		Type: MessageTypeError,
		Data: map[string]interface{}{"error": msg},
	}
}
