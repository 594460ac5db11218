package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Type names an event kind
type Type string

const (
	// Connectivity
	Online         Type = "online"
	Offline        Type = "offline"
	NetworkChanged Type = "network-changed"

	// Invalidation
	InvalidationComplete Type = "cache-invalidation-complete"
	RuleAdded            Type = "invalidation-rule-added"
	VersionChanged       Type = "cache-version-changed"

	// Offline queue
	RequestQueued    Type = "request-queued"
	RequestCompleted Type = "request-completed"
	RequestFailed    Type = "request-failed"
	RequestRetrying  Type = "request-retrying"
	QueueProcessed   Type = "queue-processed"

	// Sync
	OperationAdded     Type = "operation-added"
	OperationCompleted Type = "operation-completed"
	OperationFailed    Type = "operation-failed"
	ConflictDetected   Type = "conflict-detected"
	ConflictResolved   Type = "conflict-resolved"
	RemoteData         Type = "remote-data"
	SyncComplete       Type = "sync-complete"

	// Warming
	TaskAdded     Type = "task-added"
	TaskStarted   Type = "task-started"
	TaskCompleted Type = "task-completed"
	TaskFailed    Type = "task-failed"
	TaskSkipped   Type = "task-skipped"
	ResourceHint  Type = "resource-hint"
	CycleComplete Type = "warming-cycle-complete"

	// Observation
	TrendingDetected Type = "trending-detected"
)

// Event is one published occurrence with a typed payload owned by the emitting manager
type Event struct {
	Type      Type        `json:"type"`
	Source    string      `json:"source"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Handler receives events
type Handler func(Event)

// Publisher is the side of the bus managers depend on
type Publisher interface {
	Publish(eventType Type, source string, data interface{})
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous typed publish/subscribe registry
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]subscription
	all      []subscription
	nextID   uint64
	logger   *logrus.Logger
	now      func() time.Time
}

// NewBus creates an event bus
func NewBus(logger *logrus.Logger) *Bus {
	return &Bus{
		handlers: make(map[Type][]subscription),
		logger:   logger,
		now:      time.Now,
	}
}

// Subscribe registers a handler for one event type; call the returned func to unsubscribe
func (b *Bus) Subscribe(eventType Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[eventType] = remove(b.handlers[eventType], id)
	}
}

// SubscribeAll registers a handler for every event
func (b *Bus) SubscribeAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, id)
	}
}

// Publish delivers an event to matching handlers in subscription order.
// Handlers run on the caller's goroutine; a panicking handler is logged and skipped.
func (b *Bus) Publish(eventType Type, source string, data interface{}) {
	b.mu.RLock()
	handlers := make([]subscription, 0, len(b.handlers[eventType])+len(b.all))
	handlers = append(handlers, b.handlers[eventType]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Source:    source,
		Data:      data,
		Timestamp: b.now(),
	}

	for _, sub := range handlers {
		b.dispatch(sub, event)
	}
}

func (b *Bus) dispatch(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"event":  event.Type,
				"source": event.Source,
				"panic":  r,
			}).Error("Event handler panicked")
		}
	}()
	sub.handler(event)
}

func remove(subs []subscription, id uint64) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Discard is a Publisher that drops everything
type Discard struct{}

func (Discard) Publish(Type, string, interface{}) {}
