package events

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/xpod/fabric/pkg/logger"
)

// EventType classifies a fabric event
type EventType string

const (
	// Node lifecycle
	TypeNodeRegistered  EventType = "node.registered"
	TypeNodeUnreachable EventType = "node.unreachable"

	// Pod migration
	TypeMigrationStarted   EventType = "migration.started"
	TypeMigrationCompleted EventType = "migration.completed"
	TypeMigrationFailed    EventType = "migration.failed"
	TypeMigrationCancelled EventType = "migration.cancelled"

	// Managed services
	TypeServiceCrashed   EventType = "service.crashed"
	TypeServiceRestarted EventType = "service.restarted"
)

// Event is one record on the fabric event stream
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	PodID     string                 `json:"pod_id,omitempty"`
	NodeID    string                 `json:"node_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// EventHandler handles a delivered event
type EventHandler func(event Event)

// EventStorage persists events
type EventStorage interface {
	Store(event Event) error
	Query(filters EventFilters) ([]Event, error)
}

// EventFilters narrows an event query
type EventFilters struct {
	Types     []EventType
	PodID     string
	NodeID    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// EventBus fans events out to subscribers and the storage backend
type EventBus struct {
	subscribers map[EventType][]EventHandler
	mu          sync.RWMutex
	storage     EventStorage
}

var (
	globalBus     *EventBus
	globalBusOnce sync.Once
)

// GetEventBus returns the process-wide bus
func GetEventBus() *EventBus {
	globalBusOnce.Do(func() {
		globalBus = NewEventBus(nil)
	})
	return globalBus
}

// SetEventStorage sets the storage backend of the global bus
func SetEventStorage(storage EventStorage) {
	bus := GetEventBus()
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.storage = storage
}

// Publish emits an event on the global bus
func Publish(eventType EventType, source string, data map[string]interface{}) {
	GetEventBus().Publish(Event{Type: eventType, Source: source, Data: data})
}

// NewEventBus creates a bus with an optional storage backend
func NewEventBus(storage EventStorage) *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]EventHandler),
		storage:     storage,
	}
}

// Subscribe registers a handler for one event type
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], handler)
}

// Publish stores the event and delivers it to subscribers. Handlers run in
// their own goroutines so a slow subscriber cannot stall the publisher.
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = generateEventID()
	}

	eb.mu.RLock()
	storage := eb.storage
	handlers := eb.subscribers[event.Type]
	eb.mu.RUnlock()

	if storage != nil {
		if err := storage.Store(event); err != nil {
			logger.Error("Failed to store event", err, map[string]interface{}{
				"event_id":   event.ID,
				"event_type": event.Type,
			})
		}
	}

	for _, handler := range handlers {
		go func(h EventHandler) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Event handler panicked", nil, map[string]interface{}{
						"event_type": event.Type,
						"panic":      r,
					})
				}
			}()
			h(event)
		}(handler)
	}

	logger.Debug("Event published", map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
		"source":     event.Source,
	})
}

// Query reads events back from storage; nil when no backend is configured
func (eb *EventBus) Query(filters EventFilters) ([]Event, error) {
	eb.mu.RLock()
	storage := eb.storage
	eb.mu.RUnlock()
	if storage == nil {
		return nil, nil
	}
	return storage.Query(filters)
}

func generateEventID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return time.Now().UTC().Format("20060102150405") + "-" + hex.EncodeToString(b)
}
