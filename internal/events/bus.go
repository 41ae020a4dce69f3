// Package events provides a thread-safe pub/sub bus for internal
// application events.
package events

import (
	"sync"
	"time"

	"github.com/debridmm/dmm-server/internal/config"
)

// EventType represents the type of event
type EventType string

const (
	// Connection events
	StatusChanged         EventType = "status_changed"
	ConnectionEstablished EventType = "connection_established"
	ConnectionLost        EventType = "connection_lost"

	// Reconnection events
	ReconnectStarted   EventType = "reconnect_started"
	ReconnectAttempted EventType = "reconnect_attempted"
	ReconnectSucceeded EventType = "reconnect_succeeded"
	ReconnectFailed    EventType = "reconnect_failed"

	// Sync events
	SyncStarted   EventType = "sync_started"
	SyncProgress  EventType = "sync_progress"
	SyncCompleted EventType = "sync_completed"
	SyncFailed    EventType = "sync_failed"
	SyncCancelled EventType = "sync_cancelled"

	// Conflict events
	ConflictDetected EventType = "conflict_detected"
	ConflictResolved EventType = "conflict_resolved"

	// Notification events
	NotificationCreated   EventType = "notification_created"
	NotificationDismissed EventType = "notification_dismissed"
)

// Event represents a single event in the system
type Event struct {
	Type      EventType              `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	OldStatus string                 `json:"old_status,omitempty"`
	NewStatus string                 `json:"new_status,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Bus is a thread-safe event bus for pub/sub messaging
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	allSubs     []chan Event
	closed      bool
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
	}
}

// Subscribe subscribes to a specific event type and returns a channel for
// receiving events. The channel is buffered to prevent blocking publishers.
func (b *Bus) Subscribe(eventType EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, config.EventChannelBufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

// SubscribeAll subscribes to every event type, including types published
// after the subscription was made.
func (b *Bus) SubscribeAll() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, config.EventChannelBufferSizeAll)
	b.allSubs = append(b.allSubs, ch)
	return ch
}

// Unsubscribe removes a subscription channel
func (b *Bus) Unsubscribe(eventType EventType, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers, exists := b.subscribers[eventType]
	if !exists {
		return
	}

	for i, subscriber := range subscribers {
		if subscriber == ch {
			b.subscribers[eventType][i] = b.subscribers[eventType][len(b.subscribers[eventType])-1]
			b.subscribers[eventType] = b.subscribers[eventType][:len(b.subscribers[eventType])-1]
			break
		}
	}

	if len(b.subscribers[eventType]) == 0 {
		delete(b.subscribers, eventType)
	}
}

// UnsubscribeAll removes a subscribe-all channel
func (b *Bus) UnsubscribeAll(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, subscriber := range b.allSubs {
		if subscriber == ch {
			b.allSubs[i] = b.allSubs[len(b.allSubs)-1]
			b.allSubs = b.allSubs[:len(b.allSubs)-1]
			return
		}
	}
}

// Publish publishes an event to all subscribers of that event type.
// Non-blocking: if a subscriber's channel is full, the event is dropped.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Channel full, drop to avoid blocking the publisher
		}
	}

	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes the event bus and all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subscribers := range b.subscribers {
		for _, ch := range subscribers {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}

	b.subscribers = make(map[EventType][]chan Event)
	b.allSubs = nil
}

// SubscriberCount returns the number of subscribers for a specific event type
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

// AllSubscriberCount returns the number of subscribe-all channels
func (b *Bus) AllSubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.allSubs)
}

// IsClosed returns whether the bus has been closed
func (b *Bus) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
