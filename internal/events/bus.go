// Package events provides the in-process pub/sub bus that carries
// notifications between the resilience components and their observers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"rtcguard/internal/config"
)

// EventType represents the type of event
type EventType string

const (
	// Connection lifecycle events
	ConnectionStateChanged EventType = "connection.state_changed"
	NetworkStatusChanged   EventType = "network.status_changed"

	// Reconnection episode events
	ReconnectAttemptStarted EventType = "reconnect.attempt_started"
	ReconnectAttemptFailed  EventType = "reconnect.attempt_failed"
	ReconnectSucceeded      EventType = "reconnect.succeeded"
	ReconnectExhausted      EventType = "reconnect.exhausted"

	// Credential events
	TokenExpiring      EventType = "token.expiring"
	TokenRenewed       EventType = "token.renewed"
	TokenRenewalFailed EventType = "token.renewal_failed"

	// Provider events
	ProviderSwitchSucceeded EventType = "provider.switch_succeeded"
	ProviderSwitchFailed    EventType = "provider.switch_failed"
	ProviderHealthChanged   EventType = "provider.health_changed"
)

// Event represents a single event in the system
type Event struct {
	Type      EventType      `json:"type"`
	Backend   string         `json:"backend,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a thread-safe event bus for pub/sub messaging
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	wildcard    []chan Event
	closed      bool
	dropped     atomic.Int64
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
	}
}

// Subscribe subscribes to a specific event type and returns a channel for
// receiving events. The channel is buffered to keep publishers from blocking.
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

// SubscribeAll subscribes to every event type, including types that gain
// their first publisher later.
func (b *Bus) SubscribeAll() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, config.EventChannelBufferSizeAll)
	b.wildcard = append(b.wildcard, ch)
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
			subscribers[i] = subscribers[len(subscribers)-1]
			b.subscribers[eventType] = subscribers[:len(subscribers)-1]
			break
		}
	}

	if len(b.subscribers[eventType]) == 0 {
		delete(b.subscribers, eventType)
	}
}

// UnsubscribeAll removes a wildcard subscription channel
func (b *Bus) UnsubscribeAll(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, subscriber := range b.wildcard {
		if subscriber == ch {
			b.wildcard[i] = b.wildcard[len(b.wildcard)-1]
			b.wildcard = b.wildcard[:len(b.wildcard)-1]
			return
		}
	}
}

// Publish publishes an event to all subscribers of that event type.
// Non-blocking: if a subscriber's buffer is full the event is dropped for
// that subscriber and counted.
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
			b.dropped.Add(1)
		}
	}
	for _, ch := range b.wildcard {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishSync publishes an event and blocks until every subscriber has
// received it. Intended for tests; slow subscribers will stall the caller.
func (b *Bus) PublishSync(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, ch := range b.subscribers[event.Type] {
		ch <- event
	}
	for _, ch := range b.wildcard {
		ch <- event
	}
}

// Dropped returns the number of events dropped because a subscriber buffer
// was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscriptions, wildcard
// included.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.wildcard)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

// Close closes the bus and all subscriber channels. Publishing after Close
// is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, ch := range b.wildcard {
		close(ch)
	}
	b.subscribers = make(map[EventType][]chan Event)
	b.wildcard = nil
}
