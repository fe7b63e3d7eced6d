package events

import (
	"context"
	"sync"
	"time"
)

// EventType is an order lifecycle state
type EventType string

const (
	EventPending     EventType = "pending"
	EventSubmitted   EventType = "submitted"
	EventAccepted    EventType = "accepted"
	EventRejected    EventType = "rejected"
	EventRateLimited EventType = "rate_limited"
	EventCancelled   EventType = "cancelled"
)

// Event is one lifecycle transition of a logical order intent
type Event struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	Symbol        string    `json:"symbol"`
	Intent        string    `json:"intent"` // entry, profit, protect_stop, hedge, ...
	ClientOrderID string    `json:"client_order_id,omitempty"`
	OrderID       int64     `json:"order_id,omitempty"`
	Side          string    `json:"side,omitempty"`
	PositionSide  string    `json:"position_side,omitempty"`
	OrderType     string    `json:"order_type,omitempty"`
	Quantity      float64   `json:"quantity,omitempty"`
	Price         float64   `json:"price,omitempty"`
	Attempt       int       `json:"attempt,omitempty"`
	Code          int       `json:"code,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// Sink receives lifecycle events. Publish must not block the tick for
// long; implementations report their own delivery failures.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus fans events out to subscribers and downstream sinks and keeps
// the most recent ones for the ops surface
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
	sinks       []Sink
	recent      []Event
	next        int
	full        bool
}

// DefaultRecent is how many events the bus retains for inspection
const DefaultRecent = 256

// NewEventBus creates a bus retaining the last keep events
func NewEventBus(keep int, sinks ...Sink) *EventBus {
	if keep <= 0 {
		keep = DefaultRecent
	}
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		sinks:       sinks,
		recent:      make([]Event, keep),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish records the event and delivers it synchronously, subscribers
// first, then sinks
func (eb *EventBus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.recent[eb.next] = event
	eb.next = (eb.next + 1) % len(eb.recent)
	if eb.next == 0 {
		eb.full = true
	}
	subs := append(append([]Subscriber(nil), eb.subscribers[event.Type]...), eb.allSubs...)
	sinks := eb.sinks
	eb.mu.Unlock()

	for _, sub := range subs {
		sub(event)
	}
	for _, s := range sinks {
		s.Publish(ctx, event)
	}
}

// Recent returns up to n retained events, newest first
func (eb *EventBus) Recent(n int) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	size := eb.next
	if eb.full {
		size = len(eb.recent)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (eb.next - i + len(eb.recent)) % len(eb.recent)
		out = append(out, eb.recent[idx])
	}
	return out
}

// Discard drops every event
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
