package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventNodeRegistered EventType = "node.registered"
	EventNodeHealthy    EventType = "node.healthy"
	EventNodeStale      EventType = "node.stale"
	EventNodeDead       EventType = "node.dead"

	EventContainerAllocated       EventType = "container.allocated"
	EventContainerClosing         EventType = "container.closing"
	EventContainerQuasiClosed     EventType = "container.quasi_closed"
	EventContainerClosed          EventType = "container.closed"
	EventContainerUnderReplicated EventType = "container.under_replicated"
	EventContainerOverReplicated  EventType = "container.over_replicated"

	EventPipelineCreated EventType = "pipeline.created"
	EventPipelineOpen    EventType = "pipeline.open"
	EventPipelineClosed  EventType = "pipeline.closed"
)

// Event represents a cluster event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

type subscription struct {
	types map[EventType]bool // nil means every type
}

func (s subscription) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

// Broker fans events out to subscribers. Delivery is best effort: when a
// buffer is full the event is dropped for that subscriber, so nothing that
// must happen may depend on an event arriving.
type Broker struct {
	subscribers map[Subscriber]subscription
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	dropped     atomic.Uint64
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]subscription),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker. It is safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription. With no types the subscriber
// receives every event.
func (b *Broker) Subscribe(types ...EventType) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	var s subscription
	if len(types) > 0 {
		s.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = s
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for distribution. It never blocks the caller.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		return
	default:
	}

	select {
	case b.eventCh <- event:
	default:
		b.dropped.Add(1)
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, s := range b.subscribers {
		if !s.wants(event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped because a buffer was full
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}
