package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventAgentRegistered  EventType = "agent.registered"
	EventAgentFallen      EventType = "agent.fallen"
	EventAgentResurrected EventType = "agent.resurrected"
	EventSnapshotStored   EventType = "snapshot.stored"
	EventAttestationAdded EventType = "attestation.added"
)

// Event represents one service event. Agent carries the subject address for
// all current event types.
type Event struct {
	Type      EventType
	Agent     string
	Timestamp time.Time
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, sub)
}

// Publish sends an event to all subscribers. Non-blocking: if the broker's
// buffer is full the event is dropped rather than stalling the caller.
func (b *Broker) Publish(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- ev:
	default:
	}
}

func (b *Broker) run() {
	for {
		select {
		case ev := <-b.eventCh:
			b.mu.RLock()
			for sub := range b.subscribers {
				select {
				case sub <- ev:
				default:
					// Slow subscriber: drop rather than block the loop.
				}
			}
			b.mu.RUnlock()
		case <-b.stopCh:
			return
		}
	}
}
