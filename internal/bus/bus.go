// Package bus is a small in-process pub/sub message bus used as the
// session event stream. Lifecycle events are delivered losslessly to
// every subscriber; metric events may be dropped under back-pressure.
package bus

import (
	"strings"
	"sync"
	"time"
)

const (
	lifecycleBufferSize = 256
	metricBufferSize    = 64

	// lifecycleSendTimeout bounds a blocking lifecycle send so a stuck
	// subscriber cannot wedge the publishing engine.
	lifecycleSendTimeout = 5 * time.Second
)

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a topic-prefix pub/sub bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, lifecycleBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Metric events are sent non-blocking and dropped when a subscriber's
// buffer is full. Lifecycle events block until delivered or until the
// send timeout expires.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}
	droppable := strings.HasPrefix(topic, TopicMetric)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		if droppable {
			select {
			case sub.ch <- event:
			default:
				// Buffer full; metric events are best-effort.
			}
			continue
		}
		select {
		case sub.ch <- event:
		case <-time.After(lifecycleSendTimeout):
			// Subscriber is wedged; better to lose one event than the engine.
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
