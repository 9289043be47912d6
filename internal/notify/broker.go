// Package notify relays fleet events to live subscribers.
package notify

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topics published by the coordinator.
const (
	TopicShipRegistered    = "ship.registered"
	TopicShipStatus        = "ship.status"
	TopicDeploymentCreated = "deployment.created"
	TopicDeploymentUpdated = "deployment.updated"
	TopicFleetCreated      = "fleet.created"
	TopicFleetUpdated      = "fleet.updated"
	TopicReleaseCreated    = "release.created"
)

// Publisher delivers events fire-and-forget. Implementations never block
// the caller on slow consumers and never return delivery errors.
type Publisher interface {
	Publish(topic string, payload any)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(string, any) {}

// Event is a published message as seen by subscribers.
type Event struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Subscriber receives events for a set of topics. An empty topic set
// receives everything.
type Subscriber struct {
	ID        string
	Topics    map[string]struct{}
	Ch        chan *Event
	CreatedAt time.Time
}

// Broker fans events out to subscribers over buffered channels.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	bufferSize  int
	logger      *slog.Logger
}

var _ Publisher = (*Broker)(nil)

// NewBroker creates a new event broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  100,
		logger:      logger,
	}
}

// Subscribe registers a subscriber for the given topics.
func (b *Broker) Subscribe(topics ...string) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.New().String(),
		Topics:    make(map[string]struct{}, len(topics)),
		Ch:        make(chan *Event, b.bufferSize),
		CreatedAt: time.Now(),
	}
	for _, t := range topics {
		if t != "" {
			sub.Topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "subscriber_id", sub.ID, "topics", topics)
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[sub.ID]; exists {
		close(sub.Ch)
		delete(b.subscribers, sub.ID)
		b.logger.Debug("subscriber removed", "subscriber_id", sub.ID)
	}
}

// Publish encodes payload and sends it to every matching subscriber.
// Full subscriber buffers drop the event.
func (b *Broker) Publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("dropping unencodable event", "topic", topic, "error", err)
		return
	}
	event := &Event{Topic: topic, Payload: data, Timestamp: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.Ch <- event:
		default:
			b.logger.Warn("subscriber channel full, dropping event",
				"subscriber_id", sub.ID,
				"topic", topic,
			)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (s *Subscriber) matches(topic string) bool {
	if len(s.Topics) == 0 {
		return true
	}
	_, ok := s.Topics[topic]
	return ok
}
