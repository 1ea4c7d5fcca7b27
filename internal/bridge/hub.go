package bridge

import (
	"context"
	"log/slog"
	"sync"
)

// Message is delivered to Hub subscribers.
type Message struct {
	Topic   string
	Payload any
}

// Hub is an in-process publish/subscribe registry. Delivery never blocks
// the publisher: a subscriber whose buffer is full misses the message.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan Message
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, subs: make(map[string]map[int]chan Message)}
}

// Subscription is a live registration on one topic.
type Subscription struct {
	C <-chan Message

	hub   *Hub
	topic string
	id    int
	once  sync.Once
}

// Subscribe registers for topic with the given buffer size.
func (h *Hub) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Message, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[int]chan Message)
	}
	h.subs[topic][h.nextID] = ch
	return &Subscription{C: ch, hub: h, topic: topic, id: h.nextID}
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		if ch, ok := h.subs[s.topic][s.id]; ok {
			delete(h.subs[s.topic], s.id)
			close(ch)
		}
		if len(h.subs[s.topic]) == 0 {
			delete(h.subs, s.topic)
		}
	})
}

// Subscribers returns the number of subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// Publish implements api.Publisher.
func (h *Hub) Publish(ctx context.Context, topic string, payload any) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs[topic] {
		select {
		case ch <- Message{Topic: topic, Payload: payload}:
		default:
			h.logger.WarnContext(ctx, "hub_subscriber_slow",
				slog.String("topic", topic),
				slog.Int("subscriber", id),
			)
		}
	}
	return nil
}
