// Package notify republishes materialized-view changes to live subscribers.
package notify

import (
	"sync"

	"timelines/internal/logger"
)

// Topics published by the store decorators.
const (
	TopicDeviceStateChanged = "deviceStateChanged"
	TopicRunChanged         = "dehumidifierRunChanged"
	TopicEventAdded         = "eventAdded"
)

const defaultBuffer = 64

// Message is one published change.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Hub fans published messages out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the message.
type Hub struct {
	log *logger.Logger

	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:  log.Named("notify"),
		subs: make(map[*Subscriber]struct{}),
	}
}

// Subscriber receives messages for its topics until closed.
type Subscriber struct {
	hub    *Hub
	topics map[string]struct{}
	ch     chan Message
	once   sync.Once
}

// Subscribe registers a subscriber for topics, or for every topic when none
// are given.
func (h *Hub) Subscribe(topics ...string) *Subscriber {
	s := &Subscriber{
		hub: h,
		ch:  make(chan Message, defaultBuffer),
	}
	if len(topics) > 0 {
		s.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			s.topics[t] = struct{}{}
		}
	}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Publish delivers data under topic to every interested subscriber.
func (h *Hub) Publish(topic string, data any) {
	msg := Message{Type: topic, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.wants(topic) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			h.log.Warnw("subscriber_lagging", "topic", topic)
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscriber) C() <-chan Message { return s.ch }

// Close unregisters the subscriber. It is safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

func (s *Subscriber) wants(topic string) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}
