package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const subscriberBuffer = 32

// Metrics receives hub instrumentation callbacks.
type Metrics interface {
	SubscriberConnected()
	SubscriberDisconnected()
	BroadcastDelivered()
	BroadcastDropped()
}

// Subscriber is one live connection listening on a conversation topic.
// Outbound frames are buffered; a subscriber that cannot keep up loses
// frames instead of blocking the publisher.
type Subscriber struct {
	UserID string
	send   chan []byte
}

// Out exposes the outbound frame channel for the connection write loop.
func (s *Subscriber) Out() <-chan []byte {
	return s.send
}

// Hub fans persisted messages out to live subscribers. Topics are keyed by
// conversation id. Delivery is best effort and at most once per connection:
// there is no replay, no retry and no cross-server fan-out.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]map[*Subscriber]struct{}
	logger  *zap.Logger
	metrics Metrics
}

// NewHub builds an empty hub.
func NewHub(logger *zap.Logger, metrics Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		topics:  make(map[string]map[*Subscriber]struct{}),
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe registers a listener on the conversation topic.
func (h *Hub) Subscribe(conversationID, userID string) *Subscriber {
	sub := &Subscriber{
		UserID: userID,
		send:   make(chan []byte, subscriberBuffer),
	}

	h.mu.Lock()
	topic, ok := h.topics[conversationID]
	if !ok {
		topic = make(map[*Subscriber]struct{})
		h.topics[conversationID] = topic
	}
	topic[sub] = struct{}{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SubscriberConnected()
	}
	return sub
}

// Unsubscribe removes a listener and closes its outbound channel.
func (h *Hub) Unsubscribe(conversationID string, sub *Subscriber) {
	h.mu.Lock()
	topic, ok := h.topics[conversationID]
	if ok {
		if _, member := topic[sub]; member {
			delete(topic, sub)
			close(sub.send)
			if len(topic) == 0 {
				delete(h.topics, conversationID)
			}
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.SubscriberDisconnected()
			}
			return
		}
	}
	h.mu.Unlock()
}

// Publish delivers the payload to every live subscriber of the topic.
// Publishing never blocks: slow subscribers have the frame dropped. With no
// subscribers the frame is simply not delivered; clients recover by polling
// history on reconnect.
func (h *Hub) Publish(conversationID string, payload interface{}) {
	frame, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("broadcast marshal failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}

	// Sends happen under the read lock so Unsubscribe cannot close a channel
	// mid-delivery. The sends never block, so holding the lock is cheap.
	var delivered int
	var slow []string
	h.mu.RLock()
	for sub := range h.topics[conversationID] {
		select {
		case sub.send <- frame:
			delivered++
		default:
			slow = append(slow, sub.UserID)
		}
	}
	h.mu.RUnlock()

	if h.metrics != nil {
		for i := 0; i < delivered; i++ {
			h.metrics.BroadcastDelivered()
		}
		for range slow {
			h.metrics.BroadcastDropped()
		}
	}
	for _, userID := range slow {
		h.logger.Warn("broadcast dropped for slow subscriber",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID))
	}
}

// SubscriberCount reports the live listeners of a topic.
func (h *Hub) SubscriberCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[conversationID])
}
