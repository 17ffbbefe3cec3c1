package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/roelfdiedericks/wagate/internal/logging"
)

// Session lifecycle topics published by the supervisor.
const (
	TopicSessionConnecting = "session.connecting"
	TopicSessionOpen       = "session.open"
	TopicSessionClosed     = "session.closed"
	TopicSessionLoggedOut  = "session.loggedout"
	TopicSessionRemoved    = "session.removed"
	TopicSessionPaired     = "session.paired"
)

// SessionEvent is the payload of every session.* topic.
type SessionEvent struct {
	TenantID string `json:"tenantId"`
	HandleID string `json:"handleId,omitempty"`
	Reason   int    `json:"reason,omitempty"`
	Delay    string `json:"delay,omitempty"`
}

// Event represents a notification broadcast to subscribers (pub/sub pattern)
type Event struct {
	Topic     string    `json:"topic"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// EventHandler processes an event (no return value - fire and forget)
type EventHandler func(Event)

// SubscriptionID uniquely identifies an event subscription
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	pattern string // exact topic, or "prefix.*"
	handler EventHandler
}

func (s subscription) matches(topic string) bool {
	if strings.HasSuffix(s.pattern, ".*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(s.pattern, "*"))
	}
	return s.pattern == topic
}

var (
	eventSubscriptions   []subscription
	eventSubscriptionsMu sync.RWMutex

	nextSubscriptionID uint64
)

// SubscribeEvent registers a handler for an event topic. A pattern ending
// in ".*" matches every topic with that prefix ("session.*").
// Returns a SubscriptionID that can be used to unsubscribe.
func SubscribeEvent(pattern string, handler EventHandler) SubscriptionID {
	id := SubscriptionID(atomic.AddUint64(&nextSubscriptionID, 1))

	eventSubscriptionsMu.Lock()
	defer eventSubscriptionsMu.Unlock()

	eventSubscriptions = append(eventSubscriptions, subscription{
		id:      id,
		pattern: pattern,
		handler: handler,
	})

	L_debug("bus: event subscribed", "pattern", pattern, "subscriptionID", id)
	return id
}

// UnsubscribeEvent removes a subscription by its ID.
// Returns true if the subscription was found and removed.
func UnsubscribeEvent(id SubscriptionID) bool {
	eventSubscriptionsMu.Lock()
	defer eventSubscriptionsMu.Unlock()

	for i, sub := range eventSubscriptions {
		if sub.id == id {
			eventSubscriptions = append(eventSubscriptions[:i], eventSubscriptions[i+1:]...)
			L_debug("bus: event unsubscribed", "pattern", sub.pattern, "subscriptionID", id)
			return true
		}
	}
	return false
}

// PublishEvent broadcasts an event to all subscribers of the topic.
// Handlers are called asynchronously in separate goroutines.
func PublishEvent(topic string, data any) {
	PublishEventWithSource(topic, data, "system")
}

// PublishEventWithSource broadcasts an event with source information.
func PublishEventWithSource(topic string, data any, source string) {
	event := Event{
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
	}

	eventSubscriptionsMu.RLock()
	var matched []subscription
	for _, sub := range eventSubscriptions {
		if sub.matches(topic) {
			matched = append(matched, sub)
		}
	}
	eventSubscriptionsMu.RUnlock()

	if len(matched) == 0 {
		return
	}

	L_debug("bus: event published", "topic", topic, "subscribers", len(matched), "source", source)

	for _, sub := range matched {
		go func(s subscription) {
			defer func() {
				if r := recover(); r != nil {
					L_error("bus: event handler panic", "topic", topic, "subscriptionID", s.id, "panic", r)
				}
			}()
			s.handler(event)
		}(sub)
	}
}

// CountEventSubscribers returns the number of subscriptions matching topic
func CountEventSubscribers(topic string) int {
	eventSubscriptionsMu.RLock()
	defer eventSubscriptionsMu.RUnlock()

	n := 0
	for _, sub := range eventSubscriptions {
		if sub.matches(topic) {
			n++
		}
	}
	return n
}
