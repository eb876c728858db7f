package eventbus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handler receives the payload published on a topic.
type Handler func(payload any)

// Subscription identifies one registration returned by Subscribe.
// The zero value is not a valid subscription.
type Subscription struct {
	ID    uuid.UUID
	Topic string
}

// Valid reports whether s was returned by Subscribe.
func (s Subscription) Valid() bool {
	return s.ID != uuid.Nil
}

type entry struct {
	id      uuid.UUID
	handler Handler
}

// Bus is an in-process topic registry. Handlers for a topic run
// synchronously in registration order on the publishing goroutine.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[string][]entry

	// Stats
	published int64
	delivered int64
	dropped   int64
	panics    int64
}

// Stats contains bus counters.
type Stats struct {
	Topics        int
	Subscriptions int
	Published     int64
	Delivered     int64
	Dropped       int64 // Published with no subscribers
	Panics        int64
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		topics: make(map[string][]entry),
	}
}

// Subscribe registers handler for topic. Registering the same handler
// twice creates two independent subscriptions and the handler runs once
// per subscription.
func (b *Bus) Subscribe(topic string, handler Handler) Subscription {
	if handler == nil {
		return Subscription{}
	}

	sub := Subscription{ID: uuid.New(), Topic: topic}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], entry{id: sub.ID, handler: handler})
	b.mu.Unlock()

	b.logger.Debug("subscribed", "topic", topic, "subscription", sub.ID)
	return sub
}

// Unsubscribe removes a single subscription. Unknown or already removed
// subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	if !sub.Valid() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entries, ok := b.topics[sub.Topic]
	if !ok {
		return
	}

	for i, e := range entries {
		if e.id != sub.ID {
			continue
		}
		// Copy so snapshots taken by in-flight Publish calls stay intact
		next := make([]entry, 0, len(entries)-1)
		next = append(next, entries[:i]...)
		next = append(next, entries[i+1:]...)
		if len(next) == 0 {
			delete(b.topics, sub.Topic)
		} else {
			b.topics[sub.Topic] = next
		}
		return
	}
}

// UnsubscribeTopic removes every subscription for topic.
func (b *Bus) UnsubscribeTopic(topic string) {
	b.mu.Lock()
	delete(b.topics, topic)
	b.mu.Unlock()
}

// Publish delivers payload to every current subscriber of topic and
// returns the number of handlers invoked. Topics without subscribers are
// dropped silently. A panicking handler is logged and does not stop
// delivery to the remaining handlers.
func (b *Bus) Publish(topic string, payload any) int {
	b.mu.Lock()
	entries := b.topics[topic]
	b.published++
	if len(entries) == 0 {
		b.dropped++
	}
	b.mu.Unlock()

	delivered := 0
	for _, e := range entries {
		if b.invoke(topic, e, payload) {
			delivered++
		}
	}

	if delivered > 0 {
		b.mu.Lock()
		b.delivered += int64(delivered)
		b.mu.Unlock()
	}

	return delivered
}

// invoke calls one handler, recovering from panics.
func (b *Bus) invoke(topic string, e entry, payload any) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				"topic", topic,
				"subscription", e.id,
				"panic", r,
			)
			b.mu.Lock()
			b.panics++
			b.mu.Unlock()
			ok = false
		}
	}()

	e.handler(payload)
	return true
}

// HasSubscribers reports whether topic has at least one subscription.
func (b *Bus) HasSubscribers(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic]) > 0
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := 0
	for _, entries := range b.topics {
		subs += len(entries)
	}

	return Stats{
		Topics:        len(b.topics),
		Subscriptions: subs,
		Published:     b.published,
		Delivered:     b.delivered,
		Dropped:       b.dropped,
		Panics:        b.panics,
	}
}
