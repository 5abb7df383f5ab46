// Package eventbus implements a synchronous topic-keyed publish/subscribe bus.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Stats 统计信息
type Stats struct {
	PublishedCount int64 `json:"publishedCount"`
	DeliveredCount int64 `json:"deliveredCount"`
	PanicCount     int64 `json:"panicCount"`
	TopicCount     int   `json:"topicCount"`
}

// Bus delivers each published message to the handlers of its exact topic,
// then to wildcard handlers, on the publishing goroutine.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*handlerSet

	publishedCount atomic.Int64
	deliveredCount atomic.Int64
	panicCount     atomic.Int64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*handlerSet)}
}

// Subscribe registers h for topic. Subscribing the same handler twice is a no-op.
func (b *Bus) Subscribe(topic string, h Handler) error {
	if err := validateHandler(h); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.topics[topic]
	if !ok {
		set = newHandlerSet()
		b.topics[topic] = set
	}
	if set.add(h) {
		slog.Debug("eventbus subscribed", "topic", topic)
	}
	return nil
}

// Unsubscribe removes h from topic. It reports whether h was subscribed.
func (b *Bus) Unsubscribe(topic string, h Handler) bool {
	if validateHandler(h) != nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.topics[topic]
	if !ok {
		return false
	}
	removed := set.remove(h)
	if len(set.order) == 0 {
		delete(b.topics, topic)
	}
	return removed
}

// Publish delivers event and returns the number of handlers invoked.
// A panicking handler is recovered and does not stop the others.
func (b *Bus) Publish(topic string, event any) int {
	b.mu.RLock()
	handlers := b.snapshot(topic)
	if topic != Wildcard {
		handlers = append(handlers, b.snapshot(Wildcard)...)
	}
	b.mu.RUnlock()

	b.publishedCount.Add(1)
	msg := Message{Topic: topic, Event: event}
	for _, h := range handlers {
		b.invoke(h, msg)
	}
	return len(handlers)
}

// HasSubscribers reports whether topic (or the wildcard) has any handler.
func (b *Bus) HasSubscribers(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, exact := b.topics[topic]
	_, wild := b.topics[Wildcard]
	return exact || wild
}

// GetStats 获取统计信息
func (b *Bus) GetStats() Stats {
	b.mu.RLock()
	topics := len(b.topics)
	b.mu.RUnlock()

	return Stats{
		PublishedCount: b.publishedCount.Load(),
		DeliveredCount: b.deliveredCount.Load(),
		PanicCount:     b.panicCount.Load(),
		TopicCount:     topics,
	}
}

// snapshot copies the handler list so handlers run without the lock held.
// Caller holds b.mu.
func (b *Bus) snapshot(topic string) []Handler {
	set, ok := b.topics[topic]
	if !ok {
		return nil
	}
	out := make([]Handler, len(set.order))
	copy(out, set.order)
	return out
}

func (b *Bus) invoke(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.panicCount.Add(1)
			slog.Error("eventbus handler panicked", "topic", msg.Topic, "panic", r)
		}
	}()
	h.Handle(msg)
	b.deliveredCount.Add(1)
}
