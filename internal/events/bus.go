// Package events carries run progress from the dispatcher to observers such
// as the TUI and the CLI logger.
package events

import (
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is used when a subscriber asks for a non-positive buffer.
const DefaultBufferSize = 256

// Subscription is a handle returned by Subscribe and SubscribeAll.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	topic string // empty for all-topic subscriptions
}

// Bus is a channel-based pub-sub event bus.
// Publishing never blocks: a full subscriber loses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*Subscription // topic -> subscriptions
	allSubs []*Subscription
	closed  bool
	dropped atomic.Int64
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]*Subscription),
	}
}

// TopicOf returns the topic an event is routed to, derived from its type prefix.
func TopicOf(e Event) string {
	topic, _, _ := strings.Cut(e.EventType(), ".")
	return topic
}

func newSubscription(topic string, bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	ch := make(chan Event, bufSize)
	return &Subscription{C: ch, ch: ch, topic: topic}
}

// Subscribe creates a subscription to a single topic.
func (b *Bus) Subscribe(topic string, bufSize int) *Subscription {
	sub := newSubscription(topic, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

// SubscribeAll creates a subscription that receives events from every topic.
func (b *Bus) SubscribeAll(bufSize int) *Subscription {
	sub := newSubscription("", bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}
	b.allSubs = append(b.allSubs, sub)
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
// Unknown or already removed subscriptions are ignored.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	list := b.allSubs
	if sub.topic != "" {
		list = b.subs[sub.topic]
	}
	for i, s := range list {
		if s != sub {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if sub.topic != "" {
			b.subs[sub.topic] = list
		} else {
			b.allSubs = list
		}
		close(sub.ch)
		return
	}
}

// Publish delivers the event to subscribers of its topic and to every
// all-topic subscriber. A nil Bus discards the event.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs[TopicOf(e)] {
		b.send(sub, e)
	}
	for _, sub := range b.allSubs {
		b.send(sub, e)
	}
}

func (b *Bus) send(sub *Subscription, e Event) {
	select {
	case sub.ch <- e:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the bus and every subscriber channel. Safe to call twice.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, list := range b.subs {
		for _, sub := range list {
			close(sub.ch)
		}
	}
	for _, sub := range b.allSubs {
		close(sub.ch)
	}
}
