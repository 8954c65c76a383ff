// Package broker provides in-process topic-based publish/subscribe used by
// the outbox relay and the websocket event stream. Consumers that need a
// durable external broker implement Publisher against it.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// TopicAll subscribes to every topic
const TopicAll = "*"

// Event is one published domain event
type Event struct {
	ID        string                 `json:"id"`
	Topic     string                 `json:"topic"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// Publisher delivers events to subscribers. Implementations must be safe
// for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Broker fans events out to subscriber channels per topic
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	closed bool
}

// New creates an empty broker
func New() *Broker {
	return &Broker{
		subs: make(map[string]map[chan Event]struct{}),
	}
}

// Subscribe registers a buffered channel for a topic (TopicAll for every
// topic). The returned cancel func must be called to release the channel.
func (b *Broker) Subscribe(topic string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan Event]struct{})
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to all subscribers of its topic. Slow
// subscribers with a full buffer are skipped rather than blocking the
// publisher; delivery guarantees come from the outbox, not from here.
func (b *Broker) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errors.New("broker: closed")
	}

	for _, topic := range []string{event.Topic, TopicAll} {
		for ch := range b.subs[topic] {
			select {
			case ch <- event:
			case <-ctx.Done():
				return ctx.Err()
			default:
				// Buffer full or subscriber dead
			}
		}
	}
	return nil
}

// Close stops delivery; subsequent Publish calls fail
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
