// Package bus implements the in-process event bus the Request Router,
// Session-Queue Runner, Agent Turn Engine, and Output Relay communicate
// over. The distributed transport (persistence, consumer groups, retry on
// nack) is an external concern; this package only gives every other
// package the same Envelope/topic shape an out-of-process bus would.
package bus

import (
	"sync"

	"github.com/bytedance/sonic"
)

// Envelope is one message on the bus. Topic is the semantic channel name
// (e.g. "evt.adapter", "cmd.request", "out.req.<id>"); EventType names the
// event within that topic (e.g. "adapter.message.created").
type Envelope struct {
	Topic     string
	EventType string
	Headers   map[string]string
	Payload   interface{}
}

func (e Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// EncodePayload marshals Payload with sonic, favoring a fast encoder
// over encoding/json at hot paths (stream
// deltas, tool status) this bus carries at high frequency.
func (e Envelope) EncodePayload() ([]byte, error) {
	return sonic.Marshal(e.Payload)
}

// Handler receives envelopes published to a subscribed topic.
type Handler func(Envelope)

// Bus is a process-local topic pub/sub. Subscriptions are exact-topic by
// default; an out.req.<id> topic is subscribed with
// Subscribe(RequestTopic(id), ...), the literal topic string for that one
// request's lifetime.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]subscription
	next int
}

type subscription struct {
	id      int
	handler Handler
}

func New() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Publish delivers the envelope synchronously to every current subscriber
// of its topic. Handlers run on the publishing goroutine; a handler that
// needs to do blocking work should dispatch to its own goroutine.
func (b *Bus) Publish(e Envelope) {
	b.mu.RLock()
	handlers := append([]subscription(nil), b.subs[e.Topic]...)
	b.mu.RUnlock()

	for _, s := range handlers {
		s.handler(e)
	}
}

// Subscribe registers handler for topic and returns an unsubscribe func.
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// RequestTopic builds the out.req.<id> topic name for a request's output
// stream.
func RequestTopic(requestID string) string {
	return "out.req." + requestID
}
