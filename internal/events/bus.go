package events

import (
	"context"
	"sync"
)

// Topics published by the core components. Payload shapes are owned by the
// publishing package; subscribers type-assert.
const (
	TopicPluginRegistered = "plugin.registered"
	TopicPluginExecuted   = "plugin.executed"
	TopicPluginError      = "plugin.error"
	TopicPluginUnloaded   = "plugin.unloaded"
	TopicInternalExecute  = "plugin.internal_execute"

	TopicToolsRegistered   = "distributed.tools_registered"
	TopicToolsUnregistered = "distributed.tools_unregistered"
	TopicAsyncToolResult   = "distributed.async_tool_result"
	TopicServerConnected   = "distributed.server_connected"
	TopicIPReport          = "distributed.ip_report"
)

// Event is a single published occurrence. Events are advisory: no
// publisher waits on a subscriber, and slow subscribers drop.
type Event struct {
	Topic   string
	Payload any
}

// subscriberBuffer bounds each subscription channel. An event that does
// not fit is dropped for that subscriber only.
const subscriberBuffer = 32

type subscriber struct {
	topic string
	ch    chan Event
}

// Bus is an in-process publish/subscribe fabric keyed by topic. Sends
// happen under the read lock and channel closes under the write lock, so
// a subscription channel is never closed mid-send.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscriber
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*subscriber)}
}

// Subscribe returns a channel receiving every event published to topic
// until ctx is cancelled, at which point the channel is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string) <-chan Event {
	sub := &subscriber{topic: topic, ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	context.AfterFunc(ctx, func() { b.unsubscribe(sub) })
	return sub.ch
}

// Publish delivers ev to every current subscriber of its topic. Delivery
// is non-blocking: a subscriber with a full buffer misses the event
// rather than stalling the publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[ev.Topic] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (b *Bus) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
	close(sub.ch)
}
