package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := bus.Subscribe(ctx, TopicPluginRegistered)
	b := bus.Subscribe(ctx, TopicPluginRegistered)

	bus.Publish(Event{Topic: TopicPluginRegistered, Payload: "Sum"})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, TopicPluginRegistered, ev.Topic)
			assert.Equal(t, "Sum", ev.Payload)
		case <-time.After(time.Second):
			t.Fatal("subscriber never received event")
		}
	}
}

func TestPublishDoesNotCrossTopics(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx, TopicPluginError)
	bus.Publish(Event{Topic: TopicPluginExecuted, Payload: "nope"})

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event on other topic: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelClosesSubscription(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch := bus.Subscribe(ctx, TopicToolsRegistered)
	cancel()

	select {
	case _, open := <-ch:
		require.False(t, open, "channel should be closed after cancel")
	case <-time.After(time.Second):
		t.Fatal("channel never closed")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Topic: TopicToolsRegistered})
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = bus.Subscribe(ctx, TopicAsyncToolResult)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			bus.Publish(Event{Topic: TopicAsyncToolResult, Payload: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}
