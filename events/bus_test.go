package events

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversToSubscribedUser(t *testing.T) {
	bus := NewBus()
	alice := bus.Subscribe("alice")
	bob := bus.Subscribe("bob")
	defer alice.Close()
	defer bob.Close()

	bus.Publish("alice", Event{Type: TaskAssigned, TaskID: "t1"})

	select {
	case ev := <-alice.Events():
		assert.Equal(t, TaskAssigned, ev.Type)
		assert.Equal(t, "t1", ev.TaskID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("alice did not receive the event")
	}
	assert.Len(t, bob.Events(), 0)
}

func TestBus_FullBufferDropsWithoutBlocking(t *testing.T) {
	var dropped atomic.Int32
	bus := NewBus(WithBuffer(2), WithDropHandler(func(string, Event) { dropped.Add(1) }))
	sub := bus.Subscribe("u1")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish("u1", Event{Type: InstanceStarted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Len(t, sub.Events(), 2)
	assert.Equal(t, int32(3), dropped.Load())
}

func TestBus_PublishAllDeduplicates(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("u1")
	defer sub.Close()

	bus.PublishAll([]string{"u1", "u1", "", "u2"}, Event{Type: InstanceCompleted})
	assert.Len(t, sub.Events(), 1)
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("u1")
	require.Equal(t, 1, bus.SubscriberCount("u1"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount("u1"))
	_, open := <-sub.Events()
	assert.False(t, open)

	bus.Publish("u1", Event{Type: InstanceStarted})
}
