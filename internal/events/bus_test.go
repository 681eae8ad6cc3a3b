package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runningBus(t *testing.T) *Bus {
	t.Helper()
	bus := NewBus()
	go bus.Run()
	t.Cleanup(bus.Shutdown)
	return bus
}

func waitEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case event, open := <-sub.C:
		require.True(t, open, "subscription closed before event arrived")
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishReachesProjectSubscriber(t *testing.T) {
	bus := runningBus(t)
	sub := bus.Subscribe(7)
	defer sub.Cancel()

	bus.Publish(EventSandboxReady, 7, map[string]interface{}{"port": 3000})

	event := waitEvent(t, sub)
	assert.Equal(t, EventSandboxReady, event.Type)
	assert.EqualValues(t, 7, event.ProjectID)
	assert.EqualValues(t, 3000, event.Data["port"])
	assert.False(t, event.Timestamp.IsZero())
}

func TestSubscriberOnlySeesOwnProject(t *testing.T) {
	bus := runningBus(t)
	sub := bus.Subscribe(1)
	defer sub.Cancel()

	bus.Publish(EventFileMutated, 2, nil)
	bus.Publish(EventFileMutated, 1, nil)

	event := waitEvent(t, sub)
	assert.EqualValues(t, 1, event.ProjectID)
	select {
	case extra := <-sub.C:
		t.Fatalf("unexpected event for project %d", extra.ProjectID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWildcardSubscriberSeesAll(t *testing.T) {
	bus := runningBus(t)
	sub := bus.Subscribe(0)
	defer sub.Cancel()

	bus.Publish(EventSandboxBooting, 1, nil)
	bus.Publish(EventSandboxBooting, 2, nil)

	first := waitEvent(t, sub)
	second := waitEvent(t, sub)
	assert.ElementsMatch(t, []uint{1, 2}, []uint{first.ProjectID, second.ProjectID})
}

func TestCancelClosesChannel(t *testing.T) {
	bus := runningBus(t)
	sub := bus.Subscribe(1)
	sub.Cancel()

	select {
	case _, open := <-sub.C:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestShutdownClosesSubscribers(t *testing.T) {
	bus := NewBus()
	go bus.Run()
	sub := bus.Subscribe(1)

	bus.Shutdown()

	select {
	case _, open := <-sub.C:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after shutdown")
	}
}

func TestCancelAfterShutdownReturns(t *testing.T) {
	// Streaming handlers cancel on disconnect, which can land after the bus
	// has already shut down; Cancel must not block on a gone broadcaster.
	bus := NewBus()
	go bus.Run()
	sub := bus.Subscribe(1)

	bus.Shutdown()

	done := make(chan struct{})
	go func() {
		sub.Cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancel blocked after shutdown")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := runningBus(t)
	sub := bus.Subscribe(1)
	defer sub.Cancel()

	// Overfill the subscriber buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(EventFileMutated, 1, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
