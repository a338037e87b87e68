package events

import (
	"fmt"
	"testing"
	"time"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(TopicTask, 10)

	bus.Publish(TaskStartedEvent{ID: "task-1", WorkerID: "w1", Attempt: 1, Timestamp: time.Now()})

	select {
	case received := <-sub.C:
		if received.TaskID() != "task-1" {
			t.Errorf("expected task ID 'task-1', got '%s'", received.TaskID())
		}
		if received.EventType() != EventTypeTaskStarted {
			t.Errorf("expected event type '%s', got '%s'", EventTypeTaskStarted, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestTopicOf(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{TaskReadyEvent{}, TopicTask},
		{TaskAssignedEvent{}, TopicTask},
		{TaskBlockedEvent{}, TopicTask},
		{TaskRevisionEvent{}, TopicTask},
		{RoundCompletedEvent{}, TopicRun},
	}
	for _, tt := range tests {
		if got := TopicOf(tt.event); got != tt.want {
			t.Errorf("TopicOf(%s) = %q, want %q", tt.event.EventType(), got, tt.want)
		}
	}
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub1 := bus.Subscribe(TopicTask, 10)
	sub2 := bus.Subscribe(TopicTask, 10)

	bus.Publish(TaskCompletedEvent{ID: "task-2", Score: 90, Duration: 100 * time.Millisecond, Timestamp: time.Now()})

	for i, sub := range []*Subscription{sub1, sub2} {
		select {
		case received := <-sub.C:
			if received.TaskID() != "task-2" {
				t.Errorf("subscriber %d: expected task ID 'task-2', got '%s'", i+1, received.TaskID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestNonBlockingSend verifies that publishing doesn't block when channels are full.
func TestNonBlockingSend(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TaskReadyEvent{ID: fmt.Sprintf("task-%d", i), Timestamp: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	select {
	case received := <-sub.C:
		if received.TaskID() != "task-0" {
			t.Errorf("first buffered event = %q, want task-0", received.TaskID())
		}
	default:
		t.Error("expected at least one event in buffer")
	}
	if got := bus.Dropped(); got != 9 {
		t.Errorf("Dropped() = %d, want 9", got)
	}
}

// TestCloseSignalsSubscribers verifies that closing the bus closes subscriber channels.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()

	for _, s := range []*Subscription{sub, all} {
		received := 0
		for range s.C {
			received++
		}
		if received != 0 {
			t.Errorf("expected 0 events after close, got %d", received)
		}
	}

	// Subscribing after close yields a closed channel.
	late := bus.Subscribe(TopicRun, 1)
	if _, ok := <-late.C; ok {
		t.Error("subscription after close should be closed")
	}
}

// TestPublishAfterClose verifies publishing after close doesn't panic.
func TestPublishAfterClose(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(TopicTask, 10)
	bus.Close()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close caused panic: %v", r)
		}
	}()
	bus.Publish(TaskStartedEvent{ID: "task-1", Timestamp: time.Now()})

	if _, ok := <-sub.C; ok {
		t.Error("received event after bus was closed")
	}
}

// TestMultipleTopics verifies topic isolation.
func TestMultipleTopics(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	taskSub := bus.Subscribe(TopicTask, 10)
	runSub := bus.Subscribe(TopicRun, 10)

	bus.Publish(TaskStartedEvent{ID: "task-1", Timestamp: time.Now()})
	bus.Publish(RoundCompletedEvent{Round: 1, Total: 10, Completed: 5, Running: 2, Pending: 3, Timestamp: time.Now()})

	select {
	case received := <-taskSub.C:
		if received.EventType() != EventTypeTaskStarted {
			t.Errorf("task channel: expected task event, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("task channel: timeout waiting for event")
	}

	select {
	case received := <-runSub.C:
		if received.EventType() != EventTypeRoundCompleted {
			t.Errorf("run channel: expected round event, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("run channel: timeout waiting for event")
	}

	select {
	case <-taskSub.C:
		t.Error("task channel received unexpected event")
	case <-runSub.C:
		t.Error("run channel received unexpected event")
	case <-time.After(10 * time.Millisecond):
	}
}

// TestSubscribeAll verifies that SubscribeAll receives events from all topics.
func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(20)

	bus.Publish(TaskBlockedEvent{ID: "task-1", Reason: "dependency failed", Timestamp: time.Now()})
	bus.Publish(RoundCompletedEvent{Round: 2, Timestamp: time.Now()})

	receivedTypes := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case received := <-all.C:
			receivedTypes[received.EventType()] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}

	if !receivedTypes[EventTypeTaskBlocked] {
		t.Error("SubscribeAll did not receive task event")
	}
	if !receivedTypes[EventTypeRoundCompleted] {
		t.Error("SubscribeAll did not receive round event")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	keep := bus.Subscribe(TopicTask, 10)
	drop := bus.Subscribe(TopicTask, 10)
	dropAll := bus.SubscribeAll(10)

	bus.Unsubscribe(drop)
	bus.Unsubscribe(dropAll)
	bus.Unsubscribe(drop) // second call is a no-op

	if _, ok := <-drop.C; ok {
		t.Error("unsubscribed channel should be closed")
	}
	if _, ok := <-dropAll.C; ok {
		t.Error("unsubscribed all-topic channel should be closed")
	}

	bus.Publish(TaskReadyEvent{ID: "task-1", Timestamp: time.Now()})
	select {
	case e := <-keep.C:
		if e.TaskID() != "task-1" {
			t.Errorf("remaining subscriber got %q", e.TaskID())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("remaining subscriber did not receive event")
	}
}
