package bus_test

import (
	"testing"
	"time"

	"github.com/basket/go-herd/internal/bus"
)

func recvEvent(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case event := <-sub.Ch():
		return event
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return bus.Event{}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicTaskCreated, bus.TaskCreatedEvent{TaskID: "task-1"})

	event := recvEvent(t, sub)
	if event.Topic != bus.TopicTaskCreated {
		t.Fatalf("topic = %q", event.Topic)
	}
	payload, ok := event.Payload.(bus.TaskCreatedEvent)
	if !ok || payload.TaskID != "task-1" {
		t.Fatalf("payload = %#v", event.Payload)
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := bus.New()
	taskSub := b.Subscribe("task.")
	agentSub := b.Subscribe("agent.")
	defer b.Unsubscribe(taskSub)
	defer b.Unsubscribe(agentSub)

	b.Publish(bus.TopicTaskDispatch, bus.TaskDispatchEvent{TaskID: "task-1", AgentID: "worker-1"})
	b.Publish(bus.TopicEviction, bus.EvictionEvent{AgentID: "worker-1"})

	if event := recvEvent(t, taskSub); event.Topic != bus.TopicTaskDispatch {
		t.Fatalf("task subscriber got %q", event.Topic)
	}
	if event := recvEvent(t, agentSub); event.Topic != bus.TopicEviction {
		t.Fatalf("agent subscriber got %q", event.Topic)
	}

	select {
	case event := <-taskSub.Ch():
		t.Fatalf("task subscriber leaked %q", event.Topic)
	default:
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d", b.SubscriberCount())
	}

	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
}

func TestBus_SlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; Publish must never block.
	for i := 0; i < 150; i++ {
		b.Publish(bus.TopicActivity, bus.ActivityEvent{Kind: "noise"})
	}

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			if received != 100 {
				t.Fatalf("received = %d, want full buffer of 100", received)
			}
			return
		}
	}
}
