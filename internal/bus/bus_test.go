package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("scheduler.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskUpdated, TaskUpdatedEvent{TaskID: "t1", Status: "success"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicTaskUpdated {
			t.Errorf("topic = %q, want %q", ev.Topic, TopicTaskUpdated)
		}
		payload, ok := ev.Payload.(TaskUpdatedEvent)
		if !ok || payload.TaskID != "t1" {
			t.Errorf("payload = %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	sub := b.Subscribe("conversations.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskUpdated, nil)
	b.Publish(TopicConversationsChanged, nil)

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicConversationsChanged {
			t.Errorf("got unexpected topic %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("matching event not delivered")
	}
	select {
	case ev := <-sub.Ch():
		t.Errorf("unexpected second event %q", ev.Topic)
	default:
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overfill the subscriber buffer; publishes must drop, not hang.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicTaskUpdated, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Publish(TopicTaskUpdated, nil) // must not panic
}
