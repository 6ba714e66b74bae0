// Package bus is the in-process pub/sub channel between the scheduler and
// the rest of the application. The desktop UI and the voice service attach
// as subscribers; publishes are fire-and-forget and never block, so the
// scheduler behaves identically whether or not a UI is listening.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// UI and collaborator topics.
const (
	// TopicTaskUpdated fires after any persisted change to a scheduled task.
	TopicTaskUpdated = "scheduler.task_updated"
	// TopicConversationsChanged asks the UI to refresh its conversation list,
	// e.g. after the scheduler auto-created a backing conversation.
	TopicConversationsChanged = "conversations.changed"
	// TopicSpeechSay requests spoken output from the voice service.
	TopicSpeechSay = "speech.say"
)

// TaskUpdatedEvent is the payload for TopicTaskUpdated.
type TaskUpdatedEvent struct {
	TaskID string
	Status string
}

// SpeechSayEvent is the payload for TopicSpeechSay.
type SpeechSayEvent struct {
	Text string
}

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe creates a subscription for events whose topic starts with the
// given prefix. An empty prefix matches all topics. The channel is buffered;
// slow consumers miss events rather than stalling publishers.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers without blocking.
// A nil receiver is allowed so components can publish unconditionally.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}
