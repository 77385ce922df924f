package pipeline

import (
	"sync"
)

// EventBus fans published results out to subscribers. Handlers run
// synchronously on the publishing goroutine so per-stream order holds;
// channel subscribers that fall behind miss results.
type EventBus struct {
	subscribers map[*subscription]bool
	mu          sync.RWMutex
}

type subscription struct {
	streamFilter string // empty receives every stream
	channel      chan *Result
	handler      ResultHandler
}

// NewEventBus creates an empty bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*subscription]bool),
	}
}

func (b *EventBus) add(sub *subscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			if sub.channel != nil {
				close(sub.channel)
			}
		}
	}
}

// Subscribe registers a handler for every stream
// Returns an unsubscribe function
func (b *EventBus) Subscribe(handler ResultHandler) func() {
	return b.add(&subscription{handler: handler})
}

// SubscribeStream registers a handler for one stream
func (b *EventBus) SubscribeStream(stream string, handler ResultHandler) func() {
	return b.add(&subscription{streamFilter: stream, handler: handler})
}

// SubscribeChannel returns a buffered channel of results
func (b *EventBus) SubscribeChannel(stream string, bufferSize int) (<-chan *Result, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}
	ch := make(chan *Result, bufferSize)
	return ch, b.add(&subscription{streamFilter: stream, channel: ch})
}

// Publish delivers a result to matching subscribers
func (b *EventBus) Publish(result *Result) {
	if result == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.streamFilter != "" && sub.streamFilter != result.Stream {
			continue
		}
		if sub.handler != nil {
			sub.handler.OnResult(result)
		} else if sub.channel != nil {
			select {
			case sub.channel <- result:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close drops every subscriber and closes their channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
