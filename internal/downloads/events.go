package downloads

import (
	"sync"

	"github.com/fabienpiette/tunevault/internal/models"
)

// ProgressPublisher receives progress events from running batches
type ProgressPublisher interface {
	Publish(event *models.ProgressEvent)
}

// EventBus fans progress events out to subscribers. Publishing never blocks:
// a subscriber that falls behind loses events rather than stalling a transfer.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan *models.ProgressEvent
	nextID      int
}

// NewEventBus creates an event bus with no subscribers
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[int]chan *models.ProgressEvent)}
}

// Subscribe returns a channel of events and a function that ends the subscription
func (b *EventBus) Subscribe(buffer int) (<-chan *models.ProgressEvent, func()) {
	ch := make(chan *models.ProgressEvent, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers an event to every subscriber that has room for it
func (b *EventBus) Publish(event *models.ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
