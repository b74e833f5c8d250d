package events

import (
	"log/slog"
	"sync"
)

// DefaultSubscriberBuffer is the per-subscriber channel buffer used when
// the bus is constructed with a non-positive buffer size.
const DefaultSubscriberBuffer = 64

// Subscription is one subscriber's view of the bus. Events arrive on C in
// publication order; the channel is closed when the subscription or the
// bus is closed.
type Subscription struct {
	// C receives matching events.
	C <-chan JobEvent

	ch     chan JobEvent
	types  map[EventType]struct{}
	cancel func(*Subscription)
	once   sync.Once
}

// Close removes the subscription from the bus and closes its channel.
// Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel(s)
		close(s.ch)
	})
}

// matches reports whether the subscription wants the given event type.
// An empty type set matches everything.
func (s *Subscription) matches(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// InMemoryEventBus is a simple EventBus implementation that fans events
// out to per-subscriber buffered channels. Delivery to a subscriber whose
// buffer is full drops the event for that subscriber (with a warning)
// rather than blocking the publisher; observers needing a complete view
// read the job store, which is written before every publication.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	bufferSize  int
	closed      bool
	logger      *slog.Logger
}

// NewInMemoryEventBus creates a new bus. bufferSize is the per-subscriber
// channel buffer; non-positive values use DefaultSubscriberBuffer.
func NewInMemoryEventBus(bufferSize int, logger *slog.Logger) *InMemoryEventBus {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &InMemoryEventBus{
		subscribers: make(map[*Subscription]struct{}),
		bufferSize:  bufferSize,
		logger:      logger.With("component", "event_bus"),
	}
}

// Subscribe registers a new subscriber for the given event types.
// With no types, the subscriber receives every event.
func (b *InMemoryEventBus) Subscribe(types ...EventType) *Subscription {
	sub := &Subscription{
		ch:     make(chan JobEvent, b.bufferSize),
		cancel: b.remove,
	}
	sub.C = sub.ch
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// A subscription on a closed bus yields a closed channel.
		sub.once.Do(func() {
			close(sub.ch)
		})
		return sub
	}
	b.subscribers[sub] = struct{}{}
	b.logger.Debug("subscriber registered", "subscriber_count", len(b.subscribers))
	return sub
}

// Publish delivers the event to all current subscribers without blocking.
func (b *InMemoryEventBus) Publish(event JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for sub := range b.subscribers {
		if !sub.matches(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"event_type", event.Type,
				"job_id", event.JobID,
				"buffer_size", b.bufferSize)
		}
	}
}

// Close tears down the bus: all subscriber channels are closed and
// further publishes become no-ops. Idempotent.
func (b *InMemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		sub.once.Do(func() {
			close(sub.ch)
		})
		delete(b.subscribers, sub)
	}
	b.logger.Debug("event bus closed")
}

// remove detaches a subscription; called from Subscription.Close.
func (b *InMemoryEventBus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, sub)
}
