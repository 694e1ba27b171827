package events

import (
	"sync"
	"time"

	"github.com/agent-forge/forge/internal/metrics"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 1024

// Bus provides in-process pub/sub across orchestrator components.
// Delivery is best-effort: a subscriber whose buffer overflows is
// disconnected rather than allowed to block publishers. Ordering is
// preserved per topic per subscriber.
type Bus struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	dropped uint64
	closed  bool

	// now is injectable for tests
	now func() time.Time
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	bus     *Bus
	filters []Topic
	ch      chan Event
	once    sync.Once
}

// NewBus creates an event bus with no subscribers.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		now:  time.Now,
	}
}

// Subscribe registers a subscriber with the given buffer capacity and
// topic filters. With no filters the subscriber receives every event.
// A buffer of 0 uses DefaultSubscriberBuffer.
func (b *Bus) Subscribe(buffer int, filters ...Topic) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &Subscription{
		bus:     b,
		filters: filters,
		ch:      make(chan Event, buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish stamps the event time and fans it out to matching subscribers.
// Publish never blocks: a subscriber that cannot keep up is disconnected
// and its channel closed.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if !sub.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Overflow: disconnect the slow subscriber
			delete(b.subs, sub)
			close(sub.ch)
			b.dropped++
			metrics.BusDropped.Inc()
		}
	}
}

// Running reports whether the bus accepts publishes. Drives the
// liveness probe.
func (b *Bus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Dropped returns the number of subscribers disconnected for overflow.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close shuts down the bus and closes every subscriber channel.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
	return nil
}

// Events returns the subscriber's receive channel. The channel is closed
// when the subscription is cancelled, disconnected for overflow, or the
// bus shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close cancels the subscription. Safe to call more than once and safe
// to call after the bus disconnected the subscriber.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s]; ok {
			delete(s.bus.subs, s)
			close(s.ch)
		}
	})
}

func (s *Subscription) matches(e Event) bool {
	if len(s.filters) == 0 {
		return true
	}
	for _, f := range s.filters {
		if e.Matches(f) {
			return true
		}
	}
	return false
}
