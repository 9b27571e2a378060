package events

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultSubscriberBuffer is the per-subscriber channel depth before the
// bus starts dropping that subscriber's oldest buffered events.
const DefaultSubscriberBuffer = 64

// Filter reports whether a subscriber wants to receive event e. A nil
// Filter receives everything.
type Filter func(e Event) bool

// Subscription is a live registration on the Bus. Cancel stops delivery
// and releases the subscriber's channel; callers must call Cancel exactly
// once, typically via defer.
type Subscription struct {
	ch     chan Event
	cancel func()
}

// Events returns the channel events arrive on. It is closed when Cancel is
// called or the Bus itself shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Cancel unsubscribes, closing the subscriber's channel.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Bus is a multi-producer, multi-consumer fan-out of core events. Publish
// never blocks: a subscriber whose buffer is full has its oldest buffered
// event dropped to make room for the new one (spec.md §5), so a single
// slow consumer can never back-pressure the producers driving the serial
// link.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]*subscriberEntry
	nextID      int
	bufferSize  int

	published prometheus.Counter
	dropped   prometheus.Counter
}

type subscriberEntry struct {
	ch     chan Event
	filter Filter
	mu     sync.Mutex
}

// NewBus creates a Bus with bufferSize-deep per-subscriber channels.
// bufferSize <= 0 selects DefaultSubscriberBuffer.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &Bus{
		subscribers: make(map[int]*subscriberEntry),
		bufferSize:  bufferSize,
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grblcore_events_published_total",
			Help: "Total events published to the bus.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grblcore_events_dropped_total",
			Help: "Total events dropped because a subscriber's buffer was full.",
		}),
	}
}

// Collectors returns the bus's prometheus collectors for registration by
// the host.
func (b *Bus) Collectors() []prometheus.Collector {
	return []prometheus.Collector{b.published, b.dropped}
}

// Subscribe registers a new subscriber. filter may be nil to receive every
// event. The returned Subscription must be cancelled when no longer
// needed.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	entry := &subscriberEntry{
		ch:     make(chan Event, b.bufferSize),
		filter: filter,
	}
	b.subscribers[id] = entry

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(entry.ch)
		})
	}

	return &Subscription{ch: entry.ch, cancel: cancel}
}

// Publish fans e out to every matching subscriber. It never blocks: a
// subscriber at capacity has its oldest event evicted first.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	entries := make([]*subscriberEntry, 0, len(b.subscribers))
	for _, entry := range b.subscribers {
		entries = append(entries, entry)
	}
	b.mu.Unlock()

	b.published.Inc()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(e) {
			continue
		}
		b.deliver(entry, e)
	}
}

func (b *Bus) deliver(entry *subscriberEntry, e Event) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	select {
	case entry.ch <- e:
		return
	default:
	}

	// Buffer full: drop the oldest event to make room, never the producer.
	select {
	case <-entry.ch:
		b.dropped.Inc()
	default:
	}

	select {
	case entry.ch <- e:
	default:
		// Another goroutine raced us and refilled the slot; drop e itself.
		b.dropped.Inc()
	}
}

// Shutdown cancels every live subscription, closing their channels.
func (b *Bus) Shutdown(ctx context.Context) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.mu.Lock()
		entry, ok := b.subscribers[id]
		if ok {
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
		if ok {
			close(entry.ch)
		}
	}
}
