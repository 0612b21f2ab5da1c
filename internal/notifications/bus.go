package notifications

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultCapacity = 64

// Bus delivers events to subscribers without ever blocking publishers.
type Bus struct {
	mu       sync.Mutex
	capacity int
	seq      map[string]uint64
	latest   map[string]Event
	subs     map[*Subscription]struct{}
	closed   bool
}

// NewBus constructs a bus whose subscriptions buffer at most capacity events.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Bus{
		capacity: capacity,
		seq:      make(map[string]uint64),
		latest:   make(map[string]Event),
		subs:     make(map[*Subscription]struct{}),
	}
}

// Publish stamps evt with the next sequence for its build and enqueues it on
// every matching subscription. It returns the stamped event.
func (b *Bus) Publish(evt Event) Event {
	if b == nil {
		return evt
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return evt
	}
	b.seq[evt.BuildID]++
	evt.Sequence = b.seq[evt.BuildID]
	b.latest[evt.BuildID] = evt
	// Enqueueing under the bus lock keeps per-build order across concurrent
	// publishers; enqueue itself never blocks.
	for sub := range b.subs {
		if sub.matches(evt.BuildID) {
			sub.enqueue(evt)
		}
	}
	return evt
}

// Subscribe returns a subscription to buildID's events. The build's latest
// event, if any, is delivered first.
func (b *Bus) Subscribe(buildID string) *Subscription {
	return b.subscribe(buildID, false)
}

// SubscribeAll returns a subscription to every build's events.
func (b *Bus) SubscribeAll() *Subscription {
	return b.subscribe("", true)
}

func (b *Bus) subscribe(buildID string, all bool) *Subscription {
	sub := newSubscription(b, buildID, all, b.capacity)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.shutdown()
		go sub.pump()
		return sub
	}
	if !all {
		if evt, ok := b.latest[buildID]; ok {
			sub.enqueue(evt)
		}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	go sub.pump()
	return sub
}

// Latest returns the most recent event published for buildID.
func (b *Bus) Latest(buildID string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	evt, ok := b.latest[buildID]
	return evt, ok
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Close shuts down every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = map[*Subscription]struct{}{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
}
