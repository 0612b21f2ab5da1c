package notifications

import "sync"

// Subscription is one observer's view of the bus.
type Subscription struct {
	bus      *Bus
	buildID  string
	all      bool
	capacity int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	dropped uint64
	closed  bool

	out  chan Event
	done chan struct{}
	once sync.Once
}

func newSubscription(bus *Bus, buildID string, all bool, capacity int) *Subscription {
	s := &Subscription{
		bus:      bus,
		buildID:  buildID,
		all:      all,
		capacity: capacity,
		out:      make(chan Event),
		done:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// C delivers events in publish order. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// BuildID returns the subscribed build, or "" for an all-builds subscription.
func (s *Subscription) BuildID() string {
	return s.buildID
}

// Dropped reports how many events were discarded because the backlog was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	if s.bus != nil {
		s.bus.remove(s)
	}
	s.shutdown()
}

func (s *Subscription) matches(buildID string) bool {
	return s.all || s.buildID == buildID
}

func (s *Subscription) enqueue(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= s.capacity {
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.dropped++
	}
	s.queue = append(s.queue, evt)
	s.cond.Signal()
}

func (s *Subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return Event{}, false
	}
	evt := s.queue[0]
	s.queue = s.queue[1:]
	return evt, true
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		evt, ok := s.next()
		if !ok {
			return
		}
		select {
		case s.out <- evt:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.cond.Broadcast()
		s.mu.Unlock()
		close(s.done)
	})
}
