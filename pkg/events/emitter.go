package events

import (
	"sync"
	"time"
)

// subscriberBuffer sizes each delivery channel. A subscriber that falls
// further behind queues events in memory; delivery order is preserved and
// Emit never blocks on a slow consumer.
const subscriberBuffer = 256

// Emitter is an append-only, strictly time-ordered execution log with an
// append-and-subscribe primitive. Sequence numbers come from a single
// counter guarded by one lock, which is what guarantees causal total order
// across concurrently emitting parallel branches.
type Emitter struct {
	mu     sync.Mutex
	seq    uint64
	log    []Event
	subs   map[int]*subscription
	nextID int
	closed bool
}

func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]*subscription)}
}

// subscription decouples delivery from emission: events are enqueued under
// the emitter lock (preserving total order per subscriber) and a dedicated
// goroutine drains them onto the outbound channel.
type subscription struct {
	out  chan Event
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	pending []Event
	stopped bool
}

func newSubscription() *subscription {
	return &subscription{
		out:  make(chan Event, subscriberBuffer),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *subscription) enqueue(event Event) {
	s.mu.Lock()
	s.pending = append(s.pending, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drain owns the outbound channel: it moves queued events onto it in order
// and closes it once the subscription stops.
func (s *subscription) drain() {
	defer close(s.out)

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()

			if len(s.pending) == 0 {
				s.mu.Unlock()

				break
			}

			event := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case s.out <- event:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) stop() {
	s.mu.Lock()

	if s.stopped {
		s.mu.Unlock()

		return
	}

	s.stopped = true
	s.mu.Unlock()

	close(s.done)
}

// Emit stamps the event with the next sequence number and the current time,
// appends it to the log and queues it for every subscriber. It returns the
// stamped event and never blocks on subscribers.
func (e *Emitter) Emit(event Event) Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	event.Sequence = e.seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	e.log = append(e.log, event)

	for _, sub := range e.subs {
		sub.enqueue(event)
	}

	return event
}

// Events returns a snapshot of everything emitted so far, in order.
func (e *Emitter) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot := make([]Event, len(e.log))
	copy(snapshot, e.log)

	return snapshot
}

// Subscribe returns a channel receiving every event emitted after the call,
// and a cancel function that releases the subscription. The channel is
// closed on cancel or when the emitter closes; events still queued at that
// point are dropped.
func (e *Emitter) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		ch := make(chan Event)
		close(ch)

		return ch, func() {}
	}

	id := e.nextID
	e.nextID++

	sub := newSubscription()
	e.subs[id] = sub

	go sub.drain()

	cancel := func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()

		sub.stop()
	}

	return sub.out, cancel
}

// Close ends the stream: all subscription channels are closed and further
// subscriptions complete immediately.
func (e *Emitter) Close() {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()

		return
	}

	e.closed = true

	subs := make([]*subscription, 0, len(e.subs))

	for id, sub := range e.subs {
		delete(e.subs, id)
		subs = append(subs, sub)
	}

	e.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}
