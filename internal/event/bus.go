package event

import (
	"slices"
	"sync"
)

// Handler consumes one published event. Handlers run on their
// subscription's own goroutine; a panic is recovered and does not
// disturb other subscribers.
type Handler func(Event)

// Bus is an in-process broadcast channel for session events. Publish
// never blocks: each subscriber owns an ordered queue drained by its
// own goroutine, so a slow or failing observer cannot stall the
// controller or its siblings.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBus returns an empty bus ready for subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a handler and starts its delivery goroutine.
// The returned subscription stays live until Cancel or bus Close.
func (b *Bus) Subscribe(handler Handler) *Subscription {
	sub := &Subscription{handler: handler}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.done = true
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	sub.bus = b
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run()
	return sub
}

// Publish broadcasts one event to every live subscriber in
// subscription order. Delivery order per subscriber matches
// publish order.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	// Stable fan-out order: ascending subscription id.
	slices.Sort(ids)
	subs := make([]*Subscription, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, b.subs[id])
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(evt)
	}
}

// Close cancels every subscription after its queued events drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = map[uint64]*Subscription{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is one observer's registration on a Bus.
type Subscription struct {
	id      uint64
	bus     *Bus
	handler Handler

	mu    sync.Mutex
	cond  *sync.Cond
	queue []Event
	done  bool

	cancelOnce sync.Once
}

// Cancel detaches the subscription. Pending events are still
// delivered; calling Cancel more than once is harmless.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		if s.bus != nil {
			s.bus.remove(s.id)
		}
		s.stop()
	})
}

func (s *Subscription) stop() {
	s.mu.Lock()
	if !s.done {
		s.done = true
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscription) enqueue(evt Event) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, evt)
	s.cond.Signal()
	s.mu.Unlock()
}

// run drains the queue in order until cancelled and empty.
func (s *Subscription) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.done {
			s.mu.Unlock()
			return
		}
		evt := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(evt)
	}
}

func (s *Subscription) deliver(evt Event) {
	defer func() {
		// A handler panic must not take down delivery to anyone.
		_ = recover()
	}()
	s.handler(evt)
}
