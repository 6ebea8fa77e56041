// Package observe delivers value snapshots to any number of subscribers
// without coupling the producer to a reactivity framework. Each subscriber
// gets its own delivery goroutine and FIFO queue: delivery order matches
// publish order, and rapid successive publishes are never collapsed unless
// the subscriber opted into latest-value semantics.
package observe

import "sync"

type Bus[T any] struct {
	mu      sync.Mutex
	subs    map[uint64]*subscriber[T]
	nextID  uint64
	primed  bool
	current T
	closed  bool
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]*subscriber[T])}
}

type subOptions struct {
	latest bool
}

type Option func(*subOptions)

// Latest opts a subscriber into coalescing: intermediate values queued
// behind a newer one may be dropped, but the final value is always
// delivered.
func Latest() Option {
	return func(o *subOptions) { o.latest = true }
}

// Subscribe registers fn and returns a cancellable handle. If the bus has
// ever published, the current value is delivered first, then every later
// publish in order. fn runs on the subscriber's own goroutine; it must not
// call back into Subscribe/Publish synchronously from itself.
func (b *Bus[T]) Subscribe(fn func(T), opts ...Option) *Handle {
	var o subOptions
	for _, opt := range opts {
		opt(&o)
	}

	sub := &subscriber[T]{fn: fn, latest: o.latest}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return &Handle{cancel: func() {}}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	if b.primed {
		sub.enqueue(b.current)
	}
	b.mu.Unlock()

	go sub.run()

	h := &Handle{}
	h.cancel = func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.cancel()
	}
	return h
}

// Publish records v as the current value and enqueues it to every
// subscriber. Safe for concurrent use; enqueue order is the publish order.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.primed = true
	b.current = v
	for _, sub := range b.subs {
		sub.enqueue(v)
	}
}

// Close stops the bus. Values already enqueued are still delivered; nothing
// is published afterwards. Subscriber handles remain safe to cancel.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber[T], 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[uint64]*subscriber[T])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.drainAndStop()
	}
}

// Handle cancels a subscription. Cancel is idempotent and is a no-op after
// the bus itself has closed.
type Handle struct {
	once   sync.Once
	cancel func()
}

func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(h.cancel)
}

type subscriber[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	fn     func(T)
	latest bool

	cancelled bool // drop queue, exit now
	draining  bool // deliver queue, then exit
}

func (s *subscriber[T]) enqueue(v T) {
	s.mu.Lock()
	if s.cancelled || s.draining {
		s.mu.Unlock()
		return
	}
	if s.latest && len(s.queue) > 0 {
		s.queue = s.queue[:0]
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber[T]) cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.queue = nil
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber[T]) drainAndStop() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber[T]) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.cancelled && !s.draining {
			s.cond.Wait()
		}
		if s.cancelled || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		v := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.fn(v)
	}
}
