// Package eventbus implements the Event bus (C6): a multi-producer,
// multi-consumer broadcast of WatchEvents with a fixed per-subscriber
// capacity. It is grounded on the non-blocking select/default broadcast
// shape of a LogAggregator (internal/daemon/runner/logs.go), augmented
// with a Lagged(n) signal: that shape silently drops a message when a
// subscriber's channel is full, while this design requires surfacing how
// many events were dropped the next time that subscriber receives.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/dkod-io/dk-server/pkg/model"
)

// DefaultCapacity is the fixed channel capacity per subscriber.
const DefaultCapacity = 256

// Bus is a process-wide shared broadcast channel.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	capacity    int
	closed      bool
}

type subscriber struct {
	ch      chan model.WatchEvent
	dropped int64 // atomic
}

// New returns an empty Bus with the default capacity.
func New() *Bus {
	return &Bus{subscribers: make(map[int64]*subscriber), capacity: DefaultCapacity}
}

// Subscription is a live subscriber's receive side plus its unsubscribe hook.
type Subscription struct {
	Events <-chan model.WatchEvent
	id     int64
	bus    *Bus
}

// Unsubscribe removes the subscription and closes its channel. The
// Subscribe/Unsubscribe pair must not be called concurrently with itself
// for the same Subscription.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	sub, ok := s.bus.subscribers[s.id]
	delete(s.bus.subscribers, s.id)
	s.bus.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Subscribe returns a new Subscription that observes only events published
// after this call.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan model.WatchEvent, b.capacity)}
	b.subscribers[id] = sub
	return &Subscription{Events: sub.ch, id: id, bus: b}
}

// Publish never blocks. If no subscriber exists it is silently dropped. A
// subscriber whose channel is full does not receive event; instead its
// drop counter is incremented, and the NEXT event it successfully receives
// is preceded by a synthesized Lagged(n) event carrying the number of
// drops since its last successful receive.
func (b *Bus) Publish(event model.WatchEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub *subscriber, event model.WatchEvent) {
	if dropped := atomic.SwapInt64(&sub.dropped, 0); dropped > 0 {
		select {
		case sub.ch <- model.WatchEvent{Kind: model.EventLagged, Lagged: int(dropped), PublishedAt: event.PublishedAt}:
		default:
			atomic.AddInt64(&sub.dropped, dropped)
		}
	}
	select {
	case sub.ch <- event:
	default:
		atomic.AddInt64(&sub.dropped, 1)
	}
}

// Close closes every live subscription. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.ch)
	}
	b.subscribers = make(map[int64]*subscriber)
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
