package psuclient

import (
	"sync"
	"sync/atomic"
)

// broadcaster fans a value out to every independently-subscribed
// receiver, the same watchers-slice-per-topic shape used by the
// teacher's service-discovery registry (pkg/servicemesh/discovery's
// Watch/notifyWatchers), generalized with a per-subscriber lag counter:
// a full receiver is skipped rather than blocking the publisher, but
// unlike the discovery registry's silent skip, the skip increments a
// counter the subscriber can read, so a lagging consumer is observable
// rather than silently starved.
type broadcaster[T any] struct {
	mu   sync.Mutex
	subs []*subscriber[T]
}

type subscriber[T any] struct {
	ch     chan T
	lagged atomic.Uint64
}

// Subscription is a fresh, independent receiver returned by one of the
// Client's Subscribe* accessors. C delivers every value the broadcaster
// publishes that arrives while this subscriber's buffer has room;
// Lagged reports how many publications were dropped because it didn't.
type Subscription[T any] struct {
	C <-chan T

	sub *subscriber[T]
}

// Lagged returns the number of values dropped for this subscriber so
// far because its buffer was full when published to.
func (s *Subscription[T]) Lagged() uint64 {
	return s.sub.lagged.Load()
}

func newBroadcaster[T any]() *broadcaster[T] {
	return &broadcaster[T]{}
}

// subscribe appends a fresh buffered channel to the topic's subscriber
// list and returns a handle onto it. Concurrent subscribes and
// publishes are safe.
func (b *broadcaster[T]) subscribe() *Subscription[T] {
	sub := &subscriber[T]{ch: make(chan T, broadcastCapacity)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return &Subscription[T]{C: sub.ch, sub: sub}
}

// publish fans v out to every current subscriber, dropping (and
// counting the drop) for any whose buffer is full rather than blocking
// the dispatcher on a slow consumer.
func (b *broadcaster[T]) publish(v T) {
	b.mu.Lock()
	subs := make([]*subscriber[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- v:
		default:
			sub.lagged.Add(1)
		}
	}
}
