/*
Package events provides an in-memory, non-blocking pub/sub broker for
Bay's Ship lifecycle events (ship.created, ship.running, ship.stopped,
session.bound, session.unbound). It exists purely for observability — a
CLI or dashboard can subscribe to watch the fleet change in real time —
and nothing in the scheduler, affinity index, or reaper depends on a
subscriber actually being present.
*/
package events

import (
	"sync"

	"github.com/shipyard/bay/pkg/types"
)

const (
	publishBuffer   = 100
	subscribeBuffer = 50
)

// Broker fans a single publish stream out to many subscribers.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int]chan types.Event
	nextID      int
	publishCh   chan types.Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker. Call Start to begin delivering.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int]chan types.Event),
		publishCh:   make(chan types.Event, publishBuffer),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broadcast loop in the background.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts the broadcast loop and closes all subscriber channels.
func (b *Broker) Stop() {
	close(b.stopCh)
}

func (b *Broker) run() {
	for {
		select {
		case ev := <-b.publishCh:
			b.broadcast(ev)
		case <-b.stopCh:
			b.mu.Lock()
			for id, ch := range b.subscribers {
				close(ch)
				delete(b.subscribers, id)
			}
			b.mu.Unlock()
			return
		}
	}
}

func (b *Broker) broadcast(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than block publishers.
		}
	}
}

// Publish enqueues an event for delivery. Non-blocking: if the publish
// buffer is full, the event is dropped rather than stalling the caller.
func (b *Broker) Publish(ev types.Event) {
	select {
	case b.publishCh <- ev:
	default:
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function.
func (b *Broker) Subscribe() (<-chan types.Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan types.Event, subscribeBuffer)
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			close(existing)
			delete(b.subscribers, id)
		}
	}
	return ch, unsubscribe
}
