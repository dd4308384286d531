// Package bus is the daemon's in-process event fabric. The transport layer
// publishes decoded host events under "transport.*", the engine publishes
// store notifications under "convo.*", and the transfer manager reports
// results under "transfer.*". A subscription names a kind prefix and
// receives everything beneath it.
package bus

import (
	"strings"
	"sync"
)

// Bus fans events out to prefix-matched subscribers. Delivery is
// non-blocking: a subscriber that has let its buffer fill loses events
// rather than stalling publishers, so consumers on hot paths (the engine's
// transport loop) size their buffers for bursts.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Full buffer: the subscriber is behind, drop.
		}
	}
}

// Subscribe registers a prefix subscription with the given buffer size and
// returns the receiving channel plus an unsubscribe function. The channel
// is never closed; callers stop reading after unsubscribing.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
