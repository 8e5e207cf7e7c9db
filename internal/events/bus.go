// Package events is the typed publish/subscribe channel connecting the
// command channel and reconciler to in-app consumers (the UI bridge).
package events

import (
	"sync"

	"primus-kiosk/internal/model"
)

const subscriberBuffer = 64

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// that stops draining its channel loses events rather than stalling the
// command loops.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// Subscription delivers events on C until Unsubscribe is called.
type Subscription struct {
	C   chan model.Event
	bus *Bus
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{C: make(chan model.Event, subscriberBuffer), bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (s *Subscription) Unsubscribe() {
	b := s.bus
	b.mu.Lock()
	_, present := b.subs[s]
	delete(b.subs, s)
	b.mu.Unlock()
	if present {
		close(s.C)
	}
}

func (b *Bus) Publish(event model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.C <- event:
		default:
		}
	}
}
