package monitor

import (
	"sync"
)

// subscriberBuffer is the per-subscriber queue. A subscriber that falls this
// far behind misses events rather than stalling the dispatcher.
const subscriberBuffer = 16

// Broadcaster fans BlockTriggered out to subscribers.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[chan BlockTriggered]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan BlockTriggered]struct{})}
}

// Subscribe returns a channel of block events and a function that ends the
// subscription and closes the channel.
func (b *Broadcaster) Subscribe() (<-chan BlockTriggered, func()) {
	ch := make(chan BlockTriggered, subscriberBuffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev without blocking and returns how many subscribers
// received it.
func (b *Broadcaster) Publish(ev BlockTriggered) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for ch := range b.subs {
		select {
		case ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
