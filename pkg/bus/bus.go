package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	publishTimeout    = 100 * time.Millisecond
	subscriberBufSize = 100
)

// EventBus fans controller events out to every subscriber. A subscriber
// that stays full past publishTimeout loses the event and the drop is
// counted.
type EventBus struct {
	subs    map[uint64]chan Event
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
	mu      sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[uint64]chan Event),
	}
}

// Subscribe registers a new receiver. The returned cancel func removes it
// and closes its channel; it is safe to call more than once.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			timer := time.NewTimer(publishTimeout)
			select {
			case ch <- ev:
			case <-timer.C:
				b.dropped.Add(1)
			}
			timer.Stop()
		}
	}
}

func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}
