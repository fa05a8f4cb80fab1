package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber queue depth used when none is given.
const DefaultBuffer = 64

// Bus is an in-process fan-out emitter. Slow subscribers never block the
// publisher: events that do not fit a subscriber's buffer are dropped for
// that subscriber and counted.
type Bus struct {
	mu      sync.RWMutex
	next    uint64
	subs    map[uint64]chan Record
	dropped atomic.Uint64
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Record)}
}

// Emit implements the Emitter interface.
func (b *Bus) Emit(ev Event) {
	if ev == nil {
		return
	}
	record := ToRecord(ev)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- record:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a listener. The returned cancel function unregisters it
// and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Record, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Record, buffer)
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = ch
	b.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers reports the number of registered listeners.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many deliveries were skipped because a subscriber was
// full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
