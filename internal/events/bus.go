package events

import (
	"sync"
	"sync/atomic"
)

// subscriber is one listener channel of a topic.
type subscriber struct {
	ch   chan any
	once sync.Once
}

func (s *subscriber) close() { s.once.Do(func() { close(s.ch) }) }

// Bus fans payloads out to topic subscribers without ever blocking the
// publisher. Payloads for a full subscriber are dropped and counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]*subscriber
	closed  bool
	dropped map[Event]*atomic.Int64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[Event][]*subscriber),
		dropped: make(map[Event]*atomic.Int64),
	}
}

// Subscribe returns a channel receiving payloads of topic e and a function
// removing it. Calling the function more than once is safe. Subscribing to a
// closed bus returns an already-closed channel.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	sub := &subscriber{ch: make(chan any, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub.ch, func() {}
	}
	b.subs[e] = append(b.subs[e], sub)
	if _, ok := b.dropped[e]; !ok {
		b.dropped[e] = &atomic.Int64{}
	}

	return sub.ch, func() { b.remove(e, sub) }
}

func (b *Bus) remove(e Event, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[e]
	for i, s := range subs {
		if s == sub {
			b.subs[e] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	sub.close()
}

// Publish delivers payload to every subscriber of e that has buffer room.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs[e] {
		select {
		case s.ch <- payload:
		default:
			b.dropped[e].Add(1)
		}
	}
}

// Subscribers returns the number of listeners of e.
func (b *Bus) Subscribers(e Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[e])
}

// Dropped returns how many payloads were discarded per topic.
func (b *Bus) Dropped() map[Event]int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[Event]int64, len(b.dropped))
	for e, n := range b.dropped {
		out[e] = n.Load()
	}
	return out
}

// Close closes every subscriber channel. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for e, subs := range b.subs {
		for _, s := range subs {
			s.close()
		}
		delete(b.subs, e)
	}
}
