package event

import (
	"log/slog"
	"sync"
	"time"
)

// Handler receives matching events. Handlers run on the publisher's
// goroutine; a panicking handler is recovered and logged, never
// propagated to the publisher or to other handlers.
type Handler func(Event)

type subscription struct {
	id      int
	filter  Filter
	handler Handler
}

// Bus is a bounded in-process pub/sub bus. Published events land in a
// fixed-capacity ring buffer for replay; when the buffer is full the
// oldest entry is overwritten in place, so publishing stays O(1)
// regardless of fullness.
type Bus struct {
	mu       sync.Mutex
	buf      []Event
	start    int // index of the oldest buffered event
	count    int
	subs     map[int]subscription
	nextSub  int
}

func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus{
		buf:  make([]Event, capacity),
		subs: make(map[int]subscription),
	}
}

// Publish appends the event to the ring buffer and synchronously
// delivers it to every matching subscriber. Events published from a
// single source in sequence are delivered in that order; callers that
// publish for one entity already serialize on that entity's mutex.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	idx := (b.start + b.count) % len(b.buf)
	b.buf[idx] = e
	if b.count == len(b.buf) {
		b.start = (b.start + 1) % len(b.buf)
	} else {
		b.count++
	}

	matched := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter.Matches(e) {
			matched = append(matched, s)
		}
	}
	b.mu.Unlock()

	// Dispatch outside the lock so handlers may publish follow-up
	// events without deadlocking.
	for _, s := range matched {
		b.dispatch(s, e)
	}
}

func (b *Bus) dispatch(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "type", e.Type, "source", e.Source, "panic", r)
		}
	}()
	s.handler(e)
}

// Subscribe registers a handler for events matching filter and returns
// an unsubscribe function. Unsubscribing is idempotent.
func (b *Bus) Subscribe(filter Filter, handler Handler) func() {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = subscription{id: id, filter: filter, handler: handler}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Replay returns the buffered events matching filter with timestamp at
// or after since, in publish order. The result is a snapshot: events
// published after Replay returns are not included.
func (b *Bus) Replay(filter Filter, since time.Time) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for i := 0; i < b.count; i++ {
		e := b.buf[(b.start+i)%len(b.buf)]
		if e.Timestamp.Before(since) {
			continue
		}
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Len reports how many events are currently buffered.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
