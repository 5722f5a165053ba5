// Package eventbus carries in-process notifications between components.
package eventbus

import (
	"sync"
	"time"
)

// Event types published by newsbot components.
const (
	TypeDispatchRun     = "dispatch.run"
	TypeDispatchSkipped = "dispatch.skipped"
	TypeSourceAdded     = "source.added"
	TypeSourceRemoved   = "source.removed"
	TypeConfigReloaded  = "config.reloaded"
)

// Event is an in-process notification. Data carries the payload of the
// type, e.g. a dispatcher.RunResult for TypeDispatchRun.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

// New returns an in-memory bus. It starts no goroutines.
func New() Bus {
	return &fanout{subs: make(map[chan Event]struct{})}
}

// Nop returns a bus that drops every event.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type fanout struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered channel. unsubscribe closes it and may be
// called more than once.
func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		// Publish holds the read lock while sending, so closing here is safe.
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
}
