// Package events fans out extension events to in-process subscribers.
//
// Subscribers receive typed deliveries on a buffered channel filtered by
// session. Publishing never blocks: a subscriber whose buffer is full misses
// the event and the drop is counted.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/entrhq/seibridge/pkg/protocol"
)

// Kind classifies an event name into the variants the bridge reacts to.
type Kind int

const (
	KindOther Kind = iota
	KindLogin
	KindLogout
	KindNavigation
	KindDOMActivity
)

// Classify maps a wire event name onto its Kind.
func Classify(name string) Kind {
	switch name {
	case protocol.EventLoginDetected:
		return KindLogin
	case protocol.EventLogoutDetected:
		return KindLogout
	case protocol.EventPageChanged, protocol.EventPageLoaded:
		return KindNavigation
	case protocol.EventDOMMutation:
		return KindDOMActivity
	default:
		return KindOther
	}
}

// Delivery is one event as seen by a subscriber.
type Delivery struct {
	SessionID  string
	Kind       Kind
	Event      protocol.Event
	ReceivedAt time.Time
}

const defaultBuffer = 64

type subscriber struct {
	sessionID string
	ch        chan Delivery
}

// Bus is a session-filtered publish/subscribe hub.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	buffer  int
	dropped atomic.Uint64
}

// NewBus creates a Bus whose subscriber channels hold buffer deliveries.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber for sessionID ("" receives every session).
// The returned cancel func unregisters it and closes the channel; it is safe
// to call more than once.
func (b *Bus) Subscribe(sessionID string) (<-chan Delivery, func()) {
	sub := &subscriber{sessionID: sessionID, ch: make(chan Delivery, b.buffer)}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers evt to every matching subscriber without blocking.
func (b *Bus) Publish(sessionID string, evt protocol.Event) {
	d := Delivery{
		SessionID:  sessionID,
		Kind:       Classify(evt.Name),
		Event:      evt,
		ReceivedAt: time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != sessionID {
			continue
		}
		select {
		case sub.ch <- d:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were discarded because a subscriber
// buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
