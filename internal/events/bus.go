// Package events carries cross-component notifications: the session
// registry publishes joins and leaves, the transfer broker publishes new
// files, the screen-share relay publishes presentation changes. The media
// and broker components subscribe to release per-user state; the admin API
// streams the feed to dashboards.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event kinds.
const (
	KindUserJoined    = "user.joined"
	KindUserLeft      = "user.left"
	KindFileAvailable = "file.available"
	KindPresentStart  = "present.start"
	KindPresentStop   = "present.stop"
)

// sendTimeout bounds how long a publish may block on one slow subscriber.
const sendTimeout = 50 * time.Millisecond

// Event is one bus notification.
type Event struct {
	Kind     string    `json:"kind"`
	UID      uint32    `json:"uid,omitempty"`
	Username string    `json:"username,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	TS       time.Time `json:"ts"`
}

// Bus is an in-process fan-out of Events to subscriber channels.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered subscriber channel. The returned cancel
// function removes the subscription and closes the channel.
func (b *Bus) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan Event, buf)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber. Delivery to one subscriber is
// bounded by sendTimeout; a timed-out or closed subscriber misses the
// event (the media eviction sweeps are the backstop for missed leaves).
func (b *Bus) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}

	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		if !trySend(ch, ev) {
			slog.Warn("event dropped", "kind", ev.Kind, "uid", ev.UID)
		}
	}
}

func trySend(ch chan Event, ev Event) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- ev:
		return true
	case <-time.After(sendTimeout):
		return false
	}
}
