// Package registry is the authoritative in-memory session table. Every
// accepted control connection gets a uid here; a connection becomes a
// participant once it logs in with a username. All other components key
// their per-user state by uid and subscribe to this package's leave events
// to release it.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lanhub/internal/events"
	"lanhub/internal/protocol"
)

// SendTimeout bounds how long a write to one session's queue may block.
const SendTimeout = 50 * time.Millisecond

// Session is the registry's handle for one control connection. The control
// plane drains Send into the socket; everything else enqueues through the
// registry.
type Session struct {
	UID  uint32
	Send chan protocol.Message
}

type connState struct {
	uid      uint32
	remote   string
	send     chan protocol.Message
	loggedIn bool
	username string
	joinedAt time.Time
}

// Registry tracks connections and participants. uids are issued once,
// monotonically from 1, and never reused for the lifetime of the process.
type Registry struct {
	mu      sync.RWMutex
	conns   map[uint32]*connState
	nextUID atomic.Uint32
	bus     *events.Bus
}

// New returns an empty registry publishing lifecycle events on bus.
func New(bus *events.Bus) *Registry {
	return &Registry{
		conns: make(map[uint32]*connState),
		bus:   bus,
	}
}

// Connect issues the next uid and registers the connection. The caller owns
// draining the session's Send channel until Unregister closes it.
func (r *Registry) Connect(remote string, sendBuf int) *Session {
	if sendBuf <= 0 {
		sendBuf = 64
	}

	uid := r.nextUID.Add(1)
	c := &connState{
		uid:    uid,
		remote: remote,
		send:   make(chan protocol.Message, sendBuf),
	}

	r.mu.Lock()
	r.conns[uid] = c
	count := len(r.conns)
	r.mu.Unlock()

	slog.Info("connection registered", "uid", uid, "remote", remote, "connections", count)
	return &Session{UID: uid, Send: c.send}
}

// Login promotes a connection to participant. A second login on the same
// connection overwrites the username and is announced again.
func (r *Registry) Login(uid uint32, username string) (protocol.Participant, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return protocol.Participant{}, fmt.Errorf("username is required")
	}

	r.mu.Lock()
	c, ok := r.conns[uid]
	if !ok {
		r.mu.Unlock()
		return protocol.Participant{}, fmt.Errorf("uid=%d is not connected", uid)
	}
	relogin := c.loggedIn
	c.loggedIn = true
	c.username = username
	if !relogin {
		c.joinedAt = time.Now()
	}
	p := toParticipant(c)
	r.mu.Unlock()

	slog.Info("participant logged in", "uid", uid, "username", username, "relogin", relogin)
	r.bus.Publish(events.Event{Kind: events.KindUserJoined, UID: uid, Username: username})
	return p, nil
}

// Unregister removes a connection and closes its send queue. It reports the
// participant state at removal so the caller can announce the departure;
// repeated calls for the same uid are no-ops.
func (r *Registry) Unregister(uid uint32) (protocol.Participant, bool) {
	r.mu.Lock()
	c, ok := r.conns[uid]
	if !ok {
		r.mu.Unlock()
		return protocol.Participant{}, false
	}
	delete(r.conns, uid)
	close(c.send)
	wasParticipant := c.loggedIn
	p := toParticipant(c)
	remaining := len(r.conns)
	r.mu.Unlock()

	slog.Info("connection unregistered", "uid", uid, "username", c.username, "was_participant", wasParticipant, "connections", remaining)
	r.bus.Publish(events.Event{Kind: events.KindUserLeft, UID: uid, Username: c.username})
	return p, wasParticipant
}

// Resolve returns the participant for uid. Connections that have not logged
// in resolve false.
func (r *Registry) Resolve(uid uint32) (protocol.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[uid]
	if !ok || !c.loggedIn {
		return protocol.Participant{}, false
	}
	return toParticipant(c), true
}

// Username returns the display name for uid, or "unknown" for connections
// that never logged in. Chat from a pre-login connection is attributed to
// "unknown" rather than rejected.
func (r *Registry) Username(uid uint32) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.conns[uid]; ok && c.loggedIn {
		return c.username
	}
	return "unknown"
}

// Snapshot returns all participants ordered by uid.
func (r *Registry) Snapshot() []protocol.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []protocol.Participant {
	out := make([]protocol.Participant, 0, len(r.conns))
	for _, c := range r.conns {
		if !c.loggedIn {
			continue
		}
		out = append(out, toParticipant(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// Counts returns live connection and participant totals.
func (r *Registry) Counts() (connections, participants int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.conns {
		if c.loggedIn {
			participants++
		}
	}
	return len(r.conns), participants
}

// Broadcast queues msg for every participant except exceptUID (0 excludes
// nobody). Channels are collected under the read lock and written outside it
// so one slow session cannot stall the registry.
func (r *Registry) Broadcast(msg protocol.Message, exceptUID uint32) {
	r.mu.RLock()
	targets := make([]chan protocol.Message, 0, len(r.conns))
	for uid, c := range r.conns {
		if !c.loggedIn {
			continue
		}
		if exceptUID != 0 && uid == exceptUID {
			continue
		}
		targets = append(targets, c.send)
	}
	r.mu.RUnlock()

	sent := 0
	for _, ch := range targets {
		if trySend(ch, msg) {
			sent++
		}
	}
	slog.Debug("broadcast", "type", msg.Type, "recipients", sent, "total", len(targets))
}

// SendTo queues one message for one connection, logged in or not. It
// reports false when the uid is gone or the queue stayed full past
// SendTimeout.
func (r *Registry) SendTo(uid uint32, msg protocol.Message) bool {
	r.mu.RLock()
	c, ok := r.conns[uid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return trySend(c.send, msg)
}

func toParticipant(c *connState) protocol.Participant {
	p := protocol.Participant{UID: c.uid, Username: c.username}
	if !c.joinedAt.IsZero() {
		p.JoinedAt = c.joinedAt.Format(time.RFC3339)
	}
	return p
}

func trySend(ch chan protocol.Message, msg protocol.Message) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- msg:
		return true
	case <-time.After(SendTimeout):
		slog.Debug("trySend timeout", "type", msg.Type)
		return false
	}
}
