// Package screenshare relays presentation frames. A presentation owns two
// ephemeral TCP listeners: the presenter pushes length-prefixed JPEG frames
// into one, and every connection on the other receives the same stream.
// The relay never decodes frames; it copies them to whoever is watching.
package screenshare

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"lanhub/internal/events"
	"lanhub/internal/netutil"
)

const (
	frameHeaderBytes   = 4
	maxFrameBytes      = 16 << 20
	viewerWriteTimeout = 5 * time.Second
)

// ErrActive is returned when a presenter who already has a live
// presentation starts another.
var ErrActive = errors.New("presentation already active")

// ErrNone is returned when stopping a presentation that does not exist.
var ErrNone = errors.New("no active presentation")

// Info describes one live presentation.
type Info struct {
	UID           uint32    `json:"uid"`
	Username      string    `json:"username"`
	Topic         string    `json:"topic"`
	PresenterPort int       `json:"presenter_port"`
	ViewerPort    int       `json:"viewer_port"`
	Viewers       int       `json:"viewers"`
	StartedAt     time.Time `json:"started_at"`
}

type presentation struct {
	uid           uint32
	username      string
	topic         string
	presenterPort int
	viewerPort    int
	presenterLn   net.Listener
	viewerLn      net.Listener
	startedAt     time.Time

	mu        sync.Mutex
	closed    bool
	presenter net.Conn
	viewers   map[int64]net.Conn
}

// Relay tracks at most one presentation per uid.
type Relay struct {
	alloc *netutil.Allocator
	bus   *events.Bus

	mu     sync.Mutex
	active map[uint32]*presentation

	wg sync.WaitGroup
}

// New returns an empty relay drawing ports from alloc.
func New(alloc *netutil.Allocator, bus *events.Bus) *Relay {
	return &Relay{
		alloc:  alloc,
		bus:    bus,
		active: make(map[uint32]*presentation),
	}
}

// Run tears presentations down when their presenter disconnects from the
// control plane. Returns when ctx is done.
func (r *Relay) Run(ctx context.Context) {
	ch, cancel := r.bus.Subscribe(64)
	defer cancel()

	for {
		select {
		case ev := <-ch:
			if ev.Kind == events.KindUserLeft {
				if r.teardown(ev.UID) {
					slog.Info("presentation closed by disconnect", "uid", ev.UID)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until all relay goroutines have finished.
func (r *Relay) Wait() {
	r.wg.Wait()
}

// Start opens presenter and viewer listeners for uid and returns their
// ports. A uid may hold only one presentation at a time.
func (r *Relay) Start(uid uint32, username, topic string) (presenterPort, viewerPort int, err error) {
	presenterLn, presenterPort, err := r.alloc.Listen("")
	if err != nil {
		return 0, 0, err
	}
	viewerLn, viewerPort, err := r.alloc.Listen("")
	if err != nil {
		_ = presenterLn.Close()
		return 0, 0, err
	}

	p := &presentation{
		uid:           uid,
		username:      username,
		topic:         topic,
		presenterPort: presenterPort,
		viewerPort:    viewerPort,
		presenterLn:   presenterLn,
		viewerLn:      viewerLn,
		startedAt:     time.Now(),
		viewers:       make(map[int64]net.Conn),
	}

	r.mu.Lock()
	if _, ok := r.active[uid]; ok {
		r.mu.Unlock()
		_ = presenterLn.Close()
		_ = viewerLn.Close()
		return 0, 0, ErrActive
	}
	r.active[uid] = p
	r.mu.Unlock()

	slog.Info("presentation started", "uid", uid, "username", username, "topic", topic,
		"presenter_port", presenterPort, "viewer_port", viewerPort)
	r.bus.Publish(events.Event{Kind: events.KindPresentStart, UID: uid, Username: username, Detail: topic})

	r.wg.Add(2)
	go r.acceptPresenter(p)
	go r.acceptViewers(p)
	return presenterPort, viewerPort, nil
}

// Stop closes the presentation owned by uid, disconnecting its viewers.
func (r *Relay) Stop(uid uint32) error {
	if !r.teardown(uid) {
		return ErrNone
	}
	return nil
}

// Active returns live presentations ordered by uid.
func (r *Relay) Active() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.active))
	for _, p := range r.active {
		p.mu.Lock()
		viewers := len(p.viewers)
		p.mu.Unlock()
		out = append(out, Info{
			UID:           p.uid,
			Username:      p.username,
			Topic:         p.topic,
			PresenterPort: p.presenterPort,
			ViewerPort:    p.viewerPort,
			Viewers:       viewers,
			StartedAt:     p.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

func (r *Relay) teardown(uid uint32) bool {
	r.mu.Lock()
	p, ok := r.active[uid]
	if ok {
		delete(r.active, uid)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	p.close()
	slog.Info("presentation stopped", "uid", p.uid, "username", p.username, "topic", p.topic)
	r.bus.Publish(events.Event{Kind: events.KindPresentStop, UID: p.uid, Username: p.username, Detail: p.topic})
	return true
}

func (r *Relay) acceptPresenter(p *presentation) {
	defer r.wg.Done()

	conn, err := p.presenterLn.Accept()
	if err != nil {
		return
	}
	// Single presenter per presentation.
	_ = p.presenterLn.Close()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.presenter = conn
	p.mu.Unlock()

	slog.Info("presenter connected", "uid", p.uid, "remote", conn.RemoteAddr())
	p.relayFrames(conn)

	// Presenter EOF ends the whole presentation.
	r.teardown(p.uid)
}

func (r *Relay) acceptViewers(p *presentation) {
	defer r.wg.Done()

	var nextID int64
	for {
		conn, err := p.viewerLn.Accept()
		if err != nil {
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = conn.Close()
			return
		}
		nextID++
		p.viewers[nextID] = conn
		count := len(p.viewers)
		p.mu.Unlock()

		slog.Info("viewer joined", "presenter_uid", p.uid, "viewers", count, "remote", conn.RemoteAddr())
	}
}

// relayFrames copies length-prefixed frames from the presenter to every
// viewer. Each frame is forwarded as one write, header included.
func (p *presentation) relayFrames(presenter net.Conn) {
	header := make([]byte, frameHeaderBytes)
	var buf []byte

	for {
		if _, err := io.ReadFull(presenter, header); err != nil {
			if err != io.EOF {
				slog.Debug("presenter stream ended", "uid", p.uid, "err", err)
			}
			return
		}
		frameLen := binary.BigEndian.Uint32(header)
		if frameLen > maxFrameBytes {
			slog.Error("oversized frame, closing presentation", "uid", p.uid, "frame_bytes", frameLen)
			return
		}

		total := frameHeaderBytes + int(frameLen)
		if cap(buf) < total {
			buf = make([]byte, total)
		}
		frame := buf[:total]
		copy(frame, header)
		if _, err := io.ReadFull(presenter, frame[frameHeaderBytes:]); err != nil {
			slog.Debug("truncated frame from presenter", "uid", p.uid, "err", err)
			return
		}

		p.fanOut(frame)
	}
}

func (p *presentation) fanOut(frame []byte) {
	type target struct {
		id   int64
		conn net.Conn
	}

	p.mu.Lock()
	targets := make([]target, 0, len(p.viewers))
	for id, conn := range p.viewers {
		targets = append(targets, target{id, conn})
	}
	p.mu.Unlock()

	for _, v := range targets {
		_ = v.conn.SetWriteDeadline(time.Now().Add(viewerWriteTimeout))
		if _, err := v.conn.Write(frame); err != nil {
			slog.Debug("viewer dropped", "presenter_uid", p.uid, "viewer", v.id, "err", err)
			p.removeViewer(v.id)
		}
	}
}

func (p *presentation) removeViewer(id int64) {
	p.mu.Lock()
	conn, ok := p.viewers[id]
	if ok {
		delete(p.viewers, id)
	}
	p.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

func (p *presentation) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	presenter := p.presenter
	viewers := p.viewers
	p.viewers = make(map[int64]net.Conn)
	p.mu.Unlock()

	_ = p.presenterLn.Close()
	_ = p.viewerLn.Close()
	if presenter != nil {
		_ = presenter.Close()
	}
	for _, conn := range viewers {
		_ = conn.Close()
	}
}
