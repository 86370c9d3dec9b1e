package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"lanhub/internal/config"
)

const (
	clientTimeout = 10 * time.Second
	clientSweep   = 5 * time.Second
	chunkTimeout  = 5 * time.Second
	slotSweep     = time.Second
	maxDatagram   = 64 << 10
)

// client is one video participant, created on its first chunk or
// registration datagram and evicted after clientTimeout of silence.
// Broadcasts go to the source IP at the advertised receive port.
type client struct {
	uid         uint32
	ip          net.IP
	sourcePort  int
	receivePort uint32
	lastPacket  time.Time
	frames      uint64
	chunks      uint64
	bytes       uint64
}

// ClientInfo is the admin view of one video participant.
type ClientInfo struct {
	UID         uint32    `json:"uid"`
	Addr        string    `json:"addr"`
	ReceivePort uint32    `json:"receive_port"`
	Frames      uint64    `json:"frames"`
	Chunks      uint64    `json:"chunks"`
	Bytes       uint64    `json:"bytes"`
	LastPacket  time.Time `json:"last_packet"`
}

// Stats is a point-in-time snapshot of the relay counters.
type Stats struct {
	Chunks   uint64 `json:"chunks"`   // chunk datagrams accepted
	Invalid  uint64 `json:"invalid"`  // datagrams rejected by validation
	Frames   uint64 `json:"frames"`   // frames fully reassembled
	Overflow uint64 `json:"overflow"` // drops from a full work or broadcast queue
	Sent     uint64 `json:"sent"`     // broadcast datagrams written
}

type slotKey struct {
	uid     uint32
	frameID uint32
}

// slot is one frame mid-reassembly. The first chunk pins total and size;
// later chunks must agree.
type slot struct {
	chunks      [][]byte
	totalChunks uint32
	chunkSize   uint32
	remaining   uint32
	created     time.Time
}

type assembledFrame struct {
	uid         uint32
	frameID     uint32
	timestampMS uint64
	data        []byte
}

type job struct {
	data []byte
	addr *net.UDPAddr
}

// Relay terminates the video ingress endpoint. A receive loop feeds a small
// worker pool that validates chunks and reassembles frames; a single fan-out
// task broadcasts each completed frame, from a dedicated socket, to every
// registered client except the sender.
type Relay struct {
	cfg config.Video

	conn  *net.UDPConn // ingress
	bcast *net.UDPConn // egress, bound to the well-known broadcast port

	mu      sync.Mutex
	clients map[uint32]*client

	slotMu sync.Mutex
	slots  map[slotKey]*slot
	perUID map[uint32]int // in-flight frame count per sender

	jobs  chan job
	queue chan assembledFrame
	bufs  sync.Pool

	chunksIn atomic.Uint64
	invalid  atomic.Uint64
	frames   atomic.Uint64
	overflow atomic.Uint64
	sent     atomic.Uint64

	wg sync.WaitGroup
}

func New(cfg config.Video) *Relay {
	return &Relay{
		cfg:     cfg,
		clients: make(map[uint32]*client),
		slots:   make(map[slotKey]*slot),
		perUID:  make(map[uint32]int),
		jobs:    make(chan job, cfg.QueueSize),
		queue:   make(chan assembledFrame, cfg.QueueSize),
		bufs: sync.Pool{New: func() any {
			b := make([]byte, maxDatagram)
			return &b
		}},
	}
}

// Listen binds the ingress endpoint and the broadcast source socket.
func (r *Relay) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", r.cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.cfg.Addr, err)
	}

	host, _, err := net.SplitHostPort(r.cfg.Addr)
	if err != nil {
		host = ""
	}
	baddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(r.cfg.BroadcastPort)))
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("resolve broadcast port %d: %w", r.cfg.BroadcastPort, err)
	}
	bcast, err := net.ListenUDP("udp", baddr)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("listen broadcast port %d: %w", r.cfg.BroadcastPort, err)
	}

	r.conn, r.bcast = conn, bcast
	slog.Info("video relay listening",
		"ingress", conn.LocalAddr().String(),
		"broadcast", bcast.LocalAddr().String())
	return nil
}

// Addr returns the bound ingress address.
func (r *Relay) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// BroadcastAddr returns the bound source address for outgoing frames.
func (r *Relay) BroadcastAddr() net.Addr {
	return r.bcast.LocalAddr()
}

// Run receives datagrams until ctx is done. It owns the worker pool, the
// fan-out task, and both sweep loops, and returns once all have stopped.
func (r *Relay) Run(ctx context.Context) error {
	stop := make(chan struct{})

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go func() { defer r.wg.Done(); r.worker(stop) }()
	}
	r.wg.Add(3)
	go func() { defer r.wg.Done(); r.fanout(stop) }()
	go func() { defer r.wg.Done(); r.slotSweepLoop(stop) }()
	go func() { defer r.wg.Done(); r.clientSweepLoop(stop) }()
	go func() {
		select {
		case <-ctx.Done():
			_ = r.conn.Close()
		case <-stop:
		}
	}()

	var readErr error
	for {
		bufPtr := r.bufs.Get().(*[]byte)
		buf := *bufPtr
		n, raddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			r.bufs.Put(bufPtr)
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				readErr = err
			}
			break
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		r.bufs.Put(bufPtr)

		select {
		case r.jobs <- job{data: data, addr: raddr}:
		default:
			r.overflow.Add(1)
		}
	}

	close(stop)
	_ = r.conn.Close()
	_ = r.bcast.Close()
	r.wg.Wait()
	return readErr
}

func (r *Relay) worker(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case j := <-r.jobs:
			r.handleDatagram(j.data, j.addr)
		}
	}
}

// handleDatagram classifies one datagram. Registration refreshes the client
// record without carrying a frame; anything else must be a valid chunk.
func (r *Relay) handleDatagram(data []byte, raddr *net.UDPAddr) {
	if uid, port, ok := parseRegistration(data); ok {
		r.touch(uid, raddr, port, 0)
		return
	}

	c, err := parseChunk(data)
	if err != nil {
		r.invalid.Add(1)
		slog.Debug("video chunk rejected", "addr", raddr.String(), "err", err)
		return
	}
	r.chunksIn.Add(1)
	r.touch(c.uid, raddr, c.receivePort, len(c.payload))

	f, done := r.absorb(c)
	if !done {
		return
	}
	r.frames.Add(1)
	r.noteFrame(f.uid)
	select {
	case r.queue <- f:
	default:
		r.overflow.Add(1)
		slog.Debug("video broadcast queue full", "uid", f.uid, "frame_id", f.frameID)
	}
}

// touch upserts the client record. payloadBytes is zero for registrations.
func (r *Relay) touch(uid uint32, raddr *net.UDPAddr, receivePort uint32, payloadBytes int) {
	now := time.Now()
	r.mu.Lock()
	c, known := r.clients[uid]
	if !known {
		c = &client{uid: uid}
		r.clients[uid] = c
	}
	c.ip = raddr.IP
	c.sourcePort = raddr.Port
	c.receivePort = receivePort
	c.lastPacket = now
	if payloadBytes > 0 {
		c.chunks++
		c.bytes += uint64(payloadBytes)
	}
	r.mu.Unlock()

	if !known {
		slog.Info("video client active",
			"uid", uid, "addr", raddr.String(), "receive_port", receivePort)
	}
}

// absorb places one chunk into its reassembly slot and reports whether the
// frame completed. The payload is an owned copy, so keeping the slice keeps
// only its own datagram alive.
func (r *Relay) absorb(c chunk) (assembledFrame, bool) {
	key := slotKey{uid: c.uid, frameID: c.frameID}

	r.slotMu.Lock()
	s, ok := r.slots[key]
	if !ok {
		if r.perUID[c.uid] >= MaxFramesPerClient {
			r.slotMu.Unlock()
			r.invalid.Add(1)
			slog.Debug("video frame dropped, too many in flight", "uid", c.uid, "frame_id", c.frameID)
			return assembledFrame{}, false
		}
		if uint64(c.totalChunks)*uint64(c.chunkSize) > MaxFrameSize {
			r.slotMu.Unlock()
			r.invalid.Add(1)
			slog.Debug("video frame dropped, too large",
				"uid", c.uid, "frame_id", c.frameID,
				"total_chunks", c.totalChunks, "chunk_size", c.chunkSize)
			return assembledFrame{}, false
		}
		s = &slot{
			chunks:      make([][]byte, c.totalChunks),
			totalChunks: c.totalChunks,
			chunkSize:   c.chunkSize,
			remaining:   c.totalChunks,
			created:     time.Now(),
		}
		r.slots[key] = s
		r.perUID[c.uid]++
	}

	if c.totalChunks != s.totalChunks || c.chunkSize != s.chunkSize {
		r.slotMu.Unlock()
		r.invalid.Add(1)
		slog.Debug("video chunk disagrees with frame",
			"uid", c.uid, "frame_id", c.frameID,
			"total_chunks", c.totalChunks, "chunk_size", c.chunkSize)
		return assembledFrame{}, false
	}
	if s.chunks[c.chunkIdx] != nil {
		// Duplicate index, first arrival wins.
		r.slotMu.Unlock()
		return assembledFrame{}, false
	}
	s.chunks[c.chunkIdx] = c.payload
	s.remaining--
	if s.remaining > 0 {
		r.slotMu.Unlock()
		return assembledFrame{}, false
	}
	r.releaseLocked(key)
	r.slotMu.Unlock()

	data := make([]byte, 0, int(s.totalChunks)*int(s.chunkSize))
	for _, p := range s.chunks {
		data = append(data, p...)
	}
	return assembledFrame{
		uid:         c.uid,
		frameID:     c.frameID,
		timestampMS: c.timestampMS,
		data:        data,
	}, true
}

func (r *Relay) releaseLocked(key slotKey) {
	delete(r.slots, key)
	if n := r.perUID[key.uid] - 1; n > 0 {
		r.perUID[key.uid] = n
	} else {
		delete(r.perUID, key.uid)
	}
}

func (r *Relay) noteFrame(uid uint32) {
	r.mu.Lock()
	if c, ok := r.clients[uid]; ok {
		c.frames++
	}
	r.mu.Unlock()
}

func (r *Relay) fanout(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case f := <-r.queue:
			r.broadcast(f)
		}
	}
}

// broadcast sends one assembled frame to every registered client except its
// sender. Send errors do not evict; the registration loop refreshes state.
func (r *Relay) broadcast(f assembledFrame) {
	pkt := make([]byte, broadcastHeaderBytes+len(f.data))
	putBroadcastHeader(pkt, f.uid, f.timestampMS)
	copy(pkt[broadcastHeaderBytes:], f.data)

	type target struct {
		uid  uint32
		addr *net.UDPAddr
	}
	r.mu.Lock()
	targets := make([]target, 0, len(r.clients))
	for _, c := range r.clients {
		if c.uid == f.uid {
			continue
		}
		targets = append(targets, target{
			uid:  c.uid,
			addr: &net.UDPAddr{IP: c.ip, Port: int(c.receivePort)},
		})
	}
	r.mu.Unlock()

	for _, t := range targets {
		if _, err := r.bcast.WriteToUDP(pkt, t.addr); err != nil {
			slog.Debug("video send failed", "uid", t.uid, "err", err)
			continue
		}
		r.sent.Add(1)
	}
}

func (r *Relay) slotSweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(slotSweep)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.discardStale(time.Now())
		}
	}
}

// discardStale drops frames stuck in reassembly longer than chunkTimeout.
func (r *Relay) discardStale(now time.Time) {
	type partial struct {
		key        slotKey
		got, total uint32
	}
	var discarded []partial
	r.slotMu.Lock()
	for key, s := range r.slots {
		if now.Sub(s.created) > chunkTimeout {
			discarded = append(discarded, partial{key: key, got: s.totalChunks - s.remaining, total: s.totalChunks})
			r.releaseLocked(key)
		}
	}
	r.slotMu.Unlock()

	for _, p := range discarded {
		slog.Info("video frame discarded, reassembly timed out",
			"uid", p.key.uid, "frame_id", p.key.frameID,
			"received", p.got, "total", p.total)
	}
}

func (r *Relay) clientSweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(clientSweep)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.evictStale(time.Now())
		}
	}
}

func (r *Relay) evictStale(now time.Time) {
	var evicted []uint32
	r.mu.Lock()
	for uid, c := range r.clients {
		if now.Sub(c.lastPacket) > clientTimeout {
			delete(r.clients, uid)
			evicted = append(evicted, uid)
		}
	}
	r.mu.Unlock()
	for _, uid := range evicted {
		slog.Info("video client evicted", "uid", uid)
	}
}

// Clients returns the current participant table sorted by uid.
func (r *Relay) Clients() []ClientInfo {
	r.mu.Lock()
	out := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, ClientInfo{
			UID:         c.uid,
			Addr:        net.JoinHostPort(c.ip.String(), strconv.Itoa(c.sourcePort)),
			ReceivePort: c.receivePort,
			Frames:      c.frames,
			Chunks:      c.chunks,
			Bytes:       c.bytes,
			LastPacket:  c.lastPacket,
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// Stats reports the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Chunks:   r.chunksIn.Load(),
		Invalid:  r.invalid.Load(),
		Frames:   r.frames.Load(),
		Overflow: r.overflow.Load(),
		Sent:     r.sent.Load(),
	}
}
