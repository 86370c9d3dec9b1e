package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"lanhub/internal/config"
)

const (
	clientTimeout = 10 * time.Second
	sweepInterval = 5 * time.Second
)

// client is one audio sender, created on its first valid datagram and
// evicted after clientTimeout of silence.
type client struct {
	uid        uint32
	addr       *net.UDPAddr
	volume     float64
	muted      bool
	dec        decoder
	enc        encoder // per-client encoder, exclude-sender mode only
	lastPacket time.Time
	lastSeq    uint32
	lastTS     uint64
	received   uint64
	dropped    uint64
}

// ClientInfo is the admin view of one audio sender.
type ClientInfo struct {
	UID        uint32    `json:"uid"`
	Addr       string    `json:"addr"`
	Volume     float64   `json:"volume"`
	Muted      bool      `json:"muted"`
	Received   uint64    `json:"received"`
	Dropped    uint64    `json:"dropped"`
	LastPacket time.Time `json:"last_packet"`
}

type frame struct {
	uid uint32
	pcm []float32
}

// Mixer terminates the UDP audio endpoint. A receive loop validates,
// decodes, and queues incoming frames; a dedicated loop on a fixed 40 ms
// tick sums the queue into one frame and broadcasts it to every active
// sender address.
type Mixer struct {
	cfg config.Audio

	conn *net.UDPConn

	mu      sync.Mutex
	clients map[uint32]*client

	pendingMu sync.Mutex
	pending   []frame

	enc encoder
	rec *Recorder

	// codec factories, swapped out by tests
	newDecoder func() (decoder, error)
	newEncoder func() (encoder, error)

	ticks atomic.Uint64
	sent  atomic.Uint64

	wg sync.WaitGroup
}

func New(cfg config.Audio) *Mixer {
	return &Mixer{
		cfg:        cfg,
		clients:    make(map[uint32]*client),
		newDecoder: newOpusDecoder,
		newEncoder: newOpusEncoder,
	}
}

// Listen binds the UDP endpoint.
func (m *Mixer) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", m.cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", m.cfg.Addr, err)
	}
	m.conn = conn
	slog.Info("audio mixer listening", "addr", conn.LocalAddr().String())
	return nil
}

// Addr returns the bound endpoint address.
func (m *Mixer) Addr() net.Addr {
	return m.conn.LocalAddr()
}

// Run receives datagrams until ctx is done. It owns the mix and eviction
// loops and returns once both have stopped.
func (m *Mixer) Run(ctx context.Context) error {
	enc, err := m.newEncoder()
	if err != nil {
		return fmt.Errorf("mix encoder: %w", err)
	}
	m.enc = enc

	if m.cfg.Recording.Enabled {
		rec, err := StartRecording(m.cfg.Recording.Dir, m.cfg.Recording.MaxDuration)
		if err != nil {
			slog.Error("recording unavailable", "err", err)
		} else {
			m.rec = rec
			defer rec.Stop()
		}
	}

	stop := make(chan struct{})
	m.wg.Add(2)
	go func() { defer m.wg.Done(); m.mixLoop(stop) }()
	go func() { defer m.wg.Done(); m.sweepLoop(stop) }()
	go func() {
		select {
		case <-ctx.Done():
			_ = m.conn.Close()
		case <-stop:
		}
	}()

	var readErr error
	buf := make([]byte, 64<<10)
	for {
		n, raddr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				readErr = err
			}
			break
		}
		m.handlePacket(buf[:n], raddr)
	}

	close(stop)
	_ = m.conn.Close()
	m.wg.Wait()
	return readErr
}

// handlePacket validates one datagram, decodes it, and queues the PCM for
// the next mix tick. The payload slice aliases the read buffer, so decoding
// happens before the next read.
func (m *Mixer) handlePacket(data []byte, raddr *net.UDPAddr) {
	pkt, ok := parsePacket(data)
	if !ok {
		return
	}
	now := time.Now()

	m.mu.Lock()
	c, known := m.clients[pkt.uid]
	if !known {
		dec, err := m.newDecoder()
		if err != nil {
			m.mu.Unlock()
			slog.Error("opus decoder init failed", "uid", pkt.uid, "err", err)
			return
		}
		var perEnc encoder
		if m.cfg.ExcludeSender {
			e, err := m.newEncoder()
			if err != nil {
				m.mu.Unlock()
				slog.Error("opus encoder init failed", "uid", pkt.uid, "err", err)
				return
			}
			perEnc = e
		}
		c = &client{
			uid:        pkt.uid,
			addr:       raddr,
			volume:     1,
			dec:        dec,
			enc:        perEnc,
			lastPacket: now,
			lastSeq:    pkt.seq,
			lastTS:     pkt.timestampMS,
			received:   1,
		}
		m.clients[pkt.uid] = c
	} else {
		c.addr = raddr
		c.lastPacket = now

		gap, accepted := seqAdvance(c.lastSeq, pkt.seq)
		if !accepted {
			c.dropped++
			m.mu.Unlock()
			return
		}
		c.dropped += uint64(gap)
		c.lastSeq = pkt.seq
		c.received++

		if pkt.timestampMS+uint64(m.cfg.MaxLate/time.Millisecond) < c.lastTS {
			c.dropped++
			m.mu.Unlock()
			return
		}
		if pkt.timestampMS > c.lastTS {
			c.lastTS = pkt.timestampMS
		}
	}
	vol, muted, dec := c.volume, c.muted, c.dec
	m.mu.Unlock()

	if !known {
		slog.Info("audio client active", "uid", pkt.uid, "addr", raddr.String())
	}

	pcm := make([]float32, SamplesPerFrame)
	n, err := dec.DecodeFloat32(pkt.payload, pcm)
	if err != nil {
		slog.Debug("opus decode failed", "uid", pkt.uid, "err", err)
		return
	}
	if n != SamplesPerFrame {
		return
	}

	// A muted sender still feeds its decoder but contributes silence.
	switch {
	case muted:
		for i := range pcm {
			pcm[i] = 0
		}
	case vol != 1:
		v := float32(vol)
		for i := range pcm {
			pcm[i] *= v
		}
	}

	m.pendingMu.Lock()
	m.pending = append(m.pending, frame{uid: pkt.uid, pcm: pcm})
	m.pendingMu.Unlock()
}

func (m *Mixer) mixLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	// Buffers are owned by this loop and reused every tick.
	mix := make([]float32, SamplesPerFrame)
	out := make([]float32, SamplesPerFrame)
	buf := make([]byte, maxEncodedBytes)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.tick(mix, out, buf)
		}
	}
}

type senderSum struct {
	pcm    []float32
	frames int
}

// tick drains the pending queue, produces this period's mix, and sends it.
// With no pending frames a silence frame keeps client playback clocks fed.
func (m *Mixer) tick(mix, out []float32, buf []byte) {
	m.pendingMu.Lock()
	frames := m.pending
	m.pending = nil
	m.pendingMu.Unlock()

	for i := range mix {
		mix[i] = 0
	}
	var contrib map[uint32]*senderSum
	if m.cfg.ExcludeSender {
		contrib = make(map[uint32]*senderSum, len(frames))
	}
	n := 0
	for _, f := range frames {
		if len(f.pcm) != SamplesPerFrame {
			continue
		}
		for i, s := range f.pcm {
			mix[i] += s
		}
		n++
		if contrib != nil {
			cs := contrib[f.uid]
			if cs == nil {
				cs = &senderSum{pcm: make([]float32, SamplesPerFrame)}
				contrib[f.uid] = cs
			}
			for i, s := range f.pcm {
				cs.pcm[i] += s
			}
			cs.frames++
		}
	}

	type target struct {
		uid  uint32
		addr *net.UDPAddr
		enc  encoder
	}
	m.mu.Lock()
	targets := make([]target, 0, len(m.clients))
	for _, c := range m.clients {
		targets = append(targets, target{uid: c.uid, addr: c.addr, enc: c.enc})
	}
	m.mu.Unlock()

	m.ticks.Add(1)

	if !m.cfg.ExcludeSender {
		copy(out, mix)
		normalizeClip(out, n)
		nb, err := m.enc.EncodeFloat32(out, buf)
		if err != nil {
			slog.Debug("opus encode failed", "err", err)
			return
		}
		data := buf[:nb]
		if m.rec != nil {
			m.rec.Write(data)
		}
		for _, t := range targets {
			if _, err := m.conn.WriteToUDP(data, t.addr); err != nil {
				slog.Debug("audio send failed", "uid", t.uid, "err", err)
				continue
			}
			m.sent.Add(1)
		}
		return
	}

	// Minus-one mixes: each sender hears everyone but itself. The recorder
	// still captures the full mix.
	if m.rec != nil {
		copy(out, mix)
		normalizeClip(out, n)
		if nb, err := m.enc.EncodeFloat32(out, buf); err == nil {
			m.rec.Write(buf[:nb])
		}
	}
	for _, t := range targets {
		k := n
		copy(out, mix)
		if cs := contrib[t.uid]; cs != nil {
			for i := range out {
				out[i] -= cs.pcm[i]
			}
			k -= cs.frames
		}
		normalizeClip(out, k)
		nb, err := t.enc.EncodeFloat32(out, buf)
		if err != nil {
			slog.Debug("opus encode failed", "uid", t.uid, "err", err)
			continue
		}
		if _, err := m.conn.WriteToUDP(buf[:nb], t.addr); err != nil {
			slog.Debug("audio send failed", "uid", t.uid, "err", err)
			continue
		}
		m.sent.Add(1)
	}
}

// normalizeClip applies square-root normalization for n summed frames and
// clips to [-1, 1]. Square root keeps many simultaneous speakers audible
// where a straight 1/n would bury them.
func normalizeClip(buf []float32, n int) {
	if n > 1 {
		scale := float32(1 / math.Sqrt(float64(n)))
		for i := range buf {
			buf[i] *= scale
		}
	}
	for i, s := range buf {
		if s > 1 {
			buf[i] = 1
		} else if s < -1 {
			buf[i] = -1
		}
	}
}

func (m *Mixer) sweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.evictStale(time.Now())
		}
	}
}

func (m *Mixer) evictStale(now time.Time) {
	var evicted []uint32
	m.mu.Lock()
	for uid, c := range m.clients {
		if now.Sub(c.lastPacket) > clientTimeout {
			delete(m.clients, uid)
			evicted = append(evicted, uid)
		}
	}
	m.mu.Unlock()
	for _, uid := range evicted {
		slog.Info("audio client evicted", "uid", uid)
	}
}

// Clients returns the current sender table sorted by uid.
func (m *Mixer) Clients() []ClientInfo {
	m.mu.Lock()
	out := make([]ClientInfo, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, ClientInfo{
			UID:        c.uid,
			Addr:       c.addr.String(),
			Volume:     c.volume,
			Muted:      c.muted,
			Received:   c.received,
			Dropped:    c.dropped,
			LastPacket: c.lastPacket,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// SetVolume adjusts a sender's gain, clamped to [0, 1]. It reports whether
// the uid was known.
func (m *Mixer) SetVolume(uid uint32, volume float64) bool {
	if volume < 0 {
		volume = 0
	} else if volume > 1 {
		volume = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[uid]
	if !ok {
		return false
	}
	c.volume = volume
	return true
}

// SetMute toggles a sender's mute flag. It reports whether the uid was known.
func (m *Mixer) SetMute(uid uint32, muted bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[uid]
	if !ok {
		return false
	}
	c.muted = muted
	return true
}

// Stats reports mix ticks emitted and datagrams sent.
func (m *Mixer) Stats() (ticks, sent uint64) {
	return m.ticks.Load(), m.sent.Load()
}

// Recording returns metadata for the active session capture, if any.
func (m *Mixer) Recording() (RecordingInfo, bool) {
	if m.rec == nil {
		return RecordingInfo{}, false
	}
	return m.rec.Info(), true
}
