// Package audio implements the UDP voice plane: Opus datagrams from many
// senders are decoded, summed on a fixed 40 ms tick, and the mixed frame is
// broadcast back to every active sender address.
package audio

import (
	"encoding/binary"
	"time"
)

// Stream parameters, fixed by the wire protocol. Clients encode 40 ms of
// 48 kHz mono per packet.
const (
	SampleRate      = 48000
	Channels        = 1
	FrameDurationMS = 40
	FrameDuration   = FrameDurationMS * time.Millisecond
	SamplesPerFrame = SampleRate * FrameDurationMS / 1000
)

// headerBytes is seq (u32) + timestamp-ms (u64) + uid (u32), big endian.
const headerBytes = 16

type packet struct {
	seq         uint32
	timestampMS uint64
	uid         uint32
	payload     []byte
}

// parsePacket splits a datagram into header fields and payload. Datagrams
// shorter than the header are dropped silently.
func parsePacket(data []byte) (packet, bool) {
	if len(data) < headerBytes {
		return packet{}, false
	}
	return packet{
		seq:         binary.BigEndian.Uint32(data[0:4]),
		timestampMS: binary.BigEndian.Uint64(data[4:12]),
		uid:         binary.BigEndian.Uint32(data[12:16]),
		payload:     data[headerBytes:],
	}, true
}

// seqAdvance classifies seq against the last accepted value using 32-bit
// serial number arithmetic. A forward step of up to 2^31 is accepted, with
// gap reporting how many packets were skipped; duplicates and reordered old
// packets are rejected.
func seqAdvance(last, seq uint32) (gap uint32, ok bool) {
	diff := seq - last
	switch {
	case diff == 0:
		return 0, false
	case diff <= 1<<31:
		return diff - 1, true
	default:
		return 0, false
	}
}
