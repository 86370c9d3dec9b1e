// Package video implements the UDP video plane: senders slice JPEG frames
// into chunked datagrams, the relay reassembles them, and complete frames
// are fanned out to every other registered client.
package video

import (
	"encoding/binary"
	"fmt"
)

// Per-sender resource caps. A chunk or frame outside these bounds is
// dropped before any buffer is allocated for it.
const (
	MaxChunks          = 100
	MaxChunkSize       = 1 << 20
	MaxFrameSize       = 10 << 20
	MaxFramesPerClient = 50
)

const (
	// headerBytes is uid | frame-id | chunk-idx | total-chunks | seq (u32
	// each) + timestamp-ms (u64) + chunk-size | receive-port (u32 each),
	// big endian.
	headerBytes = 36

	// registrationBytes is magic (4) + uid (u32) + receive-port (u32).
	registrationBytes = 12

	// broadcastHeaderBytes is uid (u32) + timestamp-ms (u64) prepended to
	// each fanned-out frame.
	broadcastHeaderBytes = 12
)

// regMagic opens a registration datagram. Registration announces a receive
// port without carrying a frame, so viewer-only clients can be addressed.
const regMagic = "VGPR"

type chunk struct {
	uid         uint32
	frameID     uint32
	chunkIdx    uint32
	totalChunks uint32
	seq         uint32
	timestampMS uint64
	chunkSize   uint32
	receivePort uint32
	payload     []byte
}

// parseChunk splits a datagram into header fields and payload and checks
// the header against the protocol bounds.
func parseChunk(data []byte) (chunk, error) {
	if len(data) < headerBytes {
		return chunk{}, fmt.Errorf("datagram %d bytes, header needs %d", len(data), headerBytes)
	}
	c := chunk{
		uid:         binary.BigEndian.Uint32(data[0:4]),
		frameID:     binary.BigEndian.Uint32(data[4:8]),
		chunkIdx:    binary.BigEndian.Uint32(data[8:12]),
		totalChunks: binary.BigEndian.Uint32(data[12:16]),
		seq:         binary.BigEndian.Uint32(data[16:20]),
		timestampMS: binary.BigEndian.Uint64(data[20:28]),
		chunkSize:   binary.BigEndian.Uint32(data[28:32]),
		receivePort: binary.BigEndian.Uint32(data[32:36]),
		payload:     data[headerBytes:],
	}
	if uint32(len(c.payload)) != c.chunkSize {
		return chunk{}, fmt.Errorf("payload %d bytes, header says %d", len(c.payload), c.chunkSize)
	}
	if c.totalChunks == 0 || c.totalChunks > MaxChunks {
		return chunk{}, fmt.Errorf("total_chunks %d out of range (max %d)", c.totalChunks, MaxChunks)
	}
	if c.chunkIdx >= c.totalChunks {
		return chunk{}, fmt.Errorf("chunk_idx %d out of range (total %d)", c.chunkIdx, c.totalChunks)
	}
	if c.chunkSize == 0 || c.chunkSize > MaxChunkSize {
		return chunk{}, fmt.Errorf("chunk_size %d out of range (max %d)", c.chunkSize, MaxChunkSize)
	}
	return c, nil
}

// parseRegistration recognizes the fixed-size registration datagram.
// Anything that is not exactly a registration is left for parseChunk.
func parseRegistration(data []byte) (uid, receivePort uint32, ok bool) {
	if len(data) != registrationBytes || string(data[0:4]) != regMagic {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(data[4:8]), binary.BigEndian.Uint32(data[8:12]), true
}

// putBroadcastHeader writes the fan-out header into buf, which must hold at
// least broadcastHeaderBytes.
func putBroadcastHeader(buf []byte, uid uint32, timestampMS uint64) {
	binary.BigEndian.PutUint32(buf[0:4], uid)
	binary.BigEndian.PutUint64(buf[4:12], timestampMS)
}
