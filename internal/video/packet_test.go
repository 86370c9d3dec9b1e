package video

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func buildChunk(uid, frameID, idx, total, seq uint32, ts uint64, chunkSize, receivePort uint32, payload []byte) []byte {
	buf := make([]byte, headerBytes+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uid)
	binary.BigEndian.PutUint32(buf[4:8], frameID)
	binary.BigEndian.PutUint32(buf[8:12], idx)
	binary.BigEndian.PutUint32(buf[12:16], total)
	binary.BigEndian.PutUint32(buf[16:20], seq)
	binary.BigEndian.PutUint64(buf[20:28], ts)
	binary.BigEndian.PutUint32(buf[28:32], chunkSize)
	binary.BigEndian.PutUint32(buf[32:36], receivePort)
	copy(buf[headerBytes:], payload)
	return buf
}

func buildRegistration(uid, receivePort uint32) []byte {
	buf := make([]byte, registrationBytes)
	copy(buf[0:4], regMagic)
	binary.BigEndian.PutUint32(buf[4:8], uid)
	binary.BigEndian.PutUint32(buf[8:12], receivePort)
	return buf
}

func TestParseChunkFields(t *testing.T) {
	payload := []byte("jpeg-slice")
	data := buildChunk(7, 42, 1, 3, 99, 1700000000123, uint32(len(payload)), 20001, payload)

	c, err := parseChunk(data)
	if err != nil {
		t.Fatalf("parseChunk: %v", err)
	}
	if c.uid != 7 || c.frameID != 42 || c.chunkIdx != 1 || c.totalChunks != 3 {
		t.Fatalf("frame fields = %d/%d/%d/%d", c.uid, c.frameID, c.chunkIdx, c.totalChunks)
	}
	if c.seq != 99 || c.timestampMS != 1700000000123 {
		t.Fatalf("seq/ts = %d/%d", c.seq, c.timestampMS)
	}
	if c.receivePort != 20001 {
		t.Fatalf("receivePort = %d", c.receivePort)
	}
	if !bytes.Equal(c.payload, payload) {
		t.Fatalf("payload = %q", c.payload)
	}
}

func TestParseChunkRejectsBadHeaders(t *testing.T) {
	pay4 := []byte("abcd")
	cases := []struct {
		name string
		data []byte
	}{
		{"short datagram", make([]byte, headerBytes-1)},
		{"payload shorter than chunk_size", buildChunk(1, 1, 0, 1, 1, 0, 8, 0, pay4)},
		{"payload longer than chunk_size", buildChunk(1, 1, 0, 1, 1, 0, 2, 0, pay4)},
		{"zero total_chunks", buildChunk(1, 1, 0, 0, 1, 0, 4, 0, pay4)},
		{"total_chunks over cap", buildChunk(1, 1, 0, MaxChunks+1, 1, 0, 4, 0, pay4)},
		{"chunk_idx at total", buildChunk(1, 1, 3, 3, 1, 0, 4, 0, pay4)},
		{"zero chunk_size", buildChunk(1, 1, 0, 1, 1, 0, 0, 0, nil)},
		{"chunk_size over cap", buildChunk(1, 1, 0, 1, 1, 0, MaxChunkSize+1, 0, make([]byte, MaxChunkSize+1))},
	}
	for _, tc := range cases {
		if _, err := parseChunk(tc.data); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}

func TestParseRegistration(t *testing.T) {
	uid, port, ok := parseRegistration(buildRegistration(9, 30500))
	if !ok || uid != 9 || port != 30500 {
		t.Fatalf("parseRegistration = %d/%d/%v", uid, port, ok)
	}

	bad := buildRegistration(9, 30500)
	copy(bad[0:4], "XGPR")
	if _, _, ok := parseRegistration(bad); ok {
		t.Fatal("accepted wrong magic")
	}
	if _, _, ok := parseRegistration(buildRegistration(9, 30500)[:registrationBytes-1]); ok {
		t.Fatal("accepted short registration")
	}
	long := append(buildRegistration(9, 30500), 0)
	if _, _, ok := parseRegistration(long); ok {
		t.Fatal("accepted oversized registration")
	}
}
