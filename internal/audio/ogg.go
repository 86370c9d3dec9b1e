package audio

import (
	"encoding/binary"
	"io"
)

// oggWriter wraps Opus packets in an OGG container (RFC 7845). Each mixed
// frame becomes one page; the granule position advances by SamplesPerFrame
// per packet (40 ms at 48 kHz).
type oggWriter struct {
	w       io.Writer
	serial  uint32
	pageSeq uint32
}

func newOGGWriter(w io.Writer) *oggWriter {
	return &oggWriter{
		w:      w,
		serial: 0x4C414E48, // "LANH"
	}
}

// writeHeaders emits the mandatory OpusHead and OpusTags pages.
func (o *oggWriter) writeHeaders() error {
	head := make([]byte, 19)
	copy(head[0:8], "OpusHead")
	head[8] = 1                                            // version
	head[9] = Channels                                     // channel count
	binary.LittleEndian.PutUint16(head[10:12], 0)          // pre-skip
	binary.LittleEndian.PutUint32(head[12:16], SampleRate) // input sample rate
	binary.LittleEndian.PutUint16(head[16:18], 0)          // output gain
	head[18] = 0                                           // channel mapping family

	if err := o.writePage(head, 0, 2); err != nil { // 2 = beginning of stream
		return err
	}

	vendor := "lanhub"
	tags := make([]byte, 8+4+len(vendor)+4)
	copy(tags[0:8], "OpusTags")
	binary.LittleEndian.PutUint32(tags[8:12], uint32(len(vendor)))
	copy(tags[12:12+len(vendor)], vendor)
	binary.LittleEndian.PutUint32(tags[12+len(vendor):], 0) // no user comments

	return o.writePage(tags, 0, 0)
}

// writeOpusPacket writes one encoded frame as its own page. packetNum is
// 1-based.
func (o *oggWriter) writeOpusPacket(pkt []byte, packetNum uint64) error {
	return o.writePage(pkt, packetNum*SamplesPerFrame, 0)
}

// close emits the final page with the end-of-stream flag.
func (o *oggWriter) close() error {
	return o.writePage(nil, 0, 4)
}

// writePage writes one OGG page.
// headerType: 0=normal, 1=continuation, 2=BOS, 4=EOS.
func (o *oggWriter) writePage(payload []byte, granulePos uint64, headerType byte) error {
	segments := len(payload) / 255
	if len(payload)%255 != 0 || len(payload) == 0 {
		segments++
	}

	segTable := make([]byte, segments)
	remaining := len(payload)
	for i := 0; i < segments; i++ {
		if remaining >= 255 {
			segTable[i] = 255
			remaining -= 255
		} else {
			segTable[i] = byte(remaining)
			remaining = 0
		}
	}

	header := make([]byte, 27+len(segTable))
	copy(header[0:4], "OggS")
	header[4] = 0
	header[5] = headerType
	binary.LittleEndian.PutUint64(header[6:14], granulePos)
	binary.LittleEndian.PutUint32(header[14:18], o.serial)
	binary.LittleEndian.PutUint32(header[18:22], o.pageSeq)
	header[26] = byte(len(segTable))
	copy(header[27:], segTable)

	crc := oggCRC(header, payload)
	binary.LittleEndian.PutUint32(header[22:26], crc)

	o.pageSeq++

	if _, err := o.w.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := o.w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// oggCRC is the OGG CRC-32: polynomial 0x04C11DB7, unreflected, computed
// with the checksum field zeroed. Not the same as hash/crc32.
func oggCRC(header, payload []byte) uint32 {
	var crc uint32
	for _, b := range header {
		crc = (crc << 8) ^ oggCRCTable[byte(crc>>24)^b]
	}
	for _, b := range payload {
		crc = (crc << 8) ^ oggCRCTable[byte(crc>>24)^b]
	}
	return crc
}

var oggCRCTable = func() [256]uint32 {
	const poly = 0x04C11DB7
	var table [256]uint32
	for i := range table {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ poly
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return table
}()
