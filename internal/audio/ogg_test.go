package audio

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type oggPage struct {
	flags   byte
	granule uint64
	payload []byte
	crc     uint32
	raw     []byte
}

// walkPages splits an OGG byte stream into pages, failing on any framing
// inconsistency.
func walkPages(t *testing.T, data []byte) []oggPage {
	t.Helper()
	var pages []oggPage
	for len(data) > 0 {
		if len(data) < 27 || string(data[0:4]) != "OggS" {
			t.Fatalf("bad page header at offset with %d bytes left", len(data))
		}
		nsegs := int(data[26])
		if len(data) < 27+nsegs {
			t.Fatal("truncated segment table")
		}
		payloadLen := 0
		for _, s := range data[27 : 27+nsegs] {
			payloadLen += int(s)
		}
		total := 27 + nsegs + payloadLen
		if len(data) < total {
			t.Fatal("truncated page payload")
		}
		pages = append(pages, oggPage{
			flags:   data[5],
			granule: binary.LittleEndian.Uint64(data[6:14]),
			crc:     binary.LittleEndian.Uint32(data[22:26]),
			payload: data[27+nsegs : total],
			raw:     data[:total],
		})
		data = data[total:]
	}
	return pages
}

func TestOGGWriterPageStructure(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	o := newOGGWriter(&buf)
	if err := o.writeHeaders(); err != nil {
		t.Fatalf("write headers: %v", err)
	}
	pkt := []byte{0xFC, 0x01, 0x02}
	if err := o.writeOpusPacket(pkt, 1); err != nil {
		t.Fatalf("write packet: %v", err)
	}
	if err := o.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	pages := walkPages(t, buf.Bytes())
	if len(pages) != 4 {
		t.Fatalf("pages = %d, want 4 (head, tags, packet, eos)", len(pages))
	}

	if pages[0].flags != 2 || !bytes.HasPrefix(pages[0].payload, []byte("OpusHead")) {
		t.Fatalf("page 0 = flags %d payload %q", pages[0].flags, pages[0].payload[:8])
	}
	if !bytes.HasPrefix(pages[1].payload, []byte("OpusTags")) {
		t.Fatal("page 1 is not OpusTags")
	}
	if pages[2].granule != SamplesPerFrame || !bytes.Equal(pages[2].payload, pkt) {
		t.Fatalf("page 2 granule=%d payload=%v", pages[2].granule, pages[2].payload)
	}
	if pages[3].flags != 4 {
		t.Fatalf("final page flags = %d, want EOS", pages[3].flags)
	}

	// Every stored checksum must match a recomputation over the page with
	// the checksum field zeroed.
	for i, p := range pages {
		zeroed := append([]byte(nil), p.raw...)
		zeroed[22], zeroed[23], zeroed[24], zeroed[25] = 0, 0, 0, 0
		if got := oggCRC(zeroed, nil); got != p.crc {
			t.Fatalf("page %d crc = %08x, want %08x", i, p.crc, got)
		}
	}
}

func TestRecorderLifecycle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	r, err := StartRecording(dir, time.Hour)
	if err != nil {
		t.Fatalf("start recording: %v", err)
	}

	r.Write([]byte{0xF8, 1, 2, 3})
	r.Write([]byte{0xF8, 4, 5})

	info := r.Info()
	if info.Packets != 2 || info.StoppedAt != 0 {
		t.Fatalf("running info = %+v", info)
	}

	r.Stop()
	r.Stop() // idempotent

	info = r.Info()
	if info.Packets != 2 || info.StoppedAt == 0 {
		t.Fatalf("stopped info = %+v", info)
	}
	if want := int64(2 * FrameDurationMS); info.DurationMS != want {
		t.Fatalf("duration = %dms, want %dms", info.DurationMS, want)
	}

	fi, err := os.Stat(filepath.Join(dir, info.FileName))
	if err != nil {
		t.Fatalf("stat recording: %v", err)
	}
	if fi.Size() == 0 || fi.Size() != info.FileSize {
		t.Fatalf("file size %d, info %d", fi.Size(), info.FileSize)
	}

	// Writes after stop are ignored.
	r.Write([]byte{0xF8, 9})
	if got := r.Info().Packets; got != 2 {
		t.Fatalf("packets after stopped write = %d, want 2", got)
	}
}

func TestRecorderMaxDurationAutoStops(t *testing.T) {
	t.Parallel()

	r, err := StartRecording(t.TempDir(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("start recording: %v", err)
	}
	t.Cleanup(r.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Info().StoppedAt != 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("recording did not auto-stop at max duration")
}
