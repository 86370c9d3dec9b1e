package audio

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RecordingInfo is the admin view of a session capture.
type RecordingInfo struct {
	FileName   string `json:"file_name"`
	StartedAt  int64  `json:"started_at"` // unix ms
	StoppedAt  int64  `json:"stopped_at"` // unix ms, 0 while recording
	DurationMS int64  `json:"duration_ms"`
	Packets    uint64 `json:"packets"`
	FileSize   int64  `json:"file_size"`
}

// Recorder captures the broadcast mix into an OGG/Opus file. The mix loop
// feeds it one encoded frame per tick.
type Recorder struct {
	mu        sync.Mutex
	file      *os.File
	ogg       *oggWriter
	startedAt time.Time
	stopped   bool
	packets   uint64
	maxTimer  *time.Timer
}

// StartRecording opens a new capture file under dir and arms the duration
// limit.
func StartRecording(dir string, maxDuration time.Duration) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}

	now := time.Now()
	path := filepath.Join(dir, fmt.Sprintf("mix_%s.ogg", now.Format("20060102_150405")))

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}
	ogg := newOGGWriter(f)
	if err := ogg.writeHeaders(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write ogg headers: %w", err)
	}

	r := &Recorder{file: f, ogg: ogg, startedAt: now}
	r.maxTimer = time.AfterFunc(maxDuration, func() {
		slog.Info("recording max duration reached", "file", filepath.Base(path))
		r.Stop()
	})

	slog.Info("recording started", "file", path)
	return r, nil
}

// Write appends one encoded mix frame.
func (r *Recorder) Write(pkt []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || len(pkt) == 0 {
		return
	}
	r.packets++
	if err := r.ogg.writeOpusPacket(pkt, r.packets); err != nil {
		slog.Warn("recording write failed", "err", err)
	}
}

// Stop finalizes the file. Safe to call more than once.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	r.maxTimer.Stop()
	if err := r.ogg.close(); err != nil {
		slog.Warn("recording finalize failed", "err", err)
	}
	if err := r.file.Close(); err != nil {
		slog.Warn("recording close failed", "err", err)
	}
	slog.Info("recording stopped", "file", filepath.Base(r.file.Name()), "packets", r.packets)
}

// Info returns capture metadata.
func (r *Recorder) Info() RecordingInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := RecordingInfo{
		FileName:  filepath.Base(r.file.Name()),
		StartedAt: r.startedAt.UnixMilli(),
		Packets:   r.packets,
	}
	dur := time.Duration(r.packets) * FrameDuration
	info.DurationMS = dur.Milliseconds()
	if r.stopped {
		info.StoppedAt = r.startedAt.Add(dur).UnixMilli()
	}
	if fi, err := os.Stat(r.file.Name()); err == nil {
		info.FileSize = fi.Size()
	}
	return info
}
