// Package transfer moves shared files over one-shot ephemeral TCP
// listeners so bulk bytes never touch the control plane. An offer opens an
// upload port, a request opens a download port; each listener accepts a
// single peer and is torn down when the transfer window expires. Uploads
// land in a temp file and are renamed into place, so a file is only
// advertised once every byte is on disk.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lanhub/internal/config"
	"lanhub/internal/events"
	"lanhub/internal/netutil"
	"lanhub/internal/protocol"
	"lanhub/internal/registry"
	"lanhub/internal/store"
)

const (
	// chunkBytes is the read/write unit on transfer sockets.
	chunkBytes = 8 << 10
	// progressLogEvery spaces out transfer progress logging.
	progressLogEvery = 1 << 20
)

// ErrExists is returned when an offer reuses a known fid.
var ErrExists = errors.New("fid already in catalog")

// ErrNotFound is returned when a request names an unknown fid.
var ErrNotFound = errors.New("fid not in catalog")

type uploadSession struct {
	uid      uint32
	fid      string
	filename string
	uploader string
	size     int64
	ln       net.Listener
	accepted atomic.Bool
}

type downloadSession struct {
	uid      uint32
	fid      string
	ln       net.Listener
	accepted atomic.Bool
}

// Broker owns the shared-file catalog and the transfer listeners.
type Broker struct {
	cfg   config.Files
	alloc *netutil.Allocator
	reg   *registry.Registry
	st    *store.Store
	bus   *events.Bus

	mu        sync.Mutex
	catalog   map[string]store.FileRow
	uploads   map[string]*uploadSession
	downloads map[int]*downloadSession

	wg sync.WaitGroup
}

// New creates the broker, ensures the upload directory exists, and reloads
// the catalog from the store so files survive restarts.
func New(cfg config.Files, alloc *netutil.Allocator, reg *registry.Registry, st *store.Store, bus *events.Bus) (*Broker, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}

	b := &Broker{
		cfg:       cfg,
		alloc:     alloc,
		reg:       reg,
		st:        st,
		bus:       bus,
		catalog:   make(map[string]store.FileRow),
		uploads:   make(map[string]*uploadSession),
		downloads: make(map[int]*downloadSession),
	}

	rows, err := st.Files(context.Background())
	if err != nil {
		return nil, fmt.Errorf("reload file catalog: %w", err)
	}
	for _, row := range rows {
		b.catalog[row.Fid] = row
	}
	slog.Info("file catalog loaded", "files", len(rows), "dir", cfg.Dir)
	return b, nil
}

// Run cancels pending transfer windows when their owner disconnects. It
// returns when ctx is done; in-flight transfers are allowed to finish.
func (b *Broker) Run(ctx context.Context) {
	ch, cancel := b.bus.Subscribe(64)
	defer cancel()

	for {
		select {
		case ev := <-ch:
			if ev.Kind == events.KindUserLeft {
				b.cancelPending(ev.UID)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until all transfer goroutines have finished.
func (b *Broker) Wait() {
	b.wg.Wait()
}

// Offer opens a one-shot upload listener for a new fid and returns its
// port. The fid is reserved until the upload completes or the window
// expires; offering a fid already in the catalog fails with ErrExists.
func (b *Broker) Offer(uid uint32, uploader, fid, filename string, size int64) (int, error) {
	b.mu.Lock()
	if _, ok := b.catalog[fid]; ok {
		b.mu.Unlock()
		return 0, ErrExists
	}
	if _, ok := b.uploads[fid]; ok {
		b.mu.Unlock()
		return 0, ErrExists
	}
	sess := &uploadSession{
		uid:      uid,
		fid:      fid,
		filename: filename,
		uploader: uploader,
		size:     size,
	}
	b.uploads[fid] = sess
	b.mu.Unlock()

	ln, port, err := b.alloc.Listen("")
	if err != nil {
		b.clearUpload(fid)
		return 0, fmt.Errorf("allocate upload port: %w", err)
	}
	sess.ln = ln

	slog.Info("upload window open", "fid", fid, "filename", filename, "size", size, "uploader", uploader, "port", port)

	b.wg.Add(1)
	go b.serveUpload(sess, port)
	return port, nil
}

// Request opens a one-shot download listener for a cataloged fid and
// returns the file info with the port.
func (b *Broker) Request(uid uint32, fid string) (store.FileRow, int, error) {
	b.mu.Lock()
	row, ok := b.catalog[fid]
	b.mu.Unlock()
	if !ok {
		return store.FileRow{}, 0, ErrNotFound
	}

	ln, port, err := b.alloc.Listen("")
	if err != nil {
		return store.FileRow{}, 0, fmt.Errorf("allocate download port: %w", err)
	}
	sess := &downloadSession{uid: uid, fid: fid, ln: ln}

	b.mu.Lock()
	b.downloads[port] = sess
	b.mu.Unlock()

	slog.Info("download window open", "fid", fid, "filename", row.Filename, "requester_uid", uid, "port", port)

	b.wg.Add(1)
	go b.serveDownload(sess, row, port)
	return row, port, nil
}

// Files returns the current catalog, oldest first.
func (b *Broker) Files() []store.FileRow {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]store.FileRow, 0, len(b.catalog))
	for _, row := range b.catalog {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Fid < out[j].Fid
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stats reports catalog size and open transfer windows.
func (b *Broker) Stats() (catalog, uploads, downloads int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.catalog), len(b.uploads), len(b.downloads)
}

// Purge removes cataloged files older than cutoff from disk, store and
// memory, returning how many were removed.
func (b *Broker) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := b.st.FilesBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, row := range rows {
		path := filepath.Join(b.cfg.Dir, row.DiskName)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("purge: cannot remove file", "fid", row.Fid, "path", path, "err", err)
			continue
		}
		if err := b.st.DeleteFile(ctx, row.Fid); err != nil {
			slog.Warn("purge: cannot delete record", "fid", row.Fid, "err", err)
			continue
		}
		b.mu.Lock()
		delete(b.catalog, row.Fid)
		b.mu.Unlock()
		removed++
		slog.Info("file purged", "fid", row.Fid, "filename", row.Filename, "age_cutoff", cutoff.Format(time.RFC3339))
	}
	return removed, nil
}

func (b *Broker) cancelPending(uid uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for fid, sess := range b.uploads {
		if sess.uid == uid && !sess.accepted.Load() && sess.ln != nil {
			_ = sess.ln.Close()
			slog.Info("upload window cancelled", "fid", fid, "uid", uid)
		}
	}
	for port, sess := range b.downloads {
		if sess.uid == uid && !sess.accepted.Load() {
			_ = sess.ln.Close()
			slog.Info("download window cancelled", "fid", sess.fid, "uid", uid, "port", port)
		}
	}
}

func (b *Broker) clearUpload(fid string) {
	b.mu.Lock()
	delete(b.uploads, fid)
	b.mu.Unlock()
}

func (b *Broker) clearDownload(port int) {
	b.mu.Lock()
	delete(b.downloads, port)
	b.mu.Unlock()
}

func (b *Broker) serveUpload(sess *uploadSession, port int) {
	defer b.wg.Done()
	defer b.clearUpload(sess.fid)
	defer sess.ln.Close()

	if tl, ok := sess.ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(b.cfg.OfferTimeout))
	}

	conn, err := sess.ln.Accept()
	if err != nil {
		slog.Warn("upload window closed without peer", "fid", sess.fid, "port", port, "err", err)
		return
	}
	sess.accepted.Store(true)
	defer conn.Close()
	// One-shot: no second uploader for this window.
	_ = sess.ln.Close()
	_ = conn.SetDeadline(time.Now().Add(b.cfg.OfferTimeout))

	if err := b.receiveFile(conn, sess); err != nil {
		slog.Error("upload failed", "fid", sess.fid, "filename", sess.filename, "err", err)
	}
}

// receiveFile reads exactly sess.size bytes into a temp file, renames it
// into place, records it, and only then advertises it to participants.
func (b *Broker) receiveFile(conn net.Conn, sess *uploadSession) error {
	tmp, err := os.CreateTemp(b.cfg.Dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp upload file: %w", err)
	}
	tmpPath := tmp.Name()
	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	var received int64
	var lastMark int64
	buf := make([]byte, chunkBytes)
	for received < sess.size {
		want := int64(chunkBytes)
		if remaining := sess.size - received; remaining < want {
			want = remaining
		}
		n, err := conn.Read(buf[:want])
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				discard()
				return fmt.Errorf("write upload bytes: %w", werr)
			}
			received += int64(n)
			if mark := received / progressLogEvery; mark > lastMark {
				lastMark = mark
				slog.Info("upload progress", "fid", sess.fid, "received", received, "total", sess.size)
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			discard()
			return fmt.Errorf("read upload bytes: %w", err)
		}
	}
	if received != sess.size {
		discard()
		return fmt.Errorf("incomplete upload: %d/%d bytes", received, sess.size)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close upload file: %w", err)
	}

	diskName := diskNameFor(sess.fid, sess.filename)
	finalPath := filepath.Join(b.cfg.Dir, diskName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("move upload into place: %w", err)
	}

	row := store.FileRow{
		Fid:       sess.fid,
		Filename:  sess.filename,
		SizeBytes: received,
		Uploader:  sess.uploader,
		DiskName:  diskName,
		CreatedAt: time.Now().UTC(),
	}
	if err := b.st.CreateFile(context.Background(), row); err != nil {
		_ = os.Remove(finalPath)
		return fmt.Errorf("persist file record: %w", err)
	}

	b.mu.Lock()
	b.catalog[row.Fid] = row
	b.mu.Unlock()

	slog.Info("file stored", "fid", row.Fid, "filename", row.Filename, "size", row.SizeBytes, "uploader", row.Uploader)

	b.reg.Broadcast(protocol.Message{
		Type:      protocol.TypeFileAvailable,
		Fid:       row.Fid,
		Filename:  row.Filename,
		Size:      row.SizeBytes,
		Uploader:  row.Uploader,
		Timestamp: time.Now().Format(time.RFC3339),
	}, 0)
	b.bus.Publish(events.Event{Kind: events.KindFileAvailable, UID: sess.uid, Username: row.Uploader, Detail: row.Filename})
	return nil
}

func (b *Broker) serveDownload(sess *downloadSession, row store.FileRow, port int) {
	defer b.wg.Done()
	defer b.clearDownload(port)
	defer sess.ln.Close()

	if tl, ok := sess.ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(b.cfg.OfferTimeout))
	}

	conn, err := sess.ln.Accept()
	if err != nil {
		slog.Warn("download window closed without peer", "fid", sess.fid, "port", port, "err", err)
		return
	}
	sess.accepted.Store(true)
	defer conn.Close()
	_ = sess.ln.Close()
	_ = conn.SetDeadline(time.Now().Add(b.cfg.OfferTimeout))

	if err := b.sendFile(conn, row); err != nil {
		slog.Error("download failed", "fid", sess.fid, "requester_uid", sess.uid, "err", err)
	}
}

// sendFile streams the stored bytes to one receiver. Completion is
// signaled by closing the connection; there is no trailer.
func (b *Broker) sendFile(conn net.Conn, row store.FileRow) error {
	f, err := os.Open(filepath.Join(b.cfg.Dir, row.DiskName))
	if err != nil {
		return fmt.Errorf("open stored file: %w", err)
	}
	defer f.Close()

	var sent, lastMark int64
	buf := make([]byte, chunkBytes)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write download bytes: %w", werr)
			}
			sent += int64(n)
			if mark := sent / progressLogEvery; mark > lastMark {
				lastMark = mark
				slog.Info("download progress", "fid", row.Fid, "sent", sent, "total", row.SizeBytes)
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("read stored file: %w", err)
		}
	}
	slog.Info("file sent", "fid", row.Fid, "filename", row.Filename, "bytes", sent)
	return nil
}

// diskNameFor builds a collision-free on-disk name. The fid keeps names
// unique when two uploads share a filename.
func diskNameFor(fid, filename string) string {
	clean := func(s string) string {
		s = strings.ReplaceAll(s, "/", "_")
		s = strings.ReplaceAll(s, "\\", "_")
		s = strings.ReplaceAll(s, "..", "_")
		return s
	}
	name := filepath.Base(clean(strings.TrimSpace(filename)))
	if name == "" || name == "." {
		name = "file"
	}
	return clean(fid) + "_" + name
}
