package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"lanhub/internal/config"
	"lanhub/internal/events"
	"lanhub/internal/netutil"
	"lanhub/internal/protocol"
	"lanhub/internal/registry"
	"lanhub/internal/store"
)

func newTestBroker(t *testing.T, offerTimeout time.Duration) (*Broker, *registry.Registry, *events.Bus) {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus()
	reg := registry.New(bus)
	cfg := config.Files{
		Dir:          filepath.Join(dir, "uploads"),
		MaxSize:      2 << 30,
		OfferTimeout: offerTimeout,
	}
	b, err := New(cfg, netutil.NewAllocator(23000), reg, st, bus)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	t.Cleanup(b.Wait)
	return b, reg, bus
}

func loginParticipant(t *testing.T, reg *registry.Registry, username string) *registry.Session {
	t.Helper()
	s := reg.Connect(username+":test", 64)
	if _, err := reg.Login(s.UID, username); err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	return s
}

func waitForType(t *testing.T, ch chan protocol.Message, typ string) protocol.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-ch:
			if m.Type == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func assertNoType(t *testing.T, ch chan protocol.Message, typ string, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case m := <-ch:
			if m.Type == typ {
				t.Fatalf("unexpected %s message: %+v", typ, m)
			}
		case <-deadline:
			return
		}
	}
}

func dialPort(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	if err != nil {
		t.Fatalf("dial port %d: %v", port, err)
	}
	return conn
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	b, reg, _ := newTestBroker(t, time.Minute)
	alice := loginParticipant(t, reg, "alice")
	bob := loginParticipant(t, reg, "bob")

	payload := bytes.Repeat([]byte("x"), 3000)

	port, err := b.Offer(alice.UID, "alice", "f1", "notes.txt", int64(len(payload)))
	if err != nil {
		t.Fatalf("offer: %v", err)
	}

	up := dialPort(t, port)
	if _, err := up.Write(payload); err != nil {
		t.Fatalf("upload write: %v", err)
	}
	_ = up.Close()

	// Both participants learn about the file, uploader included.
	got := waitForType(t, bob.Send, protocol.TypeFileAvailable)
	if got.Fid != "f1" || got.Filename != "notes.txt" || got.Size != 3000 || got.Uploader != "alice" {
		t.Fatalf("unexpected file_available: %+v", got)
	}
	if got.Timestamp == "" {
		t.Fatal("file_available missing timestamp")
	}
	waitForType(t, alice.Send, protocol.TypeFileAvailable)

	row, dlPort, err := b.Request(bob.UID, "f1")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if row.Filename != "notes.txt" || row.SizeBytes != 3000 {
		t.Fatalf("unexpected catalog row: %+v", row)
	}

	down := dialPort(t, dlPort)
	back, err := io.ReadAll(down)
	_ = down.Close()
	if err != nil {
		t.Fatalf("download read: %v", err)
	}
	if !bytes.Equal(back, payload) {
		t.Fatalf("downloaded %d bytes, payload mismatch", len(back))
	}
}

func TestOfferDuplicateFidRejected(t *testing.T) {
	b, reg, _ := newTestBroker(t, time.Minute)
	alice := loginParticipant(t, reg, "alice")

	payload := []byte("hello world")
	port, err := b.Offer(alice.UID, "alice", "dup", "a.txt", int64(len(payload)))
	if err != nil {
		t.Fatalf("first offer: %v", err)
	}

	// While the first window is still pending, the fid is reserved.
	if _, err := b.Offer(alice.UID, "alice", "dup", "b.txt", 5); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists for pending fid, got %v", err)
	}

	up := dialPort(t, port)
	if _, err := up.Write(payload); err != nil {
		t.Fatalf("upload write: %v", err)
	}
	_ = up.Close()
	waitForType(t, alice.Send, protocol.TypeFileAvailable)

	if _, err := b.Offer(alice.UID, "alice", "dup", "c.txt", 5); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists for cataloged fid, got %v", err)
	}
}

func TestIncompleteUploadNotAdvertised(t *testing.T) {
	b, reg, _ := newTestBroker(t, time.Minute)
	alice := loginParticipant(t, reg, "alice")

	port, err := b.Offer(alice.UID, "alice", "partial", "big.bin", 200)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}

	up := dialPort(t, port)
	if _, err := up.Write(bytes.Repeat([]byte("y"), 100)); err != nil {
		t.Fatalf("partial write: %v", err)
	}
	_ = up.Close()

	assertNoType(t, alice.Send, protocol.TypeFileAvailable, 500*time.Millisecond)

	if _, _, err := b.Request(alice.UID, "partial"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after incomplete upload, got %v", err)
	}
}

func TestRequestUnknownFid(t *testing.T) {
	b, reg, _ := newTestBroker(t, time.Minute)
	alice := loginParticipant(t, reg, "alice")

	if _, _, err := b.Request(alice.UID, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUploadWindowExpires(t *testing.T) {
	b, reg, _ := newTestBroker(t, 150*time.Millisecond)
	alice := loginParticipant(t, reg, "alice")

	port, err := b.Offer(alice.UID, "alice", "slow", "late.bin", 10)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		_, uploads, _ := b.Stats()
		if uploads == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("upload window never expired")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond); err == nil {
		t.Fatal("expired window still accepting connections")
	}
}

func TestLeaveCancelsPendingWindows(t *testing.T) {
	b, reg, _ := newTestBroker(t, time.Minute)
	alice := loginParticipant(t, reg, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	if _, err := b.Offer(alice.UID, "alice", "gone", "gone.bin", 10); err != nil {
		t.Fatalf("offer: %v", err)
	}

	reg.Unregister(alice.UID)

	deadline := time.Now().Add(3 * time.Second)
	for {
		_, uploads, _ := b.Stats()
		if uploads == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pending window not cancelled after leave")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestPurgeRemovesOldFiles(t *testing.T) {
	b, reg, _ := newTestBroker(t, time.Minute)
	alice := loginParticipant(t, reg, "alice")

	payload := []byte("retire me")
	port, err := b.Offer(alice.UID, "alice", "old1", "old.txt", int64(len(payload)))
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	up := dialPort(t, port)
	if _, err := up.Write(payload); err != nil {
		t.Fatalf("upload write: %v", err)
	}
	_ = up.Close()
	waitForType(t, alice.Send, protocol.TypeFileAvailable)

	removed, err := b.Purge(context.Background(), time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 purged file, got %d", removed)
	}
	if files := b.Files(); len(files) != 0 {
		t.Fatalf("catalog not empty after purge: %+v", files)
	}
	if _, _, err := b.Request(alice.UID, "old1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after purge, got %v", err)
	}
}
