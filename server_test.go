package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lanhub/internal/config"
	"lanhub/internal/protocol"
	"lanhub/internal/store"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.ControlAddr = "127.0.0.1:0"
	cfg.Server.EphemeralBase = 28500
	cfg.Store.Path = filepath.Join(t.TempDir(), "hub.db")
	cfg.Files.Dir = t.TempDir()
	cfg.Audio.Addr = "127.0.0.1:0"
	cfg.Video.Addr = "127.0.0.1:0"
	cfg.Video.BroadcastPort = 0
	cfg.API.Enabled = false
	return cfg
}

// startApp binds the listeners and runs the app until the test ends.
func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()

	app, err := NewApp(cfg)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(app.Close)

	if err := app.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not stop after cancel")
		}
	})
	return app
}

func TestAppServesControlPlane(t *testing.T) {
	app := startApp(t, newTestConfig(t))

	conn, err := net.Dial("tcp", app.control.Addr().String())
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(protocol.Message{Type: protocol.TypeLogin, Username: "smoke"}); err != nil {
		t.Fatalf("send login: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var reply protocol.Message
	if err := json.Unmarshal(line, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Type != protocol.TypeLoginSuccess || reply.Username != "smoke" {
		t.Fatalf("reply = %#v", reply)
	}
}

func TestTestBotLogsInAndChats(t *testing.T) {
	app := startApp(t, newTestConfig(t))

	botCtx, botCancel := context.WithCancel(context.Background())
	botDone := make(chan error, 1)
	go func() {
		botDone <- RunTestBot(botCtx, app.control.Addr().String(), "bot", 50*time.Millisecond)
	}()

	// The bot logs in and its first chat line lands in the archive.
	deadline := time.Now().Add(3 * time.Second)
	for {
		messages, _, err := app.st.Stats(context.Background())
		if err != nil {
			botCancel()
			t.Fatalf("stats: %v", err)
		}
		if messages >= 1 {
			break
		}
		if time.Now().After(deadline) {
			botCancel()
			t.Fatal("bot chat never reached the archive")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, participants := app.reg.Counts(); participants != 1 {
		botCancel()
		t.Fatalf("participants = %d, want 1", participants)
	}

	botCancel()
	if err := <-botDone; err != nil {
		t.Fatalf("bot: %v", err)
	}
}

func TestRetentionSweepPurgesOldData(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Retention.MaxAgeDays = 30

	// Seed two stale messages, one fresh one, and a stale shared file.
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	old := time.Now().AddDate(0, 0, -40)
	for i := 0; i < 2; i++ {
		row := store.MessageRow{Type: "broadcast", UID: 1, Username: "alice", Body: "old", TS: old.UnixMilli()}
		if _, err := st.InsertMessage(context.Background(), row); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	fresh := store.MessageRow{Type: "broadcast", UID: 1, Username: "alice", Body: "fresh", TS: time.Now().UnixMilli()}
	if _, err := st.InsertMessage(context.Background(), fresh); err != nil {
		t.Fatalf("insert: %v", err)
	}
	diskName := "f1_stale.bin"
	if err := os.WriteFile(filepath.Join(cfg.Files.Dir, diskName), []byte("stale"), 0o644); err != nil {
		t.Fatalf("write blob: %v", err)
	}
	fileRow := store.FileRow{Fid: "f1", Filename: "stale.bin", SizeBytes: 5, Uploader: "alice", DiskName: diskName, CreatedAt: old}
	if err := st.CreateFile(context.Background(), fileRow); err != nil {
		t.Fatalf("create file: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	app, err := NewApp(cfg)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(app.Close)

	app.retentionSweep()

	messages, files, err := app.st.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if messages != 1 || files != 0 {
		t.Fatalf("after sweep: %d messages, %d files", messages, files)
	}
	if got := len(app.broker.Files()); got != 0 {
		t.Fatalf("catalog still has %d entries", got)
	}
	if _, err := os.Stat(filepath.Join(cfg.Files.Dir, diskName)); !os.IsNotExist(err) {
		t.Fatalf("blob still on disk: %v", err)
	}
}
