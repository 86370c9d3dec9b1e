package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lanhub/internal/audio"
	"lanhub/internal/config"
	"lanhub/internal/events"
	"lanhub/internal/netutil"
	"lanhub/internal/registry"
	"lanhub/internal/screenshare"
	"lanhub/internal/store"
	"lanhub/internal/transfer"
	"lanhub/internal/video"
)

type testEnv struct {
	ts      *httptest.Server
	reg     *registry.Registry
	st      *store.Store
	bus     *events.Bus
	screens *screenshare.Relay
}

// newTestEnv wires a full component set behind the API. seed runs against
// the store before the transfer broker loads its catalog.
func newTestEnv(t *testing.T, seed func(t *testing.T, st *store.Store)) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "lanhub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if seed != nil {
		seed(t, st)
	}

	bus := events.NewBus()
	reg := registry.New(bus)
	alloc := netutil.NewAllocator(27500)

	broker, err := transfer.New(config.Files{Dir: t.TempDir(), MaxSize: 1 << 20, OfferTimeout: time.Minute}, alloc, reg, st, bus)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	screens := screenshare.New(alloc, bus)
	t.Cleanup(func() {
		for _, info := range screens.Active() {
			_ = screens.Stop(info.UID)
		}
		screens.Wait()
	})
	mixer := audio.New(config.Audio{Addr: "127.0.0.1:0", MaxLate: 250 * time.Millisecond})
	frames := video.New(config.Video{Addr: "127.0.0.1:0", Workers: 1, QueueSize: 4})

	api := New(Deps{
		Registry: reg,
		Store:    st,
		Files:    broker,
		Screens:  screens,
		Mixer:    mixer,
		Video:    frames,
		Bus:      bus,
	})
	ts := httptest.NewServer(api.Echo())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, reg: reg, st: st, bus: bus, screens: screens}
}

func login(t *testing.T, reg *registry.Registry, username string) uint32 {
	t.Helper()
	sess := reg.Connect("127.0.0.1:53000", 8)
	if _, err := reg.Login(sess.UID, username); err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	return sess.UID
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func postJSON(t *testing.T, url, body string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	login(t, env.reg, "alice")

	var health healthResponse
	getJSON(t, env.ts.URL+"/health", &health)
	if health.Status != "ok" || health.Participants != 1 {
		t.Fatalf("unexpected health payload: %#v", health)
	}
}

func TestStatusReportsCounts(t *testing.T) {
	env := newTestEnv(t, func(t *testing.T, st *store.Store) {
		for i := 0; i < 3; i++ {
			row := store.MessageRow{Type: "broadcast", UID: 1, Username: "alice", Body: "hi", TS: time.Now().UnixMilli()}
			if _, err := st.InsertMessage(context.Background(), row); err != nil {
				t.Fatalf("insert message: %v", err)
			}
		}
	})
	login(t, env.reg, "alice")
	login(t, env.reg, "bob")

	var status statusResponse
	getJSON(t, env.ts.URL+"/api/status", &status)
	if status.Status != "ok" {
		t.Fatalf("status = %q", status.Status)
	}
	if status.Participants != 2 || status.Connections != 2 {
		t.Fatalf("counts = %d participants, %d connections", status.Participants, status.Connections)
	}
	if status.Messages != 3 {
		t.Fatalf("messages = %d, want 3", status.Messages)
	}
	if status.Goroutines <= 0 {
		t.Fatalf("goroutines = %d", status.Goroutines)
	}
}

func TestParticipantsSortedByUID(t *testing.T) {
	env := newTestEnv(t, nil)
	login(t, env.reg, "bob")
	login(t, env.reg, "alice")

	var resp participantsResponse
	getJSON(t, env.ts.URL+"/api/participants", &resp)
	if resp.Count != 2 || len(resp.Participants) != 2 {
		t.Fatalf("unexpected participants payload: %#v", resp)
	}
	if resp.Participants[0].UID != 1 || resp.Participants[0].Username != "bob" {
		t.Fatalf("first participant = %#v", resp.Participants[0])
	}
	if resp.Participants[1].UID != 2 || resp.Participants[1].Username != "alice" {
		t.Fatalf("second participant = %#v", resp.Participants[1])
	}
}

func TestParticipantsEmpty(t *testing.T) {
	env := newTestEnv(t, nil)

	var resp participantsResponse
	getJSON(t, env.ts.URL+"/api/participants", &resp)
	if resp.Count != 0 || len(resp.Participants) != 0 {
		t.Fatalf("unexpected participants payload: %#v", resp)
	}
}

func TestFilesListsCatalog(t *testing.T) {
	created := time.Now().Add(-time.Hour).Truncate(time.Second)
	env := newTestEnv(t, func(t *testing.T, st *store.Store) {
		row := store.FileRow{Fid: "f1", Filename: "notes.txt", SizeBytes: 42, Uploader: "alice", DiskName: "f1_notes.txt", CreatedAt: created}
		if err := st.CreateFile(context.Background(), row); err != nil {
			t.Fatalf("create file: %v", err)
		}
	})

	var files []fileResponse
	getJSON(t, env.ts.URL+"/api/files", &files)
	if len(files) != 1 {
		t.Fatalf("files = %#v", files)
	}
	got := files[0]
	if got.Fid != "f1" || got.Filename != "notes.txt" || got.Size != 42 || got.Uploader != "alice" {
		t.Fatalf("file = %#v", got)
	}
}

func TestPresentationsListsActive(t *testing.T) {
	env := newTestEnv(t, nil)

	var active []screenshare.Info
	getJSON(t, env.ts.URL+"/api/presentations", &active)
	if len(active) != 0 {
		t.Fatalf("expected no presentations, got %#v", active)
	}

	if _, _, err := env.screens.Start(3, "carol", "roadmap"); err != nil {
		t.Fatalf("start presentation: %v", err)
	}
	getJSON(t, env.ts.URL+"/api/presentations", &active)
	if len(active) != 1 {
		t.Fatalf("presentations = %#v", active)
	}
	if active[0].UID != 3 || active[0].Topic != "roadmap" || active[0].ViewerPort == 0 {
		t.Fatalf("presentation = %#v", active[0])
	}
}

func TestMediaSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)

	var media mediaResponse
	getJSON(t, env.ts.URL+"/api/media", &media)
	if len(media.Audio.Clients) != 0 || media.Audio.Recording != nil {
		t.Fatalf("audio snapshot = %#v", media.Audio)
	}
	if len(media.Video.Clients) != 0 || media.Video.Stats.Frames != 0 {
		t.Fatalf("video snapshot = %#v", media.Video)
	}
}

func TestAudioControlValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	if code := postJSON(t, env.ts.URL+"/api/audio/abc", `{"muted":true}`); code != http.StatusBadRequest {
		t.Fatalf("bad uid: status %d", code)
	}
	if code := postJSON(t, env.ts.URL+"/api/audio/7", `{}`); code != http.StatusBadRequest {
		t.Fatalf("empty body: status %d", code)
	}
	if code := postJSON(t, env.ts.URL+"/api/audio/7", `{"volume":1.5}`); code != http.StatusBadRequest {
		t.Fatalf("volume out of range: status %d", code)
	}
	if code := postJSON(t, env.ts.URL+"/api/audio/7", `{"volume":0.5}`); code != http.StatusNotFound {
		t.Fatalf("unknown client volume: status %d", code)
	}
	if code := postJSON(t, env.ts.URL+"/api/audio/7", `{"muted":true}`); code != http.StatusNotFound {
		t.Fatalf("unknown client mute: status %d", code)
	}
}

func TestEventsFeedStreamsBus(t *testing.T) {
	env := newTestEnv(t, nil)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial events feed: %v", err)
	}
	defer conn.Close()

	// The subscription races the dial, so publish until the feed delivers.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			env.bus.Publish(events.Event{Kind: events.KindFileAvailable, UID: 4, Username: "dave", Detail: "f9"})
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != events.KindFileAvailable || ev.UID != 4 || ev.Username != "dave" || ev.Detail != "f9" {
		t.Fatalf("event = %#v", ev)
	}
}
