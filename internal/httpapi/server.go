// Package httpapi serves the admin HTTP surface: health and status probes,
// read-only views of participants, files, presentations and media state,
// audio moderation, and a websocket feed of server events.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"lanhub/internal/audio"
	"lanhub/internal/events"
	"lanhub/internal/protocol"
	"lanhub/internal/registry"
	"lanhub/internal/screenshare"
	"lanhub/internal/store"
	"lanhub/internal/transfer"
	"lanhub/internal/video"
)

const writeTimeout = 5 * time.Second

// Deps are the component handles the admin API reads from.
type Deps struct {
	Registry *registry.Registry
	Store    *store.Store
	Files    *transfer.Broker
	Screens  *screenshare.Relay
	Mixer    *audio.Mixer
	Video    *video.Relay
	Bus      *events.Bus
}

// Server is the Echo application.
type Server struct {
	echo    *echo.Echo
	reg     *registry.Registry
	st      *store.Store
	files   *transfer.Broker
	screens *screenshare.Relay
	mixer   *audio.Mixer
	video   *video.Relay
	bus     *events.Bus

	started  time.Time
	proc     *process.Process
	upgrader websocket.Upgrader
}

// New constructs an Echo app and registers all routes.
func New(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("api request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}

	s := &Server{
		echo:    e,
		reg:     deps.Registry,
		st:      deps.Store,
		files:   deps.Files,
		screens: deps.Screens,
		mixer:   deps.Mixer,
		video:   deps.Video,
		bus:     deps.Bus,
		started: time.Now(),
		proc:    proc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/status", s.handleStatus)
	s.echo.GET("/api/participants", s.handleParticipants)
	s.echo.GET("/api/files", s.handleFiles)
	s.echo.GET("/api/presentations", s.handlePresentations)
	s.echo.GET("/api/media", s.handleMedia)
	s.echo.POST("/api/audio/:uid", s.handleAudioControl)
	s.echo.GET("/api/events", s.handleEvents)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status       string `json:"status"`
	Participants int    `json:"participants"`
}

func (s *Server) handleHealth(c echo.Context) error {
	_, participants := s.reg.Counts()
	return c.JSON(http.StatusOK, healthResponse{
		Status:       "ok",
		Participants: participants,
	})
}

type statusResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Goroutines    int     `json:"goroutines"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	RSSBytes      uint64  `json:"rss_bytes"`
	Connections   int     `json:"connections"`
	Participants  int     `json:"participants"`
	Messages      int64   `json:"messages"`
	Files         int64   `json:"files"`
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := statusResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}
	resp.Connections, resp.Participants = s.reg.Counts()

	if messages, files, err := s.st.Stats(c.Request().Context()); err == nil {
		resp.Messages, resp.Files = messages, files
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		resp.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemoryPercent = vm.UsedPercent
	}
	if s.proc != nil {
		if mi, err := s.proc.MemoryInfo(); err == nil {
			resp.RSSBytes = mi.RSS
		}
	}
	return c.JSON(http.StatusOK, resp)
}

type participantsResponse struct {
	Count        int                    `json:"count"`
	Participants []protocol.Participant `json:"participants"`
}

func (s *Server) handleParticipants(c echo.Context) error {
	participants := s.reg.Snapshot()
	if participants == nil {
		participants = []protocol.Participant{}
	}
	return c.JSON(http.StatusOK, participantsResponse{
		Count:        len(participants),
		Participants: participants,
	})
}

type fileResponse struct {
	Fid       string    `json:"fid"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	Uploader  string    `json:"uploader"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleFiles(c echo.Context) error {
	rows := s.files.Files()
	resp := make([]fileResponse, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, fileResponse{
			Fid:       row.Fid,
			Filename:  row.Filename,
			Size:      row.SizeBytes,
			Uploader:  row.Uploader,
			CreatedAt: row.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePresentations(c echo.Context) error {
	active := s.screens.Active()
	if active == nil {
		active = []screenshare.Info{}
	}
	return c.JSON(http.StatusOK, active)
}

type mediaResponse struct {
	Audio audioStatus `json:"audio"`
	Video videoStatus `json:"video"`
}

type audioStatus struct {
	Clients   []audio.ClientInfo   `json:"clients"`
	Ticks     uint64               `json:"ticks"`
	Sent      uint64               `json:"sent"`
	Recording *audio.RecordingInfo `json:"recording,omitempty"`
}

type videoStatus struct {
	Clients []video.ClientInfo `json:"clients"`
	Stats   video.Stats        `json:"stats"`
}

func (s *Server) handleMedia(c echo.Context) error {
	resp := mediaResponse{
		Audio: audioStatus{Clients: s.mixer.Clients()},
		Video: videoStatus{Clients: s.video.Clients(), Stats: s.video.Stats()},
	}
	resp.Audio.Ticks, resp.Audio.Sent = s.mixer.Stats()
	if info, ok := s.mixer.Recording(); ok {
		resp.Audio.Recording = &info
	}
	return c.JSON(http.StatusOK, resp)
}

type audioControlRequest struct {
	Volume *float64 `json:"volume"`
	Muted  *bool    `json:"muted"`
}

func (s *Server) handleAudioControl(c echo.Context) error {
	uid64, err := strconv.ParseUint(c.Param("uid"), 10, 32)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid uid")
	}
	uid := uint32(uid64)

	var req audioControlRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Volume == nil && req.Muted == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "volume or muted is required")
	}
	if req.Volume != nil {
		if *req.Volume < 0 || *req.Volume > 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "volume must be in 0..1")
		}
		if !s.mixer.SetVolume(uid, *req.Volume) {
			return echo.NewHTTPError(http.StatusNotFound, "audio client not found")
		}
	}
	if req.Muted != nil {
		if !s.mixer.SetMute(uid, *req.Muted) {
			return echo.NewHTTPError(http.StatusNotFound, "audio client not found")
		}
	}
	return c.NoContent(http.StatusNoContent)
}

// handleEvents upgrades the request and streams bus events as JSON frames
// until the client disconnects.
func (s *Server) handleEvents(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	defer conn.Close()

	feed, cancel := s.bus.Subscribe(64)
	defer cancel()

	// The read side only detects disconnect; inbound frames are discarded.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return nil
		case ev, ok := <-feed:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return nil
			}
		}
	}
}
