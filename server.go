package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"lanhub/internal/audio"
	"lanhub/internal/config"
	"lanhub/internal/control"
	"lanhub/internal/events"
	"lanhub/internal/httpapi"
	"lanhub/internal/netutil"
	"lanhub/internal/registry"
	"lanhub/internal/screenshare"
	"lanhub/internal/store"
	"lanhub/internal/transfer"
	"lanhub/internal/video"
)

// metricsInterval is how often the operational stats line is logged.
const metricsInterval = 30 * time.Second

// App owns every subsystem of the hub and runs them under one context.
type App struct {
	cfg *config.Config

	st      *store.Store
	bus     *events.Bus
	reg     *registry.Registry
	broker  *transfer.Broker
	screens *screenshare.Relay
	mixer   *audio.Mixer
	frames  *video.Relay
	control *control.Server
	api     *httpapi.Server
}

// NewApp wires the hub subsystems from cfg. The caller owns Close.
func NewApp(cfg *config.Config) (*App, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := events.NewBus()
	reg := registry.New(bus)
	alloc := netutil.NewAllocator(cfg.Server.EphemeralBase)

	broker, err := transfer.New(cfg.Files, alloc, reg, st, bus)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init transfer broker: %w", err)
	}
	screens := screenshare.New(alloc, bus)
	mixer := audio.New(cfg.Audio)
	frames := video.New(cfg.Video)

	ctl, err := control.NewServer(cfg, reg, st, broker, screens)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init control server: %w", err)
	}

	api := httpapi.New(httpapi.Deps{
		Registry: reg,
		Store:    st,
		Files:    broker,
		Screens:  screens,
		Mixer:    mixer,
		Video:    frames,
		Bus:      bus,
	})

	return &App{
		cfg:     cfg,
		st:      st,
		bus:     bus,
		reg:     reg,
		broker:  broker,
		screens: screens,
		mixer:   mixer,
		frames:  frames,
		control: ctl,
		api:     api,
	}, nil
}

// Listen binds the control, audio and video sockets so port conflicts
// surface before any goroutine starts.
func (a *App) Listen() error {
	if err := a.control.Listen(); err != nil {
		return fmt.Errorf("control listener: %w", err)
	}
	if err := a.mixer.Listen(); err != nil {
		return fmt.Errorf("audio socket: %w", err)
	}
	if err := a.frames.Listen(); err != nil {
		return fmt.Errorf("video sockets: %w", err)
	}
	return nil
}

// Run starts every plane and blocks until ctx is canceled or one of them
// fails. Listen must have succeeded first.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 4)
	go func() { errCh <- a.control.Serve(ctx) }()
	go func() { errCh <- a.mixer.Run(ctx) }()
	go func() { errCh <- a.frames.Run(ctx) }()
	if a.cfg.API.Enabled {
		go func() { errCh <- a.api.Run(ctx, a.cfg.API.Listen) }()
	}

	go a.broker.Run(ctx)
	go a.screens.Run(ctx)
	go RunMetrics(ctx, a, metricsInterval)

	if a.cfg.Retention.Enabled {
		sched := cron.New()
		if _, err := sched.AddFunc(a.cfg.Retention.Schedule, a.retentionSweep); err != nil {
			return fmt.Errorf("schedule retention: %w", err)
		}
		sched.Start()
		defer sched.Stop()
		slog.Info("retention scheduled", "schedule", a.cfg.Retention.Schedule, "max_age_days", a.cfg.Retention.MaxAgeDays)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	a.screens.Wait()
	a.broker.Wait()
	return runErr
}

// Close releases resources not tied to Run's context.
func (a *App) Close() {
	if err := a.st.Close(); err != nil {
		slog.Error("close store", "err", err)
	}
}

// retentionSweep deletes archived messages and shared files older than the
// configured age. Runs on the retention schedule.
func (a *App) retentionSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().AddDate(0, 0, -a.cfg.Retention.MaxAgeDays)

	messages, err := a.st.DeleteMessagesBefore(ctx, cutoff)
	if err != nil {
		slog.Error("retention: delete messages", "err", err)
	}
	files, err := a.broker.Purge(ctx, cutoff)
	if err != nil {
		slog.Error("retention: purge files", "err", err)
	}
	slog.Info("retention sweep done",
		"cutoff", cutoff.Format(time.RFC3339),
		"messages_deleted", messages,
		"files_purged", files)
}
