package main

import (
	"context"
	"log/slog"
	"time"
)

// RunMetrics logs hub activity every interval until ctx is canceled. An
// idle hub stays silent in the journal.
func RunMetrics(ctx context.Context, app *App, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStats(app)
		}
	}
}

func logStats(app *App) {
	connections, participants := app.reg.Counts()
	ticks, mixSent := app.mixer.Stats()
	vs := app.frames.Stats()
	if connections == 0 && ticks == 0 && vs.Chunks == 0 {
		return
	}
	catalog, uploads, downloads := app.broker.Stats()
	slog.Info("hub stats",
		"connections", connections,
		"participants", participants,
		"files", catalog,
		"uploads", uploads,
		"downloads", downloads,
		"presentations", len(app.screens.Active()),
		"audio_ticks", ticks,
		"audio_packets", mixSent,
		"video_frames", vs.Frames,
		"video_packets", vs.Sent)
}
