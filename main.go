// Command lanhub runs a LAN collaboration hub: a TCP control plane for
// presence and chat, one-shot file transfer windows, screen-share relays,
// UDP voice mixing and video fan-out, and an admin HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"lanhub/internal/config"
	"lanhub/internal/logging"
	"lanhub/internal/netutil"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	cfgPath := flag.String("config", "", "YAML config path (defaults apply when empty)")
	controlAddr := flag.String("addr", "", "Control listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	apiAddr := flag.String("api", "", "Admin API listen address (enables the API)")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if *controlAddr != "" {
		cfg.Server.ControlAddr = *controlAddr
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if *apiAddr != "" {
		cfg.API.Enabled = true
		cfg.API.Listen = *apiAddr
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = netutil.LocalIP()
	}
	// Auto-enable debug logging for dev builds; override with -debug flag.
	if *debug || strings.Contains(Version, "dev") {
		cfg.Logging.Level = "debug"
	}

	if RunCLI(flag.Args(), cfg) {
		return
	}

	logger, logCloser := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()
	slog.SetDefault(logger)

	slog.Info("starting lanhub", "version", Version, "host", cfg.Server.Host, "control_addr", cfg.Server.ControlAddr, "db", cfg.Store.Path)

	app, err := NewApp(cfg)
	if err != nil {
		slog.Error("initialize", "err", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := app.Listen(); err != nil {
		slog.Error("bind listeners", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
