// Package config loads the server configuration from YAML and fills in
// defaults so the server can also run with no config file at all.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server    Server    `yaml:"server"`
	Store     Store     `yaml:"store"`
	Files     Files     `yaml:"files"`
	Audio     Audio     `yaml:"audio"`
	Video     Video     `yaml:"video"`
	API       API       `yaml:"api"`
	Logging   Logging   `yaml:"logging"`
	Retention Retention `yaml:"retention"`
}

// Server configures the control plane listener and the ephemeral port pool
// shared by file transfers and screen shares.
type Server struct {
	ControlAddr   string  `yaml:"control_addr"`   // default ":9000"
	Host          string  `yaml:"host"`           // advertised address; default: first non-loopback IPv4
	EphemeralBase int     `yaml:"ephemeral_base"` // default 10100
	RateLimit     float64 `yaml:"rate_limit"`     // control messages per second per connection, default 50
	RateBurst     int     `yaml:"rate_burst"`     // default 100
}

// Store configures the SQLite database and the in-memory history ring.
type Store struct {
	Path        string `yaml:"path"`         // default "lanhub.db"
	HistorySize int    `yaml:"history_size"` // default 500
}

// Files configures the transfer broker.
type Files struct {
	Dir          string        `yaml:"dir"`           // default "./uploads"
	MaxSize      int64         `yaml:"max_size"`      // bytes, default 2 GiB
	OfferTimeout time.Duration `yaml:"offer_timeout"` // default 5m
}

// Audio configures the UDP voice mixer.
type Audio struct {
	Addr          string        `yaml:"addr"`           // default ":11000"
	MaxLate       time.Duration `yaml:"max_late"`       // default 250ms
	ExcludeSender bool          `yaml:"exclude_sender"` // drop a client's own voice from its mix
	Recording     Recording     `yaml:"recording"`
}

// Recording configures optional session capture of the mixed audio.
type Recording struct {
	Enabled     bool          `yaml:"enabled"`
	Dir         string        `yaml:"dir"`          // default "recordings"
	MaxDuration time.Duration `yaml:"max_duration"` // default 2h
}

// Video configures the UDP video reassembly and broadcast fan-out.
type Video struct {
	Addr          string `yaml:"addr"`           // default ":10000"
	BroadcastPort int    `yaml:"broadcast_port"` // source port for outgoing frames, default 10001
	Workers       int    `yaml:"workers"`        // datagram workers, default 4
	QueueSize     int    `yaml:"queue_size"`     // per-listener packet queue, default 64
}

// API configures the HTTP admin surface.
type API struct {
	Enabled bool   `yaml:"enabled"` // default false; also enabled by the -api flag
	Listen  string `yaml:"listen"`  // default ":8080"
}

// Logging configures slog output.
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error, default "info"
	Format string `yaml:"format"` // text|json, default "text"
	File   string `yaml:"file"`   // optional log file, teed with stderr
}

// Retention configures the scheduled purge of old uploads and archived chat.
type Retention struct {
	Enabled    bool   `yaml:"enabled"`      // default false
	Schedule   string `yaml:"schedule"`     // cron spec, default "0 3 * * *"
	MaxAgeDays int    `yaml:"max_age_days"` // default 30
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: Server{
			ControlAddr:   ":9000",
			EphemeralBase: 10100,
			RateLimit:     50,
			RateBurst:     100,
		},
		Store: Store{
			Path:        "lanhub.db",
			HistorySize: 500,
		},
		Files: Files{
			Dir:          "./uploads",
			MaxSize:      2 << 30,
			OfferTimeout: 5 * time.Minute,
		},
		Audio: Audio{
			Addr:    ":11000",
			MaxLate: 250 * time.Millisecond,
			Recording: Recording{
				Dir:         "recordings",
				MaxDuration: 2 * time.Hour,
			},
		},
		Video: Video{
			Addr:          ":10000",
			BroadcastPort: 10001,
			Workers:       4,
			QueueSize:     64,
		},
		API: API{
			Listen: ":8080",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Retention: Retention{
			Schedule:   "0 3 * * *",
			MaxAgeDays: 30,
		},
	}
}

// Load reads the YAML config at path on top of the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.ControlAddr == "" {
		return fmt.Errorf("server.control_addr is required")
	}
	if c.Server.EphemeralBase < 1024 || c.Server.EphemeralBase > 65000 {
		return fmt.Errorf("server.ephemeral_base must be in 1024..65000, got %d", c.Server.EphemeralBase)
	}
	if c.Server.RateLimit <= 0 {
		return fmt.Errorf("server.rate_limit must be > 0, got %v", c.Server.RateLimit)
	}
	if c.Server.RateBurst < 1 {
		return fmt.Errorf("server.rate_burst must be >= 1, got %d", c.Server.RateBurst)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.HistorySize < 1 {
		return fmt.Errorf("store.history_size must be >= 1, got %d", c.Store.HistorySize)
	}
	if c.Files.Dir == "" {
		return fmt.Errorf("files.dir is required")
	}
	if c.Files.MaxSize <= 0 {
		return fmt.Errorf("files.max_size must be > 0, got %d", c.Files.MaxSize)
	}
	if c.Files.OfferTimeout <= 0 {
		return fmt.Errorf("files.offer_timeout must be > 0, got %v", c.Files.OfferTimeout)
	}
	if c.Audio.MaxLate <= 0 {
		return fmt.Errorf("audio.max_late must be > 0, got %v", c.Audio.MaxLate)
	}
	if c.Audio.Recording.Enabled {
		if c.Audio.Recording.Dir == "" {
			return fmt.Errorf("audio.recording.dir is required when recording is enabled")
		}
		if c.Audio.Recording.MaxDuration <= 0 {
			return fmt.Errorf("audio.recording.max_duration must be > 0, got %v", c.Audio.Recording.MaxDuration)
		}
	}
	if c.Video.BroadcastPort < 1 || c.Video.BroadcastPort > 65535 {
		return fmt.Errorf("video.broadcast_port must be in 1..65535, got %d", c.Video.BroadcastPort)
	}
	if c.Video.Workers < 1 {
		return fmt.Errorf("video.workers must be >= 1, got %d", c.Video.Workers)
	}
	if c.Video.QueueSize < 1 {
		return fmt.Errorf("video.queue_size must be >= 1, got %d", c.Video.QueueSize)
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	switch c.Logging.Level {
	case "":
		c.Logging.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "":
		c.Logging.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Retention.Enabled {
		if c.Retention.Schedule == "" {
			return fmt.Errorf("retention.schedule is required when retention is enabled")
		}
		if c.Retention.MaxAgeDays < 1 {
			return fmt.Errorf("retention.max_age_days must be >= 1, got %d", c.Retention.MaxAgeDays)
		}
	}
	return nil
}
