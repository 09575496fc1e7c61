// Package config loads application configuration. Defaults are overridden by
// an optional TOML file, which in turn is overridden by ETNA_* environment
// variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultListenAddr = ":8080"
	defaultLinkAddr   = ":9000"
	defaultDBPath     = "etna.db"
	defaultStopWait   = 5 * time.Second

	envConfigFile   = "ETNA_CONFIG"
	envListenAddr   = "ETNA_LISTEN_ADDR"
	envLinkAddr     = "ETNA_LINK_ADDR"
	envVsockPort    = "ETNA_VSOCK_PORT"
	envDBPath       = "ETNA_DB_PATH"
	envLogLevel     = "ETNA_LOG_LEVEL"
	envStopWaitMS   = "ETNA_STOP_WAIT_MS"
	envHookInterval = "ETNA_HOOK_INTERVAL"
)

// Config holds application configuration.
type Config struct {
	// ListenAddr is the HTTP control API address.
	ListenAddr string
	// LinkAddr is the TCP address of the framed event link.
	LinkAddr string
	// VsockPort, when non-zero, serves the event link over vsock instead
	// of TCP.
	VsockPort uint32
	DBPath    string
	LogLevel  slog.Level
	StopWait  time.Duration
	// HookInterval is the instruction count between cancellation checks.
	// Zero takes the engine default.
	HookInterval int

	// Link identity stamped into outbound frame headers.
	SenderID      byte
	ReceiverID    byte
	SenderGroup   byte
	ReceiverGroup byte

	// Allocator sizing. Zero values take the allocator defaults.
	PoolFastBytes      int
	PoolSmallThreshold int
	PoolExternalBytes  int
	PoolLocalBytes     int
}

// fileConfig mirrors Config for TOML decoding.
type fileConfig struct {
	ListenAddr   string `toml:"listen_addr"`
	LinkAddr     string `toml:"link_addr"`
	VsockPort    uint32 `toml:"vsock_port"`
	DBPath       string `toml:"db_path"`
	LogLevel     string `toml:"log_level"`
	StopWaitMS   int    `toml:"stop_wait_ms"`
	HookInterval int    `toml:"hook_interval"`

	Link struct {
		SenderID      int `toml:"sender_id"`
		ReceiverID    int `toml:"receiver_id"`
		SenderGroup   int `toml:"sender_group"`
		ReceiverGroup int `toml:"receiver_group"`
	} `toml:"link"`

	Pool struct {
		FastBytes      int `toml:"fast_bytes"`
		SmallThreshold int `toml:"small_threshold"`
		ExternalBytes  int `toml:"external_bytes"`
		LocalBytes     int `toml:"local_bytes"`
	} `toml:"pool"`
}

// Load reads configuration from the optional TOML file named by ETNA_CONFIG
// and from environment variables. Environment variables win.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		LinkAddr:   defaultLinkAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		StopWait:   defaultStopWait,
	}

	if path := os.Getenv(envConfigFile); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envLinkAddr); v != "" {
		cfg.LinkAddr = v
	}
	if v := os.Getenv(envVsockPort); v != "" {
		port, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", envVsockPort, err)
		}
		cfg.VsockPort = uint32(port)
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envStopWaitMS); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", envStopWaitMS, err)
		}
		cfg.StopWait = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv(envHookInterval); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", envHookInterval, err)
		}
		cfg.HookInterval = n
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("load config file %s: %w", path, err)
	}

	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.LinkAddr != "" {
		cfg.LinkAddr = fc.LinkAddr
	}
	if fc.VsockPort != 0 {
		cfg.VsockPort = fc.VsockPort
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(fc.LogLevel)
	}
	if fc.StopWaitMS != 0 {
		cfg.StopWait = time.Duration(fc.StopWaitMS) * time.Millisecond
	}
	if fc.HookInterval != 0 {
		cfg.HookInterval = fc.HookInterval
	}

	cfg.SenderID = byte(fc.Link.SenderID)
	cfg.ReceiverID = byte(fc.Link.ReceiverID)
	cfg.SenderGroup = byte(fc.Link.SenderGroup)
	cfg.ReceiverGroup = byte(fc.Link.ReceiverGroup)

	cfg.PoolFastBytes = fc.Pool.FastBytes
	cfg.PoolSmallThreshold = fc.Pool.SmallThreshold
	cfg.PoolExternalBytes = fc.Pool.ExternalBytes
	cfg.PoolLocalBytes = fc.Pool.LocalBytes

	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
