// Package config loads service configuration from the environment. A
// .env file, when present, is folded in by the caller before Load runs.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Environment variable names
const (
	KeyDataDir         = "VIDRA_DATA_DIR"
	KeyDownloadDir     = "VIDRA_DOWNLOAD_DIR"
	KeyListenAddr      = "VIDRA_LISTEN_ADDR"
	KeyLogLevel        = "VIDRA_LOG_LEVEL"
	KeyShutdownTimeout = "VIDRA_SHUTDOWN_TIMEOUT"
	KeyRedisAddr       = "VIDRA_REDIS_ADDR"
	KeyRedisChannel    = "VIDRA_REDIS_CHANNEL"
)

// Default values
const (
	DefaultListenAddr      = ":8090"
	DefaultLogLevel        = "info"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultRedisChannel    = "vidra.events"
)

// Settings is the resolved service configuration
type Settings struct {
	// DataDir holds the persisted job documents
	DataDir string

	// DownloadDir is where the engine writes media files
	DownloadDir string

	// ListenAddr serves health and metrics endpoints
	ListenAddr string

	LogLevel        string
	ShutdownTimeout time.Duration

	// RedisAddr enables event forwarding when non-empty
	RedisAddr    string
	RedisChannel string
}

// Load resolves settings from the environment, falling back to defaults
// rooted in the user's home directory
func Load() Settings {
	return Settings{
		DataDir:         stringOr(KeyDataDir, defaultDataDir()),
		DownloadDir:     stringOr(KeyDownloadDir, defaultDownloadDir()),
		ListenAddr:      stringOr(KeyListenAddr, DefaultListenAddr),
		LogLevel:        stringOr(KeyLogLevel, DefaultLogLevel),
		ShutdownTimeout: durationOr(KeyShutdownTimeout, DefaultShutdownTimeout),
		RedisAddr:       os.Getenv(KeyRedisAddr),
		RedisChannel:    stringOr(KeyRedisChannel, DefaultRedisChannel),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "vidra")
	}
	return filepath.Join(home, ".vidra")
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "vidra", "downloads")
	}
	return filepath.Join(home, "Downloads")
}

func stringOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// durationOr reads a duration value, accepting either a Go duration string
// or a bare number of seconds
func durationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}
