// Package logging builds the slog handler used by the scenesync binary.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	EnvLogLevel  = "SCENESYNC_LOG_LEVEL"
	EnvLogFormat = "SCENESYNC_LOG_FORMAT"
)

// Config selects the handler. Format is "text" or "json".
type Config struct {
	Level  slog.Level
	Format string
}

// DefaultConfig returns info-level text logging, or debug when verbose.
func DefaultConfig(verbose bool) Config {
	cfg := Config{Level: slog.LevelInfo, Format: "text"}
	if verbose {
		cfg.Level = slog.LevelDebug
	}
	return cfg
}

// ApplyEnv overrides cfg from SCENESYNC_LOG_LEVEL and SCENESYNC_LOG_FORMAT.
// Unparseable values are ignored.
func ApplyEnv(cfg Config) Config {
	return applyEnv(cfg, os.Getenv)
}

func applyEnv(cfg Config, getenv func(string) string) Config {
	if lvl, ok := ParseLevel(getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	switch f := strings.ToLower(strings.TrimSpace(getenv(EnvLogFormat))); f {
	case "text", "json":
		cfg.Format = f
	}
	return cfg
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "trace":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// New returns a logger writing to w.
func New(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Install builds a logger for cfg, applies env overrides and makes it the
// slog default.
func Install(w io.Writer, cfg Config) *slog.Logger {
	l := New(w, ApplyEnv(cfg))
	slog.SetDefault(l)
	return l
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
