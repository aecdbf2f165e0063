// Package config loads scenesync server settings from TOML or YAML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/scenesync/internal/ecs"
)

var ErrUnsupportedFormat = errors.New("config: unsupported file format")

// Config is the server configuration. An empty Database disables the journal
// and snapshots.
type Config struct {
	Listen           string
	Admin            string
	Database         string
	Catalog          string
	Scenes           []string
	PersistSnapshots bool
	RestoreSnapshots bool
	MaxFrameBytes    uint64
	IdleTimeout      time.Duration
	LogLevel         string
	LogFormat        string
}

// Default returns the configuration used when no file sets a value.
func Default() Config {
	return Config{
		Listen:           "127.0.0.1:7420",
		Admin:            "127.0.0.1:7421",
		Database:         "scenesync.db",
		PersistSnapshots: true,
		RestoreSnapshots: false,
		MaxFrameBytes:    8 * 1024 * 1024,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Validate checks values that would otherwise fail late at startup.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return errors.New("config: listen address required")
	}
	if c.MaxFrameBytes == 0 {
		return errors.New("config: max_frame_bytes must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log_format %q", c.LogFormat)
	}
	return nil
}

// fileConfig is the on-disk shape. Only keys present in the file override
// the defaults.
type fileConfig struct {
	Listen           string   `toml:"listen" yaml:"listen"`
	Admin            string   `toml:"admin" yaml:"admin"`
	Database         string   `toml:"database" yaml:"database"`
	Catalog          string   `toml:"catalog" yaml:"catalog"`
	Scenes           []string `toml:"scenes" yaml:"scenes"`
	PersistSnapshots bool     `toml:"persist_snapshots" yaml:"persist_snapshots"`
	RestoreSnapshots bool     `toml:"restore_snapshots" yaml:"restore_snapshots"`
	MaxFrameBytes    uint64   `toml:"max_frame_bytes" yaml:"max_frame_bytes"`
	IdleTimeout      string   `toml:"idle_timeout" yaml:"idle_timeout"`
	LogLevel         string   `toml:"log_level" yaml:"log_level"`
	LogFormat        string   `toml:"log_format" yaml:"log_format"`
}

// Load reads path over the defaults. The format follows the extension:
// .toml, or .yaml/.yml.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	var (
		raw       fileConfig
		isDefined func(key string) bool
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(string(data), &raw)
		if err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
		}
		isDefined = func(key string) bool { return meta.IsDefined(key) }

	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		var keys map[string]any
		if err := yaml.Unmarshal(data, &keys); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		isDefined = func(key string) bool {
			_, ok := keys[key]
			return ok
		}

	default:
		return Config{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	cfg, err := raw.overlay(Default(), isDefined)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if cfg.Catalog != "" && !filepath.IsAbs(cfg.Catalog) {
		cfg.Catalog = filepath.Join(filepath.Dir(path), cfg.Catalog)
	}
	return cfg, cfg.Validate()
}

func (raw fileConfig) overlay(cfg Config, isDefined func(string) bool) (Config, error) {
	if isDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if isDefined("admin") {
		cfg.Admin = strings.TrimSpace(raw.Admin)
	}
	if isDefined("database") {
		cfg.Database = strings.TrimSpace(raw.Database)
	}
	if isDefined("catalog") {
		cfg.Catalog = strings.TrimSpace(raw.Catalog)
	}
	if isDefined("scenes") {
		cfg.Scenes = NormalizeScenes(raw.Scenes)
	}
	if isDefined("persist_snapshots") {
		cfg.PersistSnapshots = raw.PersistSnapshots
	}
	if isDefined("restore_snapshots") {
		cfg.RestoreSnapshots = raw.RestoreSnapshots
	}
	if isDefined("max_frame_bytes") {
		cfg.MaxFrameBytes = raw.MaxFrameBytes
	}
	if isDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse idle_timeout: %w", err)
		}
		cfg.IdleTimeout = d
	}
	if isDefined("log_level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(raw.LogLevel))
	}
	if isDefined("log_format") {
		cfg.LogFormat = strings.ToLower(strings.TrimSpace(raw.LogFormat))
	}
	return cfg, nil
}

// NormalizeScenes canonicalises scene ids, dropping blanks and duplicates
// while keeping first-seen order.
func NormalizeScenes(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, id := range in {
		id = ecs.NormalizeID(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
